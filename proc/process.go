// Package proc implements user processes over the scheduler and the paging
// subsystem: the parent/child process control block with its exec and wait
// handshakes, lazy program loading, per-process file descriptors, and the
// system-call gateway with user-pointer validation.
package proc

import (
	"io"
	"strings"

	"github.com/joeycumines/go-kernsim/fsys"
	"github.com/joeycumines/go-kernsim/hw"
	"github.com/joeycumines/go-kernsim/sched"
	"github.com/joeycumines/go-kernsim/vm"
	"github.com/joeycumines/logiface"
)

// LoadBase is the user virtual address program images are mapped at.
const LoadBase = hw.Vaddr(0x08048000)

// fdFirst is the first descriptor handed out; 0 and 1 are the console.
const fdFirst = 2

// PCB is the process control block, owned jointly by parent and child: the
// parent reads the exit status and handshake flags, the child writes them.
type PCB struct {
	pid          sched.TID
	alive        bool
	orphan       bool
	beingWaited  bool
	startSuccess bool
	exitStatus   int
	start        *sched.Semaphore // exec handshake
	wait         *sched.Semaphore // reap handshake
}

// Program is a simulated user program body: it runs on the process's
// thread with its user memory mapped, and its return value becomes the
// exit status, as if the C runtime called exit(main()).
type Program func(u *UserContext) int

// Manager wires processes to one booted machine: the scheduler, the file
// system behind its global lock, and the paging subsystem. It is a scoped
// singleton per boot.
type Manager struct {
	k      *sched.Kernel
	fs     *fsys.FileSystem
	fsLock *sched.Lock
	frames *vm.FrameTable
	swap   *vm.SwapTable

	programs map[string]Program
	children map[sched.TID][]*PCB

	stdin  io.Reader
	stdout io.Writer
	log    *logiface.Logger[logiface.Event]
}

// Option configures a Manager.
type Option interface {
	apply(*managerOptions)
}

type managerOptions struct {
	stdin  io.Reader
	stdout io.Writer
	log    *logiface.Logger[logiface.Event]
}

type optionImpl struct {
	fn func(*managerOptions)
}

func (o *optionImpl) apply(opts *managerOptions) { o.fn(opts) }

// WithStdin sets the reader behind descriptor 0.
func WithStdin(r io.Reader) Option {
	return &optionImpl{func(opts *managerOptions) { opts.stdin = r }}
}

// WithStdout sets the writer behind descriptor 1.
func WithStdout(w io.Writer) Option {
	return &optionImpl{func(opts *managerOptions) { opts.stdout = w }}
}

// WithLogger attaches a structured logger.
func WithLogger(log *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *managerOptions) { opts.log = log }}
}

// NewManager returns a process manager over the given machine. The
// file-system lock is created here and serializes every file operation.
func NewManager(k *sched.Kernel, fs *fsys.FileSystem, frames *vm.FrameTable, swap *vm.SwapTable, opts ...Option) *Manager {
	var cfg managerOptions
	for _, o := range opts {
		if o != nil {
			o.apply(&cfg)
		}
	}
	m := &Manager{
		k:        k,
		fs:       fs,
		fsLock:   k.NewLock(),
		frames:   frames,
		swap:     swap,
		programs: make(map[string]Program),
		children: make(map[sched.TID][]*PCB),
		stdin:    cfg.stdin,
		stdout:   cfg.stdout,
		log:      cfg.log,
	}
	if m.stdin == nil {
		m.stdin = strings.NewReader("")
	}
	if m.stdout == nil {
		m.stdout = io.Discard
	}
	return m
}

// RegisterProgram binds a program body to an executable name. Executing a
// file with no registered body loads its image and exits 0 immediately.
func (m *Manager) RegisterProgram(name string, prog Program) {
	m.programs[name] = prog
}

// Process is the per-thread user-process state, attached to the thread via
// the scheduler's process hook.
type Process struct {
	m          *Manager
	pcb        *PCB
	pd         *hw.PageDir
	pt         *vm.PageTable
	files      map[int]*fsys.File
	nextFD     int
	executable *fsys.File
}

var _ sched.Process = (*Process)(nil)

// PageTable returns the process's supplemental page table.
func (p *Process) PageTable() *vm.PageTable { return p.pt }

// Activate is called on every switch to the process's thread. The software
// page directory needs no hardware switch.
func (p *Process) Activate() {}

// Exit tears the process down on the thread-exit path: descriptors and the
// executable close, the supplemental page table releases frames and swap
// slots, children are orphaned, and a watching parent is released.
func (p *Process) Exit() {
	m := p.m

	for fd, f := range p.files {
		f.Close()
		delete(p.files, fd)
	}
	if p.executable != nil {
		p.executable.Close()
		p.executable = nil
	}
	if p.pt != nil {
		p.pt.Destroy()
		p.pt = nil
	}

	pid := m.k.CurrentTID()
	for _, c := range m.children[pid] {
		if c.alive {
			// The child now frees its own PCB when it exits.
			c.orphan = true
		}
	}
	delete(m.children, pid)

	if pcb := p.pcb; pcb != nil {
		pcb.alive = false
		if !pcb.orphan {
			pcb.wait.Up()
		}
	}
}

// Execute spawns a new thread that loads and runs the program named by the
// first word of cmdline. It blocks until the load is known to have
// succeeded or failed, returning the child's tid or TIDError.
func (m *Manager) Execute(cmdline string) sched.TID {
	name, _, _ := strings.Cut(strings.TrimSpace(cmdline), " ")
	if name == "" {
		return sched.TIDError
	}

	pcb := &PCB{
		alive:      true,
		exitStatus: -1,
		start:      m.k.NewSemaphore(0),
		wait:       m.k.NewSemaphore(0),
	}
	parent := m.k.CurrentTID()
	m.children[parent] = append(m.children[parent], pcb)

	tid, err := m.k.Create(name, sched.PriDefault, func() {
		m.startProcess(name, pcb)
	})
	if err != nil {
		m.unlinkChild(parent, pcb)
		return sched.TIDError
	}

	// Wait until the child's loader reports in.
	pcb.start.Down()
	if !pcb.startSuccess {
		m.unlinkChild(parent, pcb)
		return sched.TIDError
	}
	return tid
}

// startProcess is the child side of Execute: build the address space, load
// the image lazily, release the parent, and run the program body.
func (m *Manager) startProcess(name string, pcb *PCB) {
	t := m.k.Current()
	pcb.pid = t.TID()

	p := &Process{
		m:      m,
		pcb:    pcb,
		files:  make(map[int]*fsys.File),
		nextFD: fdFirst,
	}
	t.SetProcess(p)

	ok := m.load(p, name)
	pcb.startSuccess = ok
	pcb.start.Up()
	if !ok {
		m.k.Exit()
	}

	if b := m.log.Build(logiface.LevelInformational); b != nil {
		b.Str("process", name).Int("pid", int(pcb.pid)).Log("process started")
	}

	status := 0
	if prog := m.programs[name]; prog != nil {
		status = prog(&UserContext{m: m, p: p, ESP: hw.UserStackTop})
	}
	m.doExit(status)
}

// load opens the executable and maps it lazily page by page, plus one
// eagerly materialized stack page below the top of user memory.
func (m *Manager) load(p *Process, name string) bool {
	m.fsLock.Acquire()
	f, ok := m.fs.Open(name)
	m.fsLock.Release()
	if !ok {
		return false
	}

	p.executable = f
	p.pd = hw.NewPageDir()
	p.pt = vm.NewPageTable(p.pd, m.frames, m.swap, m.log)

	size := f.Size()
	for ofs := int64(0); ofs < size; ofs += hw.PageSize {
		readBytes := uint32(hw.PageSize)
		if size-ofs < hw.PageSize {
			readBytes = uint32(size - ofs)
		}
		if !p.pt.InstallFile(LoadBase+hw.Vaddr(ofs), f, ofs, readBytes, hw.PageSize-readBytes, true) {
			return false
		}
	}

	stackPage := hw.UserStackTop - hw.PageSize
	if !p.pt.InstallZero(stackPage, true) || !p.pt.LoadPage(stackPage) {
		return false
	}
	return true
}

// Wait reaps the child with the given tid: it returns the child's exit
// status exactly once, or -1 if tid is not an unreaped child of the
// caller.
func (m *Manager) Wait(tid sched.TID) int {
	parent := m.k.CurrentTID()

	var pcb *PCB
	for _, c := range m.children[parent] {
		if c.pid == tid {
			pcb = c
			break
		}
	}
	if pcb == nil || pcb.beingWaited {
		return -1
	}
	pcb.beingWaited = true

	pcb.wait.Down()
	status := pcb.exitStatus
	m.unlinkChild(parent, pcb)
	return status
}

// doExit records the exit status in the caller's PCB and terminates the
// thread. It never returns.
func (m *Manager) doExit(status int) {
	p := m.mustCurrentProc()
	if p.pcb != nil {
		p.pcb.exitStatus = status
	}

	if b := m.log.Build(logiface.LevelInformational); b != nil {
		b.Str("process", m.k.Current().Name()).Int("status", status).Log("process exit")
	}
	m.k.Exit()
}

// killCurrent terminates the calling process with status -1, the fate of
// every invalid user-memory access.
func (m *Manager) killCurrent() {
	m.doExit(-1)
}

// mustCurrentProc returns the calling thread's process; only user
// processes may enter the gateway.
func (m *Manager) mustCurrentProc() *Process {
	p, ok := m.k.Current().Process().(*Process)
	if !ok {
		panic(`proc: kernel thread in the user gateway`)
	}
	return p
}

func (m *Manager) unlinkChild(parent sched.TID, pcb *PCB) {
	kids := m.children[parent]
	for i, c := range kids {
		if c == pcb {
			m.children[parent] = append(kids[:i], kids[i+1:]...)
			return
		}
	}
}
