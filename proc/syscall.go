package proc

import (
	"github.com/joeycumines/go-kernsim/hw"
	"github.com/joeycumines/go-kernsim/sched"
	"github.com/joeycumines/logiface"
)

// SyscallNum identifies a system call. The numbering is part of the user
// ABI and must not be reordered.
type SyscallNum uint32

const (
	SysHalt SyscallNum = iota
	SysExit
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
	SysFibonacci
	SysMaxOfFourInt
)

// Syscall is the gateway: esp points at the syscall number on the user
// stack, with 32-bit argument words above it. Every pointer and word is
// validated through the byte probe; an invalid access terminates the
// caller with exit(-1), so Syscall may not return.
func (m *Manager) Syscall(esp hw.Vaddr) int {
	p := m.mustCurrentProc()

	num, ok := p.readWord(esp, esp)
	if !ok {
		m.killCurrent()
	}
	arg := func(i int) uint32 {
		w, ok := p.readWord(esp+hw.Vaddr(4*(i+1)), esp)
		if !ok {
			m.killCurrent()
		}
		return w
	}

	if b := m.log.Build(logiface.LevelTrace); b != nil {
		b.Uint64("num", uint64(num)).Int("pid", int(m.k.CurrentTID())).Log("syscall")
	}

	switch SyscallNum(num) {
	case SysHalt:
		m.k.Halt()
		m.k.Exit()
		return 0

	case SysExit:
		m.doExit(int(int32(arg(0))))
		return 0 // not reached

	case SysExec:
		cmdline, ok := p.readString(hw.Vaddr(arg(0)), esp)
		if !ok {
			m.killCurrent()
		}
		return int(m.Execute(cmdline))

	case SysWait:
		return m.Wait(sched.TID(int32(arg(0))))

	case SysCreate:
		name, ok := p.readString(hw.Vaddr(arg(0)), esp)
		size := arg(1)
		if !ok {
			m.killCurrent()
		}
		m.fsLock.Acquire()
		created := m.fs.Create(name, int(int32(size)))
		m.fsLock.Release()
		return boolStatus(created)

	case SysRemove:
		name, ok := p.readString(hw.Vaddr(arg(0)), esp)
		if !ok {
			m.killCurrent()
		}
		m.fsLock.Acquire()
		removed := m.fs.Remove(name)
		m.fsLock.Release()
		return boolStatus(removed)

	case SysOpen:
		name, ok := p.readString(hw.Vaddr(arg(0)), esp)
		if !ok {
			m.killCurrent()
		}
		m.fsLock.Acquire()
		f, found := m.fs.Open(name)
		m.fsLock.Release()
		if !found {
			return -1
		}
		fd := p.nextFD
		p.nextFD++
		p.files[fd] = f
		return fd

	case SysFilesize:
		f, found := p.files[int(int32(arg(0)))]
		if !found {
			return -1
		}
		m.fsLock.Acquire()
		size := f.Size()
		m.fsLock.Release()
		return int(size)

	case SysRead:
		return m.sysRead(p, esp, int(int32(arg(0))), hw.Vaddr(arg(1)), arg(2))

	case SysWrite:
		return m.sysWrite(p, esp, int(int32(arg(0))), hw.Vaddr(arg(1)), arg(2))

	case SysSeek:
		if f, found := p.files[int(int32(arg(0)))]; found {
			pos := arg(1)
			m.fsLock.Acquire()
			f.Seek(int64(pos))
			m.fsLock.Release()
		}
		return 0

	case SysTell:
		f, found := p.files[int(int32(arg(0)))]
		if !found {
			return -1
		}
		m.fsLock.Acquire()
		pos := f.Tell()
		m.fsLock.Release()
		return int(pos)

	case SysClose:
		fd := int(int32(arg(0)))
		if f, found := p.files[fd]; found {
			f.Close()
			delete(p.files, fd)
		}
		return 0

	case SysFibonacci:
		return fibonacci(int(int32(arg(0))))

	case SysMaxOfFourInt:
		return maxOfFour(int(int32(arg(0))), int(int32(arg(1))), int(int32(arg(2))), int(int32(arg(3))))

	default:
		m.killCurrent()
		return 0 // not reached
	}
}

// sysRead reads size bytes into the user buffer at va: from the console
// for descriptor 0, otherwise from an open file. The buffer's pages are
// faulted in and pinned before the file-system lock is taken, so the
// transfer cannot page-fault while holding it.
func (m *Manager) sysRead(p *Process, esp hw.Vaddr, fd int, va hw.Vaddr, size uint32) int {
	if fd == 1 {
		return -1
	}
	if size == 0 {
		return 0
	}
	if !p.pinRange(va, esp, size) {
		m.killCurrent()
	}

	buf := make([]byte, size)
	var n int
	if fd == 0 {
		n, _ = m.stdin.Read(buf)
	} else {
		f, found := p.files[fd]
		if !found {
			p.unpinRange(va, size)
			return -1
		}
		m.fsLock.Acquire()
		n, _ = f.Read(buf)
		m.fsLock.Release()
	}

	copied := p.writeBytes(va, esp, buf[:n])
	p.unpinRange(va, size)
	if !copied {
		// Read-only destination; the lock and the pins are already
		// released.
		m.killCurrent()
	}
	return n
}

// sysWrite writes size bytes from the user buffer at va: to the console
// for descriptor 1, otherwise to an open file.
func (m *Manager) sysWrite(p *Process, esp hw.Vaddr, fd int, va hw.Vaddr, size uint32) int {
	if fd == 0 {
		return -1
	}
	buf, ok := p.readBytes(va, esp, size)
	if !ok {
		m.killCurrent()
	}

	if fd == 1 {
		n, err := m.stdout.Write(buf)
		if err != nil {
			return -1
		}
		return n
	}

	f, found := p.files[fd]
	if !found {
		return -1
	}
	m.fsLock.Acquire()
	n, _ := f.Write(buf)
	m.fsLock.Release()
	return n
}

func boolStatus(ok bool) int {
	if ok {
		return 1
	}
	return 0
}

// fibonacci computes the n'th Fibonacci number, fib(0) = 0.
func fibonacci(n int) int {
	if n <= 0 {
		return 0
	}
	a, b := 0, 1
	for i := 1; i < n; i++ {
		a, b = b, a+b
	}
	return b
}

func maxOfFour(a, b, c, d int) int {
	max := a
	for _, v := range []int{b, c, d} {
		if v > max {
			max = v
		}
	}
	return max
}
