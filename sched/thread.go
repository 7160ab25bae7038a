package sched

import (
	"runtime"

	"github.com/joeycumines/go-kernsim/fixedpoint"
	"github.com/joeycumines/go-kernsim/sched/internal/goid"
	"github.com/joeycumines/logiface"
	"golang.org/x/exp/slices"
)

// TID identifies a thread.
type TID int

// TIDError is returned when thread creation fails.
const TIDError TID = -1

// threadMagic detects torn-down or corrupted Thread values, the analogue of
// the stack-base sentinel in a real kernel.
const threadMagic = 0xcd6abf4b

type status int32

const (
	statusReady status = iota
	statusRunning
	statusBlocked
	statusDying
)

func (s status) String() string {
	switch s {
	case statusReady:
		return "ready"
	case statusRunning:
		return "running"
	case statusBlocked:
		return "blocked"
	case statusDying:
		return "dying"
	default:
		return "invalid"
	}
}

// donation is one donated priority: donor lends its priority to the holder
// of the lock it is waiting on.
type donation struct {
	priority int
	donor    *Thread
	lock     *Lock
}

// Thread is one simulated kernel thread.
type Thread struct {
	k    *Kernel
	tid  TID
	name string
	gid  uint64 // id of the backing goroutine

	status       status
	basePriority int
	priority     int // effective: max(base, donations)
	nice         int
	recentCPU    fixedpoint.Real

	donations     []donation
	waitingOnLock *Lock

	gate chan struct{} // context-switch handoff token

	proc Process

	magic uint32
}

func newThread(k *Kernel, name string, priority int) *Thread {
	if priority < PriMin || priority > PriMax {
		panic(`sched: thread priority out of range`)
	}
	if name == "" {
		panic(`sched: thread with empty name`)
	}
	return &Thread{
		k:            k,
		name:         name,
		status:       statusBlocked,
		basePriority: priority,
		priority:     priority,
		gate:         make(chan struct{}, 1),
		magic:        threadMagic,
	}
}

func isThread(t *Thread) bool {
	return t != nil && t.magic == threadMagic
}

// TID returns the thread's identifier.
func (t *Thread) TID() TID { return t.tid }

// Name returns the thread's name.
func (t *Thread) Name() string { return t.name }

// Priority returns the thread's effective priority.
func (t *Thread) Priority() int { return t.priority }

// SetProcess attaches a user-process layer to the thread. Interrupts are
// masked so the timer's user/kernel tick classification never reads a torn
// value.
func (t *Thread) SetProcess(p Process) {
	old := t.k.intrDisable()
	t.proc = p
	t.k.intrSetLevel(old)
}

// Process returns the attached user-process layer, if any.
func (t *Thread) Process() Process { return t.proc }

// maxPriority returns the thread's effective priority: the maximum of its
// base priority and every donated priority.
func (t *Thread) maxPriority() int {
	max := t.basePriority
	for _, d := range t.donations {
		if d.priority > max {
			max = d.priority
		}
	}
	return max
}

// --- Thread lifecycle ---

// Create spawns a new thread running fn at the given priority and adds it
// to the ready queue. The creator yields if the new thread outranks it.
// If fn returns, the thread exits.
func (k *Kernel) Create(name string, priority int, fn func()) (TID, error) {
	if fn == nil {
		panic(`sched: nil thread function`)
	}

	t := k.spawnThread(name, priority, fn)
	t.tid = k.allocateTID()

	k.logEvent(logiface.LevelDebug, func(b *logiface.Builder[logiface.Event]) {
		b.Str("thread", t.name).Int("tid", int(t.tid)).Int("priority", t.priority)
	}, "thread created")

	k.unblock(t)

	if k.Current().priority < t.priority {
		k.Yield()
	}
	return t.tid, nil
}

// spawnThread builds a thread and its backing goroutine, leaving it
// blocked. The goroutine parks until first scheduled; its unwind path is
// the thread exit.
func (k *Kernel) spawnThread(name string, priority int, fn func()) *Thread {
	t := newThread(k, name, priority)
	cur := k.current
	if cur != nil {
		// New threads inherit the creator's MLFQS accounting.
		t.nice = cur.nice
		t.recentCPU = cur.recentCPU
	}

	old := k.intrDisable()
	k.all = append(k.all, t)
	k.intrSetLevel(old)

	go func() {
		t.gid = goid.Get()
		<-t.gate
		k.scheduleTail()
		k.intrEnable() // the scheduler runs with interrupts off
		fn()
		k.Exit()
	}()

	return t
}

// Current returns the running thread. It must be called from the thread
// that owns the simulated CPU.
func (k *Kernel) Current() *Thread {
	t := k.current
	if !isThread(t) || t.status != statusRunning {
		panic(`sched: current thread corrupt or not running`)
	}
	if t.gid != goid.Get() {
		panic(`sched: kernel entered from a goroutine that is not the running thread`)
	}
	return t
}

// CurrentTID returns the running thread's id.
func (k *Kernel) CurrentTID() TID {
	return k.Current().tid
}

// block transitions the running thread to blocked and schedules another.
// Interrupts must be off; the thread must be reawakened by unblock.
func (k *Kernel) block() {
	if !k.intrOff() {
		panic(`sched: block with interrupts on`)
	}
	cur := k.Current()
	cur.status = statusBlocked
	if cur != k.idle {
		k.readyThreads--
	}
	k.schedule()
}

// unblock transitions a blocked thread to ready. It does not preempt the
// running thread: callers that need preemption (semaphore up, creation)
// yield themselves, so that a caller which disabled interrupts can
// atomically unblock and keep updating state.
func (k *Kernel) unblock(t *Thread) {
	if !isThread(t) {
		panic(`sched: unblock of non-thread`)
	}
	old := k.intrDisable()
	if t.status != statusBlocked {
		panic(`sched: unblock of ` + t.status.String() + ` thread`)
	}
	k.readyInsert(t)
	t.status = statusReady
	if t != k.idle {
		k.readyThreads++
	}
	k.idleWakePulse()
	k.intrSetLevel(old)
}

// Yield gives up the CPU. The running thread stays ready and may be
// rescheduled immediately.
func (k *Kernel) Yield() {
	cur := k.Current()
	old := k.intrDisable()
	if cur != k.idle {
		k.readyInsert(cur)
	}
	cur.status = statusReady
	k.schedule()
	k.intrSetLevel(old)
}

// Exit deschedules and destroys the running thread. It never returns: the
// backing goroutine unwinds.
func (k *Kernel) Exit() {
	cur := k.Current()
	if p := cur.proc; p != nil {
		p.Exit()
	}

	k.logEvent(logiface.LevelDebug, func(b *logiface.Builder[logiface.Event]) {
		b.Str("thread", cur.name).Int("tid", int(cur.tid))
	}, "thread exit")

	k.intrDisable()
	k.allRemove(cur)
	cur.status = statusDying
	if cur != k.idle {
		k.readyThreads--
	}
	k.schedule()

	// schedule handed the CPU away; unwind the goroutine. Goexit runs
	// deferred calls in fn, which must not reenter the kernel.
	runtime.Goexit()
}

// ForEach invokes fn on every thread in the all-threads registry with
// interrupts off. fn must not block or reenter the scheduler.
func (k *Kernel) ForEach(fn func(*Thread)) {
	old := k.intrDisable()
	for _, t := range k.all {
		fn(t)
	}
	k.intrSetLevel(old)
}

// --- Priorities ---

// SetPriority sets the running thread's base priority and recomputes its
// effective priority; it yields if a ready thread now outranks it.
func (k *Kernel) SetPriority(priority int) {
	if priority < PriMin || priority > PriMax {
		panic(`sched: priority out of range`)
	}
	cur := k.Current()

	old := k.intrDisable()
	cur.basePriority = priority
	cur.priority = cur.maxPriority()
	outranked := cur != k.idle && len(k.ready) > 0 && cur.priority < k.readyMax()
	k.intrSetLevel(old)

	if outranked {
		k.Yield()
	}
}

// GetPriority returns the running thread's effective priority.
func (k *Kernel) GetPriority() int {
	return k.Current().priority
}

// --- Ready queue ---

// readyInsert places t into the ready queue, keeping it sorted by priority
// descending with FIFO order among equal priorities.
func (k *Kernel) readyInsert(t *Thread) {
	i := slices.IndexFunc(k.ready, func(o *Thread) bool {
		return o.priority < t.priority
	})
	if i < 0 {
		k.ready = append(k.ready, t)
		return
	}
	k.ready = slices.Insert(k.ready, i, t)
}

// readyMax returns the highest priority currently queued. The queue may be
// stale after donations; scan rather than trust the head.
func (k *Kernel) readyMax() int {
	max := PriMin
	for _, t := range k.ready {
		if t.priority > max {
			max = t.priority
		}
	}
	return max
}

// nextThreadToRun pops the highest-priority ready thread, or returns the
// idle thread if the queue is empty. Donations may have changed priorities
// since insertion, so the queue is re-sorted (stably) first.
func (k *Kernel) nextThreadToRun() *Thread {
	if len(k.ready) == 0 {
		return k.idle
	}
	slices.SortStableFunc(k.ready, func(a, b *Thread) int {
		return b.priority - a.priority
	})
	t := k.ready[0]
	k.ready[0] = nil
	k.ready = k.ready[1:]
	return t
}

// allRemove unlinks t from the all-threads registry. Interrupts must be
// off.
func (k *Kernel) allRemove(t *Thread) {
	if i := slices.Index(k.all, t); i >= 0 {
		k.all = slices.Delete(k.all, i, i+1)
	}
}

// --- Context switch ---

// schedule switches to the next thread to run. At entry interrupts must be
// off and the running thread's status must already have been changed. The
// outgoing goroutine parks on its gate (or unwinds, if dying); the
// incoming goroutine resumes here, or in its spawn wrapper on first run,
// and finishes with scheduleTail.
func (k *Kernel) schedule() {
	cur := k.current
	next := k.nextThreadToRun()

	if !k.intrOff() {
		panic(`sched: schedule with interrupts on`)
	}
	if cur.status == statusRunning {
		panic(`sched: schedule of running thread`)
	}
	if !isThread(next) {
		panic(`sched: scheduling a non-thread`)
	}

	if cur != next {
		// Snapshot before handing the CPU over: the incoming thread may
		// unblock cur (and so write its status) as soon as it runs.
		dying := cur.status == statusDying
		k.prev = cur
		k.current = next
		k.intrOwner.Store(next)
		next.gate <- struct{}{}
		if dying {
			// The goroutine unwinds in Exit; cleanup happens on the
			// incoming side.
			return
		}
		<-cur.gate
	}
	k.scheduleTail()
}

// scheduleTail completes a switch on the incoming thread: mark it running,
// start a fresh time slice, activate its address space, and tear down the
// previous thread if it was dying.
func (k *Kernel) scheduleTail() {
	cur := k.current
	if !k.intrOff() {
		panic(`sched: schedule tail with interrupts on`)
	}

	cur.status = statusRunning
	k.threadTicks = 0

	if p := cur.proc; p != nil {
		p.Activate()
	}

	if prev := k.prev; prev != nil {
		k.prev = nil
		if prev.status == statusDying && prev != k.initial {
			// The backing goroutine is gone; poison the struct so stale
			// references trip isThread.
			prev.magic = 0
		}
	}
}

// --- TID allocation ---

// allocateTID returns the next thread id, serialized by the tid lock.
func (k *Kernel) allocateTID() TID {
	k.tidLock.Acquire()
	tid := k.nextTID
	k.nextTID++
	k.tidLock.Release()
	return tid
}

// allocateTIDDirect is used during Start, before the tid lock exists.
func (k *Kernel) allocateTIDDirect() TID {
	tid := k.nextTID
	k.nextTID++
	return tid
}
