package sched

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-kernsim/fixedpoint"
	"github.com/joeycumines/go-kernsim/sched/internal/goid"
	"github.com/joeycumines/logiface"
)

// Scheduling constants.
const (
	// PriMin is the lowest thread priority.
	PriMin = 0
	// PriDefault is the default thread priority.
	PriDefault = 31
	// PriMax is the highest thread priority.
	PriMax = 63

	// NiceMin and NiceMax bound the niceness of a thread under MLFQS.
	NiceMin = -20
	NiceMax = 20

	// TimeSlice is the number of timer ticks each thread runs before the
	// timer requests preemption.
	TimeSlice = 4

	// DefaultTimerFreq is the default number of ticks per simulated second.
	DefaultTimerFreq = 100
)

// Process lets a user-process layer attach itself to a thread. Activate is
// called on every switch to the thread (address-space activation); Exit is
// called at the top of thread exit, before the thread is torn down.
type Process interface {
	Activate()
	Exit()
}

// Stats is a snapshot of tick accounting.
type Stats struct {
	IdleTicks   int64
	KernelTicks int64
	UserTicks   int64
}

// Kernel is one booted scheduler instance: ready queue, all-threads
// registry, tick accounting, and policy state. It is a scoped singleton
// bound to the boot that created it, not ambient package state.
type Kernel struct {
	// cpu is the interrupt mask: held means interrupts are off. It is
	// handed between goroutines across context switches; intrOwner is the
	// thread that will eventually re-enable.
	cpu       sync.Mutex
	intrOwner atomic.Pointer[Thread]

	current *Thread
	prev    *Thread // outgoing thread across a switch, consumed by scheduleTail
	idle    *Thread
	initial *Thread

	ready []*Thread // priority-descending, FIFO within priority
	all   []*Thread

	tidLock *Lock
	nextTID TID

	mlfqs     bool
	aging     bool
	timerFreq int

	ticks        int64
	threadTicks  int // ticks since the running thread last started a slice
	prioTicks    int // MLFQS priority sweep cadence counter
	loadAvg      fixedpoint.Real
	readyThreads int // READY or RUNNING, excluding idle

	idleTicks   int64
	kernelTicks int64
	userTicks   int64

	yieldPending atomic.Bool
	idleWake     chan struct{}
	started      bool

	log *logiface.Logger[logiface.Event]
}

// Option configures a Kernel.
type Option interface {
	apply(*kernelOptions) error
}

type kernelOptions struct {
	mlfqs     bool
	aging     bool
	timerFreq int
	log       *logiface.Logger[logiface.Event]
}

type optionImpl struct {
	fn func(*kernelOptions) error
}

func (o *optionImpl) apply(opts *kernelOptions) error { return o.fn(opts) }

// WithMLFQS selects the 4.4BSD multilevel feedback queue scheduler instead
// of round-robin with static priorities.
func WithMLFQS(enabled bool) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.mlfqs = enabled
		return nil
	}}
}

// WithAging enables priority aging of ready threads. Aging is only
// meaningful when MLFQS is off; combining the two is an error.
func WithAging(enabled bool) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.aging = enabled
		return nil
	}}
}

// WithTimerFreq sets the number of ticks per simulated second, which paces
// the MLFQS load-average and recent-cpu sweeps.
func WithTimerFreq(ticksPerSecond int) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		if ticksPerSecond <= 0 {
			return errors.New("sched: timer frequency must be positive")
		}
		opts.timerFreq = ticksPerSecond
		return nil
	}}
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(log *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *kernelOptions) error {
		opts.log = log
		return nil
	}}
}

// New constructs a Kernel. The kernel is inert until Start.
func New(opts ...Option) (*Kernel, error) {
	cfg := kernelOptions{timerFreq: DefaultTimerFreq}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o.apply(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.mlfqs && cfg.aging {
		return nil, errors.New("sched: aging requires the round-robin scheduler")
	}

	return &Kernel{
		mlfqs:     cfg.mlfqs,
		aging:     cfg.aging,
		timerFreq: cfg.timerFreq,
		nextTID:   1,
		idleWake:  make(chan struct{}, 1),
		log:       cfg.log,
	}, nil
}

// Start transforms the calling goroutine into the initial "main" thread,
// creates the idle thread, and enables interrupts. It must be called
// exactly once, and every later kernel entry point must run either on a
// simulated thread or, for Tick, anywhere.
func (k *Kernel) Start() {
	if k.started {
		panic(`sched: kernel started twice`)
	}
	k.started = true

	// The caller's stack becomes the initial thread.
	t := newThread(k, "main", PriDefault)
	t.gid = goid.Get()
	t.status = statusRunning
	t.tid = k.allocateTIDDirect()
	k.current = t
	k.initial = t
	k.all = append(k.all, t)
	k.readyThreads = 1

	k.tidLock = k.NewLock()

	// Create the idle thread. Unlike the hardware original, the idle
	// thread pointer is known before it first runs, so it is never counted
	// in readyThreads.
	idleStarted := k.NewSemaphore(0)
	idle := k.spawnThread("idle", PriMin, func() {
		k.idleLoop(idleStarted)
	})
	idle.tid = k.allocateTID()
	k.idle = idle

	// Start preemptive scheduling and wait for idle to come up.
	k.unblock(idle)
	idleStarted.Down()

	k.logEvent(logiface.LevelInformational, func(b *logiface.Builder[logiface.Event]) {
		b.Bool("mlfqs", k.mlfqs).Bool("aging", k.aging).Int("timer_freq", k.timerFreq)
	}, "scheduler started")
}

// idleLoop is the body of the idle thread. It blocks itself whenever
// another thread is ready and otherwise waits for the next wake pulse; the
// pulse channel is buffered so a wakeup arriving between enabling
// interrupts and waiting is never lost (the sti;hlt pairing).
func (k *Kernel) idleLoop(started *Semaphore) {
	started.Up()
	for {
		k.intrDisable()
		k.block()

		// Scheduled again: the ready queue was empty.
		k.intrEnable()
		<-k.idleWake
	}
}

// Tick delivers one timer tick. It may be called from the running thread
// (the usual interrupt context) or from an external timer goroutine;
// delivery blocks while the running thread has interrupts off. When called
// from the running thread, a requested preemption is taken before Tick
// returns, as on interrupt return; otherwise it is taken at the thread's
// next interrupt-return point.
func (k *Kernel) Tick() {
	self := goid.Get()

	k.cpu.Lock()
	cur := k.current
	if cur == nil {
		panic(`sched: tick before start`)
	}

	switch {
	case cur == k.idle:
		k.idleTicks++
	case cur.proc != nil:
		k.userTicks++
	default:
		k.kernelTicks++
	}
	k.ticks++

	if k.mlfqs {
		k.incrementRecentCPU()
		if k.ticks%int64(k.timerFreq) == 0 {
			k.updateLoadAvg()
			k.updateRecentCPU()
		}
		k.updatePriorities()
	} else if k.aging {
		k.age()
	}

	if k.threadTicks++; k.threadTicks >= TimeSlice {
		k.yieldPending.Store(true)
	}

	onCurrent := cur.gid == self
	k.idleWakePulse()
	k.cpu.Unlock()

	if onCurrent {
		k.Preempt()
	}
}

// Ticks returns the number of ticks delivered so far.
func (k *Kernel) Ticks() int64 {
	k.cpu.Lock()
	defer k.cpu.Unlock()
	return k.ticks
}

// Preempt is an explicit interrupt-return point: if the timer requested
// preemption since the last one, the calling thread yields. CPU-bound
// simulated workloads call this at instruction boundaries.
func (k *Kernel) Preempt() {
	if k.yieldPending.Swap(false) {
		k.Yield()
	}
}

// Stats returns the tick accounting snapshot.
func (k *Kernel) Stats() Stats {
	k.cpu.Lock()
	defer k.cpu.Unlock()
	return Stats{IdleTicks: k.idleTicks, KernelTicks: k.kernelTicks, UserTicks: k.userTicks}
}

// Halt logs final statistics and returns them. The simulation has no
// machine to power down; the caller decides what stops.
func (k *Kernel) Halt() Stats {
	s := k.Stats()
	k.logEvent(logiface.LevelInformational, func(b *logiface.Builder[logiface.Event]) {
		b.Int64("idle_ticks", s.IdleTicks).
			Int64("kernel_ticks", s.KernelTicks).
			Int64("user_ticks", s.UserTicks)
	}, "halt")
	return s
}

// --- Interrupt simulation ---

// intrDisable masks interrupts, returning the previous level (true = were
// on). Reentrant: if the CPU is already masked, the caller must be the
// owner, because every other thread is parked.
func (k *Kernel) intrDisable() bool {
	if k.intrOwner.Load() != nil {
		return false
	}
	k.cpu.Lock()
	k.intrOwner.Store(k.current)
	return true
}

// intrEnable unmasks interrupts and takes any pending preemption.
func (k *Kernel) intrEnable() {
	if k.intrOwner.Load() == nil {
		panic(`sched: interrupts enabled twice`)
	}
	k.intrOwner.Store(nil)
	k.cpu.Unlock()
	if k.yieldPending.Swap(false) {
		k.Yield()
	}
}

// intrSetLevel restores the level returned by intrDisable.
func (k *Kernel) intrSetLevel(on bool) {
	if on {
		k.intrEnable()
	}
}

// intrOff reports whether interrupts are masked by a kernel path.
func (k *Kernel) intrOff() bool {
	return k.intrOwner.Load() != nil
}

// idleWakePulse nudges the idle thread's halt wait. The buffer of one
// coalesces pulses.
func (k *Kernel) idleWakePulse() {
	select {
	case k.idleWake <- struct{}{}:
	default:
	}
}

// logEvent emits a structured event if logging is enabled. The modifier
// runs only when the level is enabled.
func (k *Kernel) logEvent(level logiface.Level, fields func(*logiface.Builder[logiface.Event]), msg string) {
	if b := k.log.Build(level); b != nil {
		if fields != nil {
			fields(b)
		}
		b.Log(msg)
	}
}
