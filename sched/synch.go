package sched

import (
	"github.com/joeycumines/logiface"
	"golang.org/x/exp/slices"
)

// donationDepthMax bounds the donation chain walk. Donations form a DAG
// limited by lock-holder depth; a longer chain indicates a deadlock in the
// caller's lock graph.
const donationDepthMax = 8

// Semaphore is a counting semaphore whose waiters are served in priority
// order.
type Semaphore struct {
	k       *Kernel
	value   uint
	waiters []*Thread
}

// NewSemaphore returns a semaphore with the given initial value.
func (k *Kernel) NewSemaphore(value uint) *Semaphore {
	return &Semaphore{k: k, value: value}
}

// Down decrements the semaphore, blocking until the value is positive.
func (s *Semaphore) Down() {
	k := s.k
	old := k.intrDisable()
	for s.value == 0 {
		s.waitersInsert(k.Current())
		k.block()
	}
	s.value--
	k.intrSetLevel(old)
}

// TryDown decrements the semaphore only if it would not block, reporting
// whether it did.
func (s *Semaphore) TryDown() bool {
	k := s.k
	old := k.intrDisable()
	ok := s.value > 0
	if ok {
		s.value--
	}
	k.intrSetLevel(old)
	return ok
}

// Up increments the semaphore and wakes the highest-priority waiter, if
// any. If the woken thread outranks the caller, the caller yields (or, when
// interrupts are off, defers the yield to the next interrupt-return point).
func (s *Semaphore) Up() {
	k := s.k
	old := k.intrDisable()

	var woken *Thread
	if len(s.waiters) > 0 {
		// Donations may have changed waiter priorities since they queued.
		slices.SortStableFunc(s.waiters, func(a, b *Thread) int {
			return b.priority - a.priority
		})
		woken = s.waiters[0]
		s.waiters[0] = nil
		s.waiters = s.waiters[1:]
		k.unblock(woken)
	}
	s.value++

	preempt := woken != nil && woken.priority > k.current.priority
	k.intrSetLevel(old)
	if preempt {
		if old {
			k.Yield()
		} else {
			k.yieldPending.Store(true)
		}
	}
}

// waitersInsert queues t by priority descending, FIFO within priority.
func (s *Semaphore) waitersInsert(t *Thread) {
	i := slices.IndexFunc(s.waiters, func(o *Thread) bool {
		return o.priority < t.priority
	})
	if i < 0 {
		s.waiters = append(s.waiters, t)
		return
	}
	s.waiters = slices.Insert(s.waiters, i, t)
}

// Lock is a binary lock with transitive priority donation: while a thread
// waits for the lock, its priority is lent to the holder, and onward along
// the chain of locks the holder itself is waiting on.
type Lock struct {
	k      *Kernel
	holder *Thread
	sema   *Semaphore
}

// NewLock returns an unheld lock.
func (k *Kernel) NewLock() *Lock {
	return &Lock{k: k, sema: k.NewSemaphore(1)}
}

// Acquire takes the lock, blocking until it is available. The caller must
// not already hold it.
func (l *Lock) Acquire() {
	k := l.k
	if l.HeldByCurrent() {
		panic(`sched: recursive lock acquire`)
	}

	old := k.intrDisable()
	cur := k.Current()
	if l.holder != nil {
		cur.waitingOnLock = l
		l.donateAlongChain(cur)
	}
	l.sema.Down()
	cur.waitingOnLock = nil
	l.holder = cur
	k.intrSetLevel(old)
}

// TryAcquire takes the lock only if it is free, reporting whether it did.
func (l *Lock) TryAcquire() bool {
	k := l.k
	old := k.intrDisable()
	ok := l.sema.TryDown()
	if ok {
		l.holder = k.Current()
	}
	k.intrSetLevel(old)
	return ok
}

// Release gives up the lock, which the caller must hold. Donations made on
// this lock are returned and the caller's effective priority recomputed
// before the highest-priority waiter is woken.
func (l *Lock) Release() {
	k := l.k
	if !l.HeldByCurrent() {
		panic(`sched: release of lock not held`)
	}

	old := k.intrDisable()
	cur := k.Current()
	cur.donations = slices.DeleteFunc(cur.donations, func(d donation) bool {
		return d.lock == l
	})
	cur.priority = cur.maxPriority()
	l.holder = nil
	k.intrSetLevel(old)

	l.sema.Up()
}

// HeldByCurrent reports whether the running thread holds the lock.
func (l *Lock) HeldByCurrent() bool {
	return l.holder == l.k.current
}

// donateAlongChain walks the chain of lock holders starting at l, donating
// cur's priority at each hop: the holder of each lock in the chain receives
// a donation recorded against that lock. The walk runs with interrupts off
// and is bounded; a cycle within the bound is a deadlock in the caller's
// lock graph.
func (l *Lock) donateAlongChain(cur *Thread) {
	k := l.k
	lock := l
	for depth := 0; depth < donationDepthMax && lock != nil && lock.holder != nil; depth++ {
		h := lock.holder
		if h == cur {
			panic(`sched: deadlock, donation chain cycles back to the caller`)
		}
		h.donateOn(lock, cur)
		h.priority = h.maxPriority()

		k.logEvent(logiface.LevelTrace, func(b *logiface.Builder[logiface.Event]) {
			b.Str("donor", cur.name).Str("to", h.name).Int("priority", cur.priority)
		}, "priority donated")

		lock = h.waitingOnLock
	}
}

// donateOn inserts or updates donor's donation to t on the given lock.
func (t *Thread) donateOn(lock *Lock, donor *Thread) {
	for i := range t.donations {
		if t.donations[i].donor == donor && t.donations[i].lock == lock {
			t.donations[i].priority = donor.priority
			return
		}
	}
	t.donations = append(t.donations, donation{priority: donor.priority, donor: donor, lock: lock})
}

// condWaiter pairs a waiting thread with its private wake semaphore.
type condWaiter struct {
	sema *Semaphore
	t    *Thread
}

// Cond is a condition variable. Waiters are woken in priority order, one
// per Signal.
type Cond struct {
	k       *Kernel
	waiters []condWaiter
}

// NewCond returns a condition variable to be used with a lock.
func (k *Kernel) NewCond() *Cond {
	return &Cond{k: k}
}

// Wait atomically releases lock and blocks until signaled, then reacquires
// lock before returning. The caller must hold lock.
func (c *Cond) Wait(lock *Lock) {
	k := c.k
	if !lock.HeldByCurrent() {
		panic(`sched: condition wait without the lock`)
	}

	w := condWaiter{sema: k.NewSemaphore(0), t: k.Current()}
	old := k.intrDisable()
	i := slices.IndexFunc(c.waiters, func(o condWaiter) bool {
		return o.t.priority < w.t.priority
	})
	if i < 0 {
		c.waiters = append(c.waiters, w)
	} else {
		c.waiters = slices.Insert(c.waiters, i, w)
	}
	k.intrSetLevel(old)

	lock.Release()
	w.sema.Down()
	lock.Acquire()
}

// Signal wakes the highest-priority waiter, if any. The caller must hold
// the lock paired with the condition.
func (c *Cond) Signal(lock *Lock) {
	k := c.k
	if !lock.HeldByCurrent() {
		panic(`sched: condition signal without the lock`)
	}

	old := k.intrDisable()
	if len(c.waiters) > 0 {
		// Re-sort: waiter priorities may have changed since enqueue.
		slices.SortStableFunc(c.waiters, func(a, b condWaiter) int {
			return b.t.priority - a.t.priority
		})
		sema := c.waiters[0].sema
		c.waiters = c.waiters[1:]
		k.intrSetLevel(old)
		sema.Up()
		return
	}
	k.intrSetLevel(old)
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast(lock *Lock) {
	k := c.k
	if !lock.HeldByCurrent() {
		panic(`sched: condition broadcast without the lock`)
	}
	for {
		k.intrDisable()
		empty := len(c.waiters) == 0
		k.intrEnable()
		if empty {
			return
		}
		c.Signal(lock)
	}
}
