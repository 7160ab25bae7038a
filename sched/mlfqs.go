package sched

import (
	"github.com/joeycumines/go-kernsim/fixedpoint"
)

// The 4.4BSD scheduler: thread priorities are recomputed from recent CPU
// use and niceness, with a system-wide load average decaying the per-thread
// accounting once per simulated second. All state updates happen in the
// timer interrupt, with the CPU mask held.

// SetNice sets the running thread's nice value and recomputes its priority,
// yielding if a ready thread now outranks it. MLFQS must be enabled.
func (k *Kernel) SetNice(nice int) {
	if !k.mlfqs {
		panic(`sched: nice without mlfqs`)
	}
	if nice < NiceMin || nice > NiceMax {
		panic(`sched: nice out of range`)
	}
	cur := k.Current()
	if cur == k.idle {
		return
	}

	old := k.intrDisable()
	cur.nice = nice
	cur.priority = calculatePriority(cur)
	outranked := len(k.ready) > 0 && cur.priority < k.readyMax()
	k.intrSetLevel(old)

	if outranked {
		k.Yield()
	}
}

// GetNice returns the running thread's nice value.
func (k *Kernel) GetNice() int {
	if !k.mlfqs {
		panic(`sched: nice without mlfqs`)
	}
	return k.Current().nice
}

// GetLoadAvg returns 100 times the system load average, rounded.
func (k *Kernel) GetLoadAvg() int {
	if !k.mlfqs {
		panic(`sched: load average without mlfqs`)
	}
	old := k.intrDisable()
	v := k.loadAvg.MulInt(100).Int()
	k.intrSetLevel(old)
	return v
}

// GetRecentCPU returns 100 times the running thread's recent_cpu, rounded.
func (k *Kernel) GetRecentCPU() int {
	if !k.mlfqs {
		panic(`sched: recent cpu without mlfqs`)
	}
	cur := k.Current()
	old := k.intrDisable()
	v := cur.recentCPU.MulInt(100).Int()
	k.intrSetLevel(old)
	return v
}

// incrementRecentCPU charges the running tick to the running thread.
// Called from the timer with the CPU mask held.
func (k *Kernel) incrementRecentCPU() {
	if cur := k.current; cur != k.idle {
		cur.recentCPU = cur.recentCPU.AddInt(1)
	}
}

// updateLoadAvg recomputes the system load average:
// load_avg = (59/60)*load_avg + (1/60)*ready_threads.
func (k *Kernel) updateLoadAvg() {
	loadCoef := fixedpoint.FromInt(59).DivInt(60)
	readyCoef := fixedpoint.FromInt(1).DivInt(60)
	k.loadAvg = loadCoef.Mul(k.loadAvg).Add(readyCoef.MulInt(k.readyThreads))
}

// updateRecentCPU decays every thread's recent_cpu:
// recent_cpu = (2*load_avg)/(2*load_avg + 1) * recent_cpu + nice.
func (k *Kernel) updateRecentCPU() {
	twice := k.loadAvg.MulInt(2)
	coef := twice.Div(twice.AddInt(1))
	for _, t := range k.all {
		if t == k.idle {
			continue
		}
		t.recentCPU = coef.Mul(t.recentCPU).AddInt(t.nice)
	}
}

// updatePriorities recomputes every thread's priority once per time slice
// and requests preemption if the running thread is no longer the maximum.
// Called from the timer with the CPU mask held.
func (k *Kernel) updatePriorities() {
	if k.prioTicks++; k.prioTicks != TimeSlice {
		return
	}
	k.prioTicks = 0

	max := PriMin
	for _, t := range k.all {
		t.priority = calculatePriority(t)
		if t.priority > max {
			max = t.priority
		}
	}

	// thread_yield cannot run inside the interrupt; preemption is taken at
	// the interrupt return.
	if k.current.priority < max {
		k.yieldPending.Store(true)
	}
}

// calculatePriority evaluates PRI_MAX - recent_cpu/4 - nice*2, clamped.
func calculatePriority(t *Thread) int {
	p := fixedpoint.FromInt(PriMax).
		Sub(t.recentCPU.DivInt(4)).
		SubInt(t.nice * 2).
		Int()
	if p < PriMin {
		p = PriMin
	}
	if p > PriMax {
		p = PriMax
	}
	return p
}

// age bumps the base priority of every ready thread by one, countering
// starvation under the round-robin policy. Called from the timer with the
// CPU mask held.
func (k *Kernel) age() {
	for _, t := range k.ready {
		t.basePriority++
		t.priority = t.maxPriority()
	}
}
