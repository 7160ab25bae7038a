// Package sched implements a preemptive kernel-thread scheduler as a
// deterministic user-space simulation: a thread state machine with
// priority-ordered ready queue, counting semaphores, locks with transitive
// priority donation, condition variables, and two scheduling policies
// (round-robin with static priorities, optionally with aging, and the
// 4.4BSD multilevel feedback queue).
//
// # Simulation model
//
// Each simulated thread is backed by one goroutine, but at most one thread
// ever owns the simulated CPU: a context switch hands a token to the
// incoming thread's gate channel and parks the outgoing goroutine on its
// own. Interrupt masking is a kernel-owned mutex; the external timer's
// [Kernel.Tick] is delayed while the running thread has interrupts off,
// exactly as hardware would delay delivery.
//
// Preemption requested by the timer takes effect at interrupt-return
// points: enabling interrupts, semaphore and lock operations, [Kernel.Yield],
// and the explicit [Kernel.Preempt]. Thread code that never enters the
// kernel never observes preemption, the same way code that never returns
// from an interrupt wouldn't; CPU-bound simulated workloads call
// [Kernel.Preempt] at instruction boundaries.
//
// # Bootstrapping
//
// [Kernel.Start] transforms the calling goroutine into the initial "main"
// thread and creates the idle thread, which holds the CPU whenever the
// ready queue is empty and is never queued itself. All other entry points
// must be called from a simulated thread after Start.
package sched
