package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boot(t *testing.T, opts ...Option) *Kernel {
	t.Helper()
	k, err := New(opts...)
	require.NoError(t, err)
	k.Start()
	return k
}

func TestNew_RejectsAgingUnderMLFQS(t *testing.T) {
	_, err := New(WithMLFQS(true), WithAging(true))
	assert.Error(t, err)
}

func TestNew_RejectsBadTimerFreq(t *testing.T) {
	_, err := New(WithTimerFreq(0))
	assert.Error(t, err)
}

func TestStart_InitialThread(t *testing.T) {
	k := boot(t)

	cur := k.Current()
	assert.Equal(t, "main", cur.Name())
	assert.Equal(t, TID(1), cur.TID())
	assert.Equal(t, PriDefault, cur.Priority())
	assert.Equal(t, PriDefault, k.GetPriority())
}

func TestCreate_RunsAndExits(t *testing.T) {
	k := boot(t)
	done := k.NewSemaphore(0)

	var ran bool
	tid, err := k.Create("worker", PriDefault, func() {
		ran = true
		done.Up()
	})
	require.NoError(t, err)
	assert.Greater(t, int(tid), 0)

	done.Down()
	assert.True(t, ran)
}

func TestCreate_HigherPriorityPreemptsCreator(t *testing.T) {
	k := boot(t)

	var order []string
	_, err := k.Create("hi", PriDefault+10, func() {
		order = append(order, "hi")
	})
	require.NoError(t, err)
	order = append(order, "main")

	// The higher-priority thread ran to completion before Create returned.
	assert.Equal(t, []string{"hi", "main"}, order)
}

func TestCreate_LowerPriorityDefers(t *testing.T) {
	k := boot(t)
	done := k.NewSemaphore(0)

	var order []string
	_, err := k.Create("lo", PriDefault-10, func() {
		order = append(order, "lo")
		done.Up()
	})
	require.NoError(t, err)
	order = append(order, "main")

	done.Down()
	assert.Equal(t, []string{"main", "lo"}, order)
}

func TestYield_RoundRobinAmongEqualPriorities(t *testing.T) {
	k := boot(t)
	done := k.NewSemaphore(0)

	const rounds = 3
	var order []string
	worker := func(name string) func() {
		return func() {
			for i := 0; i < rounds; i++ {
				order = append(order, name)
				k.Yield()
			}
			done.Up()
		}
	}
	for _, name := range []string{"A", "B", "C"} {
		_, err := k.Create(name, PriDefault, worker(name))
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		done.Down()
	}

	// Equal priorities observe strict FIFO rotation.
	want := []string{"A", "B", "C", "A", "B", "C", "A", "B", "C"}
	assert.Equal(t, want, order)
}

func TestSetPriority_YieldsWhenOutranked(t *testing.T) {
	k := boot(t)
	done := k.NewSemaphore(0)

	var order []string
	_, err := k.Create("mid", PriDefault+5, func() {
		// Runs immediately (outranks main), then drops below main, which
		// must hand the CPU back; it parks in the ready queue until main
		// drops below it again.
		order = append(order, "mid-1")
		k.SetPriority(PriDefault - 1)
		order = append(order, "mid-2")
		done.Up()
	})
	require.NoError(t, err)
	order = append(order, "main-1")

	// Dropping below mid's priority must yield to it.
	k.SetPriority(PriDefault - 2)
	order = append(order, "main-2")

	done.Down()
	assert.Equal(t, []string{"mid-1", "main-1", "mid-2", "main-2"}, order)
}

func TestSetPriority_PanicsOutOfRange(t *testing.T) {
	k := boot(t)
	assert.Panics(t, func() { k.SetPriority(PriMax + 1) })
	assert.Panics(t, func() { k.SetPriority(PriMin - 1) })
}

func TestTimeSlicePreemption(t *testing.T) {
	k := boot(t)
	done := k.NewSemaphore(0)

	var peerRan bool
	_, err := k.Create("peer", PriDefault, func() {
		peerRan = true
		done.Up()
	})
	require.NoError(t, err)

	// Same priority: peer does not run until main's slice expires.
	assert.False(t, peerRan)
	for i := 0; i < TimeSlice; i++ {
		k.Tick()
	}
	// The tick that exhausted the slice preempted us on interrupt return.
	done.Down()
	assert.True(t, peerRan)
}

func TestAging_UnstarvesLowPriorityThread(t *testing.T) {
	k := boot(t, WithAging(true))
	done := k.NewSemaphore(0)

	var ran bool
	_, err := k.Create("starved", PriMin+1, func() {
		ran = true
		done.Up()
	})
	require.NoError(t, err)

	// Each tick ages the ready thread by one; once it passes main's
	// priority, the slice-boundary preemption hands it the CPU.
	for i := 0; i < 2*(PriDefault-PriMin); i++ {
		k.Tick()
		if ran {
			break
		}
	}
	done.Down()
	assert.True(t, ran)
}

func TestStats_AccountsTicks(t *testing.T) {
	k := boot(t)

	before := k.Stats()
	for i := 0; i < 3; i++ {
		k.Tick()
	}
	after := k.Stats()

	total := func(s Stats) int64 { return s.IdleTicks + s.KernelTicks + s.UserTicks }
	assert.Equal(t, int64(3), total(after)-total(before))
	assert.GreaterOrEqual(t, after.KernelTicks, int64(3))
	assert.Equal(t, int64(3), k.Ticks())
}

func TestForEach_SeesAllLiveThreads(t *testing.T) {
	k := boot(t)
	block := k.NewSemaphore(0)

	for _, name := range []string{"x", "y"} {
		_, err := k.Create(name, PriDefault-1, func() { block.Down() })
		require.NoError(t, err)
	}

	names := map[string]bool{}
	k.ForEach(func(th *Thread) { names[th.Name()] = true })

	assert.True(t, names["main"])
	assert.True(t, names["idle"])
	assert.True(t, names["x"])
	assert.True(t, names["y"])

	block.Up()
	block.Up()
}

func TestExit_RemovesFromRegistry(t *testing.T) {
	k := boot(t)

	_, err := k.Create("fleeting", PriDefault+1, func() {})
	require.NoError(t, err)

	// The thread outranked us, ran, and exited before Create returned.
	k.ForEach(func(th *Thread) {
		assert.NotEqual(t, "fleeting", th.Name())
	})
}

func TestTIDsAreMonotonic(t *testing.T) {
	k := boot(t)

	tid1, err := k.Create("a", PriDefault-1, func() {})
	require.NoError(t, err)
	tid2, err := k.Create("b", PriDefault-1, func() {})
	require.NoError(t, err)
	assert.Greater(t, tid2, tid1)
}

func TestCurrent_PanicsFromForeignGoroutine(t *testing.T) {
	k := boot(t)

	errCh := make(chan any, 1)
	go func() {
		defer func() { errCh <- recover() }()
		k.Current()
	}()
	assert.NotNil(t, <-errCh)
}
