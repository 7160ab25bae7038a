package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMLFQS_AccessorsRequireMLFQS(t *testing.T) {
	k := boot(t)
	assert.Panics(t, func() { k.SetNice(0) })
	assert.Panics(t, func() { k.GetNice() })
	assert.Panics(t, func() { k.GetLoadAvg() })
	assert.Panics(t, func() { k.GetRecentCPU() })
}

func TestMLFQS_SetNiceBounds(t *testing.T) {
	k := boot(t, WithMLFQS(true))
	assert.Panics(t, func() { k.SetNice(NiceMax + 1) })
	assert.Panics(t, func() { k.SetNice(NiceMin - 1) })
	k.SetNice(NiceMax)
	assert.Equal(t, NiceMax, k.GetNice())
}

func TestMLFQS_RecentCPUChargesRunningThread(t *testing.T) {
	k := boot(t, WithMLFQS(true))

	before := k.GetRecentCPU()
	for i := 0; i < 10; i++ {
		k.Tick()
	}
	after := k.GetRecentCPU()

	// Ten ticks charged to us, reported times 100.
	assert.Equal(t, 1000, after-before)
}

func TestMLFQS_LoadAvgTracksReadyThreads(t *testing.T) {
	k := boot(t, WithMLFQS(true), WithTimerFreq(10))
	done := k.NewSemaphore(0)

	// Two CPU-bound peers; every thread drives ticks while it runs, so all
	// three stay ready or running across the decay boundary.
	burn := func() {
		for k.Ticks() < 10 {
			k.Tick()
		}
		done.Up()
	}
	for i := 0; i < 2; i++ {
		_, err := k.Create("busy", PriDefault, burn)
		require.NoError(t, err)
	}

	assert.Equal(t, 0, k.GetLoadAvg())
	for k.Ticks() < 10 {
		k.Tick()
	}
	done.Down()
	done.Down()

	// One decay step with 3 ready/running threads:
	// 100 * (1/60)*3 = 5.
	assert.Equal(t, 5, k.GetLoadAvg())
}

func TestMLFQS_PrioritySweepDemotesCPUHog(t *testing.T) {
	k := boot(t, WithMLFQS(true), WithTimerFreq(1000))

	// recent_cpu climbs one per running tick, and every TimeSlice ticks the
	// sweep recomputes priorities. No second boundary is crossed, so no
	// decay happens: after 4 ticks priority is 63 - 4/4 = 62, after 40 it
	// has fallen to 63 - 40/4 = 53.
	for i := 0; i < 4; i++ {
		k.Tick()
	}
	early := k.GetPriority()
	assert.Equal(t, 62, early)

	for i := 0; i < 36; i++ {
		k.Tick()
	}
	late := k.GetPriority()
	assert.Equal(t, 53, late)
	assert.Less(t, late, early)
}

// TestMLFQS_NiceConvergence runs two CPU-bound threads, nice 0 and nice 20,
// for two simulated seconds. The nice-0 thread must end at least as high as
// the nice-20 thread, with both clamped to the priority range.
func TestMLFQS_NiceConvergence(t *testing.T) {
	const (
		freq     = 25
		deadline = 2 * freq // two simulated seconds
	)
	k := boot(t, WithMLFQS(true), WithTimerFreq(freq))
	done := k.NewSemaphore(0)

	finalPri := map[string]int{}
	burner := func(name string, nice int) func() {
		return func() {
			k.SetNice(nice)
			for k.Ticks() < deadline {
				k.Tick() // ticks charge the running thread and preempt it
			}
			finalPri[name] = k.GetPriority()
			done.Up()
		}
	}
	_, err := k.Create("nice0", PriDefault, burner("nice0", 0))
	require.NoError(t, err)
	_, err = k.Create("nice20", PriDefault, burner("nice20", 20))
	require.NoError(t, err)

	done.Down()
	done.Down()

	require.Contains(t, finalPri, "nice0")
	require.Contains(t, finalPri, "nice20")
	assert.GreaterOrEqual(t, finalPri["nice0"], finalPri["nice20"])
	for name, pri := range finalPri {
		assert.GreaterOrEqual(t, pri, PriMin, name)
		assert.LessOrEqual(t, pri, PriMax, name)
	}
}

func TestMLFQS_ChildInheritsNiceAndRecentCPU(t *testing.T) {
	k := boot(t, WithMLFQS(true))
	done := k.NewSemaphore(0)

	k.SetNice(5)
	for i := 0; i < 8; i++ {
		k.Tick()
	}
	parentRecent := k.GetRecentCPU()

	var childNice, childRecent int
	_, err := k.Create("child", PriDefault, func() {
		childNice = k.GetNice()
		childRecent = k.GetRecentCPU()
		done.Up()
	})
	require.NoError(t, err)
	done.Down()

	assert.Equal(t, 5, childNice)
	assert.Equal(t, parentRecent, childRecent)
}
