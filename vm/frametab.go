package vm

import (
	"sync"

	"github.com/joeycumines/go-kernsim/hw"
	"github.com/joeycumines/logiface"
	"golang.org/x/exp/slices"
)

// frame records one allocated physical page: which process maps it, at
// which user page, and whether it is pinned against eviction.
type frame struct {
	owner  *PageTable
	upage  hw.Vaddr
	kpage  *hw.Page
	pinned bool
}

// FrameTable is the global registry of user-pool physical frames. Frames
// are kept in allocation order for the clock replacement algorithm. A
// single lock serializes all operations, eviction included.
type FrameTable struct {
	mu     sync.Mutex
	pool   *hw.PagePool
	swap   *SwapTable
	frames []*frame
	hand   int // clock cursor
	log    *logiface.Logger[logiface.Event]
}

// NewFrameTable returns a frame table drawing from pool and evicting
// through swap.
func NewFrameTable(pool *hw.PagePool, swap *SwapTable, log *logiface.Logger[logiface.Event]) *FrameTable {
	return &FrameTable{pool: pool, swap: swap, log: log}
}

// Size returns the number of frames currently allocated.
func (f *FrameTable) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

// GetFrame obtains a user-pool page to back owner's mapping of upage,
// evicting a victim if the pool is exhausted. The returned frame is
// pinned: the caller fills it (possibly blocking on file reads, with the
// frame lock long released) and unpins it once the mapping is installed.
func (f *FrameTable) GetFrame(owner *PageTable, upage hw.Vaddr) *hw.Page {
	f.mu.Lock()
	defer f.mu.Unlock()

	kpage := f.pool.GetPage(hw.AllocUser | hw.AllocZero)
	if kpage == nil {
		kpage = f.evict()
	}
	f.frames = append(f.frames, &frame{owner: owner, upage: upage, kpage: kpage, pinned: true})
	return kpage
}

// FreeFrame releases the frame backing kpage, returning the page to the
// pool.
func (f *FrameTable) FreeFrame(kpage *hw.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.index(kpage)
	if i < 0 {
		panic(`vm: free of unknown frame`)
	}
	f.remove(i)
	f.pool.FreePage(kpage, true)
}

// Pin marks the frame backing kpage ineligible for eviction, protecting
// buffers a system call is actively transferring into.
func (f *FrameTable) Pin(kpage *hw.Page) {
	f.setPinned(kpage, true)
}

// Unpin clears the pin on the frame backing kpage.
func (f *FrameTable) Unpin(kpage *hw.Page) {
	f.setPinned(kpage, false)
}

func (f *FrameTable) setPinned(kpage *hw.Page, pinned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.index(kpage)
	if i < 0 {
		panic(`vm: pin of unknown frame`)
	}
	f.frames[i].pinned = pinned
}

// evict selects a victim by the second-chance clock algorithm, pushes it
// out to swap, and returns its page for reuse. Called with the frame lock
// held. If two full sweeps find every frame pinned or re-accessed, the
// machine is out of frames.
func (f *FrameTable) evict() *hw.Page {
	var victim *frame
	for i := 0; i < 2*len(f.frames); i++ {
		cand := f.frames[f.hand]
		f.hand = (f.hand + 1) % len(f.frames)
		if cand.pinned {
			continue
		}
		if !cand.owner.pd.IsAccessed(cand.upage) {
			victim = cand
			break
		}
		cand.owner.pd.SetAccessed(cand.upage, false)
	}
	if victim == nil {
		panic(`vm: out of frames, every candidate pinned or accessed`)
	}

	slot := f.swap.SwapOut(victim.kpage)
	if !victim.owner.installSwap(victim.upage, slot) {
		panic(`vm: eviction victim has no supplemental entry`)
	}
	victim.owner.pd.ClearPage(victim.upage)

	if b := f.log.Build(logiface.LevelDebug); b != nil {
		b.Uint64("upage", uint64(victim.upage)).Uint64("slot", uint64(slot)).Log("frame evicted")
	}

	i := f.index(victim.kpage)
	f.remove(i)
	return victim.kpage
}

// index finds the frame backing kpage, -1 if absent. At most one frame
// exists per kpage.
func (f *FrameTable) index(kpage *hw.Page) int {
	return slices.IndexFunc(f.frames, func(fr *frame) bool {
		return fr.kpage == kpage
	})
}

// remove unlinks the frame at i, keeping the clock hand on the same
// logical successor.
func (f *FrameTable) remove(i int) {
	f.frames = slices.Delete(f.frames, i, i+1)
	if f.hand > i {
		f.hand--
	}
	if len(f.frames) == 0 {
		f.hand = 0
	} else {
		f.hand %= len(f.frames)
	}
}
