package vm

import (
	"io"

	"github.com/joeycumines/go-kernsim/hw"
	"github.com/joeycumines/logiface"
)

// pageState tracks where a user page's contents currently live.
type pageState int

const (
	stateFile    pageState = iota + 1 // lazily loaded from a file
	stateSwap                         // pushed out to a swap slot
	stateZero                         // all zeroes, not yet materialized
	statePresent                      // resident in a frame
)

func (s pageState) String() string {
	switch s {
	case stateFile:
		return "file"
	case stateSwap:
		return "swap"
	case stateZero:
		return "zero"
	case statePresent:
		return "present"
	default:
		return "invalid"
	}
}

// page is one supplemental page table entry.
type page struct {
	upage    hw.Vaddr
	kpage    *hw.Page // non-nil iff statePresent
	writable bool
	state    pageState

	// stateFile parameters; readBytes + zeroBytes == hw.PageSize.
	file      io.ReaderAt
	ofs       int64
	readBytes uint32
	zeroBytes uint32

	// stateSwap parameter.
	swapSlot uint
}

// DefaultStackLimit bounds stack growth below the top of user memory.
const DefaultStackLimit = 8 * 1024 * 1024

// stackGrowthSlack is how far below the stack pointer a fault still counts
// as stack growth (a push writes below the stack pointer).
const stackGrowthSlack = 32

// PageTable is a per-process supplemental page table: metadata for every
// user page across its lifecycle, plus the fault-resolution path. It is
// accessed only by the owning thread (on its own fault or in its own
// syscall context); the frame table reaches in during eviction, serialized
// by the single simulated CPU.
type PageTable struct {
	pd         *hw.PageDir
	frames     *FrameTable
	swap       *SwapTable
	pages      map[hw.Vaddr]*page
	stackLimit uint32
	log        *logiface.Logger[logiface.Event]
}

// NewPageTable returns an empty supplemental page table over pd.
func NewPageTable(pd *hw.PageDir, frames *FrameTable, swap *SwapTable, log *logiface.Logger[logiface.Event]) *PageTable {
	return &PageTable{
		pd:         pd,
		frames:     frames,
		swap:       swap,
		pages:      make(map[hw.Vaddr]*page),
		stackLimit: DefaultStackLimit,
		log:        log,
	}
}

// PageDir returns the hardware page directory this table shadows.
func (pt *PageTable) PageDir() *hw.PageDir {
	return pt.pd
}

// InstallFile registers upage for lazy loading from file: readBytes from
// ofs, the tail zeroed. Fails on an existing entry.
func (pt *PageTable) InstallFile(upage hw.Vaddr, file io.ReaderAt, ofs int64, readBytes, zeroBytes uint32, writable bool) bool {
	if readBytes+zeroBytes != hw.PageSize {
		panic(`vm: file page bytes must sum to a full page`)
	}
	upage = upage.PageRound()
	if _, ok := pt.pages[upage]; ok {
		return false
	}
	pt.pages[upage] = &page{
		upage:     upage,
		writable:  writable,
		state:     stateFile,
		file:      file,
		ofs:       ofs,
		readBytes: readBytes,
		zeroBytes: zeroBytes,
	}
	return true
}

// InstallZero registers upage as an all-zero page, materialized on first
// fault. Fails on an existing entry.
func (pt *PageTable) InstallZero(upage hw.Vaddr, writable bool) bool {
	upage = upage.PageRound()
	if _, ok := pt.pages[upage]; ok {
		return false
	}
	pt.pages[upage] = &page{upage: upage, writable: writable, state: stateZero}
	return true
}

// InstallSwap transitions an existing entry (typically present, during
// eviction) to the swap state, remembering the slot holding its image.
func (pt *PageTable) InstallSwap(upage hw.Vaddr, slot uint) bool {
	return pt.installSwap(upage, slot)
}

func (pt *PageTable) installSwap(upage hw.Vaddr, slot uint) bool {
	p, ok := pt.pages[upage.PageRound()]
	if !ok {
		return false
	}
	p.kpage = nil
	p.state = stateSwap
	p.swapSlot = slot
	return true
}

// SetPage installs a present mapping from upage to kpage, updating the
// entry left by lazy loading or swap-in, or inserting a fresh one. The
// hardware mapping must not already exist; reports success.
func (pt *PageTable) SetPage(upage hw.Vaddr, kpage *hw.Page, writable bool) bool {
	upage = upage.PageRound()
	p, ok := pt.pages[upage]
	if !ok {
		p = &page{upage: upage}
		pt.pages[upage] = p
	}
	p.kpage = kpage
	p.writable = writable
	p.state = statePresent

	if !pt.pd.SetPage(upage, kpage, writable) {
		return false
	}
	pt.pd.SetDirty(upage, false)
	return true
}

// Pin protects the frame backing upage from eviction for the duration of a
// buffer transfer. The page must be present; fault it in first.
func (pt *PageTable) Pin(upage hw.Vaddr) {
	p, ok := pt.pages[upage.PageRound()]
	if !ok || p.state != statePresent {
		panic(`vm: pin of non-present page`)
	}
	pt.frames.Pin(p.kpage)
}

// Unpin releases a Pin.
func (pt *PageTable) Unpin(upage hw.Vaddr) {
	p, ok := pt.pages[upage.PageRound()]
	if !ok || p.state != statePresent {
		panic(`vm: unpin of non-present page`)
	}
	pt.frames.Unpin(p.kpage)
}

// Exists reports whether upage has a supplemental entry.
func (pt *PageTable) Exists(upage hw.Vaddr) bool {
	_, ok := pt.pages[upage.PageRound()]
	return ok
}

// LoadPage resolves a fault on upage: locate the entry, obtain a frame,
// fetch the contents by state, and install the mapping. Returns false for
// a genuine fault (no entry) or a fetch failure.
func (pt *PageTable) LoadPage(upage hw.Vaddr) bool {
	upage = upage.PageRound()
	p, ok := pt.pages[upage]
	if !ok {
		return false
	}

	// The frame comes back pinned, so the clock cannot steal it while the
	// contents are fetched without the frame lock held.
	kpage := pt.frames.GetFrame(pt, upage)

	ok = false
	switch p.state {
	case stateFile:
		ok = pt.fetchFile(p, kpage)
	case stateSwap:
		ok = pt.swap.SwapIn(p.swapSlot, kpage)
	case stateZero:
		*kpage = hw.Page{}
		ok = true
	case statePresent:
		// A fault on a present page means the mapping and the entry
		// disagree; treat as unresolvable.
	}
	if !ok {
		pt.frames.FreeFrame(kpage)
		return false
	}

	if !pt.SetPage(upage, kpage, p.writable) {
		pt.frames.FreeFrame(kpage)
		return false
	}
	pt.frames.Unpin(kpage)

	if b := pt.log.Build(logiface.LevelDebug); b != nil {
		b.Uint64("upage", uint64(upage)).Str("from", p.state.String()).Log("page loaded")
	}
	return true
}

// fetchFile reads a file-backed page into kpage, zeroing the tail.
func (pt *PageTable) fetchFile(p *page, kpage *hw.Page) bool {
	*kpage = hw.Page{}
	n, err := p.file.ReadAt(kpage[:p.readBytes], p.ofs)
	return err == nil && uint32(n) == p.readBytes
}

// HandleFault is the user-side fault entry point: resolve through the
// supplemental table, or grow the stack when the fault lies in the growth
// window (at or above esp-32, within the stack limit below the top of user
// memory). Returns false if the fault is genuine.
func (pt *PageTable) HandleFault(faultAddr, esp hw.Vaddr) bool {
	if !faultAddr.IsUser() {
		return false
	}
	if pt.Exists(faultAddr) {
		return pt.LoadPage(faultAddr)
	}
	if pt.inStackWindow(faultAddr, esp) {
		if !pt.InstallZero(faultAddr, true) {
			return false
		}
		return pt.LoadPage(faultAddr)
	}
	return false
}

func (pt *PageTable) inStackWindow(faultAddr, esp hw.Vaddr) bool {
	if faultAddr+stackGrowthSlack < esp {
		return false
	}
	return faultAddr >= hw.UserStackTop-hw.Vaddr(pt.stackLimit)
}

// Destroy tears the table down at process exit: present pages give their
// frames back, swapped pages give their slots back, and the hardware
// directory is dropped. File handles are owned by the process layer and
// closed there.
func (pt *PageTable) Destroy() {
	for _, p := range pt.pages {
		switch p.state {
		case statePresent:
			pt.frames.FreeFrame(p.kpage)
			pt.pd.ClearPage(p.upage)
		case stateSwap:
			pt.swap.FreeSlot(p.swapSlot)
		}
	}
	pt.pages = nil
	pt.pd.Destroy()
}
