// Package vm implements the demand-paging subsystem: a swap table over a
// block device, a global frame table with second-chance (clock) eviction
// and pinning, and the per-process supplemental page table that resolves
// page faults from file, swap, or zero sources.
package vm

import (
	"fmt"

	"github.com/joeycumines/go-kernsim/bitmap"
	"github.com/joeycumines/go-kernsim/hw"
	"github.com/joeycumines/logiface"
)

// sectorsPerSlot is the number of contiguous device sectors per swap slot.
const sectorsPerSlot = hw.PageSize / hw.SectorSize

// SwapTable manages page-sized slots on a swap block device. A bitmap
// tracks slot occupancy: a set bit means the slot is free.
//
// The bitmap is single-writer; callers serialize externally. During
// eviction that is the frame lock; a process freeing its own slots runs
// single-threaded.
type SwapTable struct {
	dev   hw.BlockDevice
	slots *bitmap.Bitmap
	log   *logiface.Logger[logiface.Event]
}

// NewSwapTable claims dev as the swap device. Any previous contents are
// considered reclaimed: all slots start free.
func NewSwapTable(dev hw.BlockDevice, log *logiface.Logger[logiface.Event]) *SwapTable {
	s := &SwapTable{
		dev:   dev,
		slots: bitmap.New(dev.Size() / sectorsPerSlot),
		log:   log,
	}
	s.slots.SetAll(true)
	return s
}

// SlotCount returns the number of swap slots on the device.
func (s *SwapTable) SlotCount() uint {
	return s.slots.Size()
}

// FreeSlots returns the number of unoccupied slots.
func (s *SwapTable) FreeSlots() uint {
	return s.slots.CountAll()
}

// InUse reports whether slot holds a live page image.
func (s *SwapTable) InUse(slot uint) bool {
	return slot < s.slots.Size() && !s.slots.Test(slot)
}

// SwapOut writes kpage to a free slot and returns the slot index. Running
// out of swap is not recoverable.
func (s *SwapTable) SwapOut(kpage *hw.Page) uint {
	slot := s.slots.ScanAndFlip(0, 1, true)
	if slot == bitmap.NotFound {
		panic(`vm: out of swap slots`)
	}
	for i := uint(0); i < sectorsPerSlot; i++ {
		if err := s.dev.WriteSector(slot*sectorsPerSlot+i, kpage[i*hw.SectorSize:(i+1)*hw.SectorSize]); err != nil {
			panic(fmt.Sprintf("vm: swap device write failed: %v", err))
		}
	}

	if b := s.log.Build(logiface.LevelDebug); b != nil {
		b.Uint64("slot", uint64(slot)).Log("swapped out")
	}
	return slot
}

// SwapIn reads the page image in slot into kpage and frees the slot.
// It reports false if slot is out of range or not in use.
func (s *SwapTable) SwapIn(slot uint, kpage *hw.Page) bool {
	if slot >= s.slots.Size() || s.slots.Test(slot) {
		return false
	}
	for i := uint(0); i < sectorsPerSlot; i++ {
		if err := s.dev.ReadSector(slot*sectorsPerSlot+i, kpage[i*hw.SectorSize:(i+1)*hw.SectorSize]); err != nil {
			panic(fmt.Sprintf("vm: swap device read failed: %v", err))
		}
	}
	s.slots.Set(slot, true)

	if b := s.log.Build(logiface.LevelDebug); b != nil {
		b.Uint64("slot", uint64(slot)).Log("swapped in")
	}
	return true
}

// FreeSlot releases slot without reading it, e.g. when the owning process
// exits with pages still swapped out.
func (s *SwapTable) FreeSlot(slot uint) {
	if slot >= s.slots.Size() {
		panic(`vm: swap slot out of range`)
	}
	s.slots.Set(slot, true)
}
