package hw

// pte is a software page-table entry.
type pte struct {
	kpage    *Page
	writable bool
	accessed bool
	dirty    bool
}

// PageDir is a software page directory: the per-process mapping from user
// virtual pages to physical pages, with the MMU-maintained accessed and
// dirty bits. Keys are page-aligned.
//
// A PageDir is accessed only by its owning thread or by the kernel while
// holding that thread parked, matching the MMU's single-CPU semantics; it
// performs no internal locking.
type PageDir struct {
	entries map[Vaddr]*pte
}

// NewPageDir creates an empty page directory.
func NewPageDir() *PageDir {
	return &PageDir{entries: make(map[Vaddr]*pte)}
}

// SetPage maps upage to kpage. upage must be page-aligned and must not
// already be mapped; kpage must be non-nil. Reports success.
func (pd *PageDir) SetPage(upage Vaddr, kpage *Page, writable bool) bool {
	if upage.PageOffset() != 0 {
		panic(`hw: pagedir mapping of unaligned page`)
	}
	if kpage == nil {
		panic(`hw: pagedir mapping to nil frame`)
	}
	if _, ok := pd.entries[upage]; ok {
		return false
	}
	pd.entries[upage] = &pte{kpage: kpage, writable: writable}
	return true
}

// GetPage returns the frame upage maps to, or nil if unmapped.
func (pd *PageDir) GetPage(upage Vaddr) *Page {
	if e, ok := pd.entries[upage.PageRound()]; ok {
		return e.kpage
	}
	return nil
}

// ClearPage removes the mapping for upage, if any.
func (pd *PageDir) ClearPage(upage Vaddr) {
	delete(pd.entries, upage.PageRound())
}

// IsAccessed reports the accessed bit for upage.
func (pd *PageDir) IsAccessed(upage Vaddr) bool {
	if e, ok := pd.entries[upage.PageRound()]; ok {
		return e.accessed
	}
	return false
}

// SetAccessed sets the accessed bit for upage.
func (pd *PageDir) SetAccessed(upage Vaddr, accessed bool) {
	if e, ok := pd.entries[upage.PageRound()]; ok {
		e.accessed = accessed
	}
}

// IsDirty reports the dirty bit for upage.
func (pd *PageDir) IsDirty(upage Vaddr) bool {
	if e, ok := pd.entries[upage.PageRound()]; ok {
		return e.dirty
	}
	return false
}

// SetDirty sets the dirty bit for upage.
func (pd *PageDir) SetDirty(upage Vaddr, dirty bool) {
	if e, ok := pd.entries[upage.PageRound()]; ok {
		e.dirty = dirty
	}
}

// Load reads the byte at va through the page tables, setting the accessed
// bit as the MMU would. Returns false if va is unmapped.
func (pd *PageDir) Load(va Vaddr) (byte, bool) {
	e, ok := pd.entries[va.PageRound()]
	if !ok {
		return 0, false
	}
	e.accessed = true
	return e.kpage[va.PageOffset()], true
}

// Store writes the byte at va through the page tables, setting the accessed
// and dirty bits. Returns false if va is unmapped or read-only.
func (pd *PageDir) Store(va Vaddr, b byte) bool {
	e, ok := pd.entries[va.PageRound()]
	if !ok || !e.writable {
		return false
	}
	e.accessed = true
	e.dirty = true
	e.kpage[va.PageOffset()] = b
	return true
}

// Mapped returns the page-aligned addresses currently mapped. The order is
// unspecified.
func (pd *PageDir) Mapped() []Vaddr {
	out := make([]Vaddr, 0, len(pd.entries))
	for va := range pd.entries {
		out = append(out, va)
	}
	return out
}

// Destroy drops every mapping. The frames themselves are owned by the frame
// table and are not freed here.
func (pd *PageDir) Destroy() {
	pd.entries = nil
}
