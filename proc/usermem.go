package proc

import (
	"github.com/joeycumines/go-kernsim/hw"
)

// User-memory access for the gateway. Every access goes byte-by-byte
// through the process's page tables, distinguishing a fault from a value
// with a -1 marker; faults on lazily mapped or stack-growth addresses are
// resolved through the supplemental page table first.

// maxUserString bounds string arguments read from user memory.
const maxUserString = 1024

// getUser reads the byte at va, resolving lazy faults against esp's growth
// window. Returns -1 on an unmapped or kernel address.
func (p *Process) getUser(va, esp hw.Vaddr) int {
	if !va.IsUser() {
		return -1
	}
	if b, ok := p.pd.Load(va); ok {
		return int(b)
	}
	if !p.pt.HandleFault(va, esp) {
		return -1
	}
	b, ok := p.pd.Load(va)
	if !ok {
		return -1
	}
	return int(b)
}

// putUser writes the byte at va, resolving lazy faults as getUser does.
// Reports false on an unmapped, read-only, or kernel address.
func (p *Process) putUser(va, esp hw.Vaddr, b byte) bool {
	if !va.IsUser() {
		return false
	}
	if p.pd.Store(va, b) {
		return true
	}
	if !p.pt.HandleFault(va, esp) {
		return false
	}
	return p.pd.Store(va, b)
}

// readWord reads a 32-bit little-endian word from user memory.
func (p *Process) readWord(va, esp hw.Vaddr) (uint32, bool) {
	var w uint32
	for i := hw.Vaddr(0); i < 4; i++ {
		v := p.getUser(va+i, esp)
		if v < 0 {
			return 0, false
		}
		w |= uint32(v) << (8 * i)
	}
	return w, true
}

// writeWord writes a 32-bit little-endian word to user memory.
func (p *Process) writeWord(va, esp hw.Vaddr, w uint32) bool {
	for i := hw.Vaddr(0); i < 4; i++ {
		if !p.putUser(va+i, esp, byte(w>>(8*i))) {
			return false
		}
	}
	return true
}

// readString reads a NUL-terminated string of at most maxUserString bytes.
func (p *Process) readString(va, esp hw.Vaddr) (string, bool) {
	buf := make([]byte, 0, 64)
	for i := hw.Vaddr(0); i < maxUserString; i++ {
		v := p.getUser(va+i, esp)
		if v < 0 {
			return "", false
		}
		if v == 0 {
			return string(buf), true
		}
		buf = append(buf, byte(v))
	}
	return "", false
}

// readBytes copies n bytes out of user memory.
func (p *Process) readBytes(va, esp hw.Vaddr, n uint32) ([]byte, bool) {
	buf := make([]byte, n)
	for i := range buf {
		v := p.getUser(va+hw.Vaddr(i), esp)
		if v < 0 {
			return nil, false
		}
		buf[i] = byte(v)
	}
	return buf, true
}

// writeBytes copies data into user memory.
func (p *Process) writeBytes(va, esp hw.Vaddr, data []byte) bool {
	for i, b := range data {
		if !p.putUser(va+hw.Vaddr(i), esp, b) {
			return false
		}
	}
	return true
}

// pinRange faults in and pins every page of [va, va+n), so a buffer
// transfer cannot lose its frames to eviction while the file-system lock
// is held. Reports false if any page cannot be materialized; pages pinned
// so far are released.
func (p *Process) pinRange(va, esp hw.Vaddr, n uint32) bool {
	if n == 0 {
		return true
	}
	first := va.PageRound()
	last := (va + hw.Vaddr(n) - 1).PageRound()
	for pg := first; ; pg += hw.PageSize {
		if p.getUser(pg, esp) < 0 {
			for q := first; q != pg; q += hw.PageSize {
				p.pt.Unpin(q)
			}
			return false
		}
		p.pt.Pin(pg)
		if pg == last {
			return true
		}
	}
}

// unpinRange releases pinRange.
func (p *Process) unpinRange(va hw.Vaddr, n uint32) {
	if n == 0 {
		return
	}
	first := va.PageRound()
	last := (va + hw.Vaddr(n) - 1).PageRound()
	for pg := first; ; pg += hw.PageSize {
		p.pt.Unpin(pg)
		if pg == last {
			return
		}
	}
}
