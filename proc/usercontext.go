package proc

import (
	"github.com/joeycumines/go-kernsim/hw"
)

// UserContext is what a simulated program body runs against: its process,
// its stack pointer, and helpers that touch memory exactly the way user
// instructions would, through the page tables with faults resolved on the
// way.
type UserContext struct {
	m *Manager
	p *Process

	// ESP is the simulated user stack pointer. Program bodies move it as
	// they push; faults below it are judged against the stack-growth
	// window.
	ESP hw.Vaddr
}

// Syscall performs a system call: the number and arguments are written as
// 32-bit words onto the user stack below ESP, and the gateway is entered
// with the frame's address, as a trap would.
func (u *UserContext) Syscall(num SyscallNum, args ...uint32) int {
	base := u.ESP - hw.Vaddr(4*(len(args)+1))
	if !u.p.writeWord(base, u.ESP, uint32(num)) {
		u.m.killCurrent()
	}
	for i, a := range args {
		if !u.p.writeWord(base+hw.Vaddr(4*(i+1)), u.ESP, a) {
			u.m.killCurrent()
		}
	}
	return u.m.Syscall(base)
}

// Push writes a word at the decremented stack pointer, growing the stack
// if the fault window allows; it reports false (without moving ESP) when
// the access would kill a real process.
func (u *UserContext) Push(v uint32) bool {
	if !u.p.writeWord(u.ESP-4, u.ESP, v) {
		return false
	}
	u.ESP -= 4
	return true
}

// Poke writes bytes at an arbitrary user address.
func (u *UserContext) Poke(va hw.Vaddr, data []byte) bool {
	return u.p.writeBytes(va, u.ESP, data)
}

// Peek reads n bytes from an arbitrary user address.
func (u *UserContext) Peek(va hw.Vaddr, n uint32) ([]byte, bool) {
	return u.p.readBytes(va, u.ESP, n)
}

// PokeString writes a NUL-terminated string at va.
func (u *UserContext) PokeString(va hw.Vaddr, s string) bool {
	return u.p.writeBytes(va, u.ESP, append([]byte(s), 0))
}

// Process returns the running process.
func (u *UserContext) Process() *Process {
	return u.p
}
