package proc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/joeycumines/go-kernsim/hw"
	"github.com/joeycumines/go-kernsim/sched"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run seeds prog under a fixed name, executes it, and returns its exit
// status.
func run(t *testing.T, mc *machine, prog Program) int {
	t.Helper()
	name := "prog-" + t.Name()
	mc.seed(t, name, []byte("image"), prog)
	tid := mc.m.Execute(name)
	require.NotEqual(t, sched.TIDError, tid)
	return mc.m.Wait(tid)
}

func TestSyscall_FileLifecycle(t *testing.T) {
	mc := bootMachine(t, 64)

	status := run(t, mc, func(u *UserContext) int {
		nameAddr := u.ESP - 64
		if !u.PokeString(nameAddr, "notes.txt") {
			return 10
		}

		if u.Syscall(SysCreate, uint32(nameAddr), 16) != 1 {
			return 11
		}
		if u.Syscall(SysCreate, uint32(nameAddr), 16) != 0 {
			return 12 // duplicate create fails
		}

		fd := u.Syscall(SysOpen, uint32(nameAddr))
		if fd < fdFirst {
			return 13
		}
		if u.Syscall(SysFilesize, uint32(fd)) != 16 {
			return 14
		}

		// Write from a buffer on the stack.
		bufAddr := u.ESP - 128
		if !u.Poke(bufAddr, []byte("hello kernel")) {
			return 15
		}
		if u.Syscall(SysWrite, uint32(fd), uint32(bufAddr), 12) != 12 {
			return 16
		}
		if u.Syscall(SysTell, uint32(fd)) != 12 {
			return 17
		}
		u.Syscall(SysSeek, uint32(fd), 6)
		if u.Syscall(SysTell, uint32(fd)) != 6 {
			return 18
		}

		// Read back through a second stack buffer.
		outAddr := u.ESP - 256
		if u.Syscall(SysRead, uint32(fd), uint32(outAddr), 6) != 6 {
			return 19
		}
		got, ok := u.Peek(outAddr, 6)
		if !ok || string(got) != "kernel" {
			return 20
		}

		u.Syscall(SysClose, uint32(fd))
		if u.Syscall(SysRemove, uint32(nameAddr)) != 1 {
			return 21
		}
		if u.Syscall(SysOpen, uint32(nameAddr)) != -1 {
			return 22
		}
		return 0
	})
	assert.Equal(t, 0, status)
}

func TestSyscall_ConsoleReadWrite(t *testing.T) {
	var out bytes.Buffer
	mc := bootMachine(t, 64, WithStdin(strings.NewReader("input!")), WithStdout(&out))

	status := run(t, mc, func(u *UserContext) int {
		bufAddr := u.ESP - 64
		n := u.Syscall(SysRead, 0, uint32(bufAddr), 6)
		if n != 6 {
			return 1
		}
		if u.Syscall(SysWrite, 1, uint32(bufAddr), uint32(n)) != 6 {
			return 2
		}
		// Console descriptors reject the opposite direction.
		if u.Syscall(SysRead, 1, uint32(bufAddr), 1) != -1 {
			return 3
		}
		if u.Syscall(SysWrite, 0, uint32(bufAddr), 1) != -1 {
			return 4
		}
		return 0
	})
	assert.Equal(t, 0, status)
	assert.Equal(t, "input!", out.String())
}

func TestSyscall_BadFileDescriptors(t *testing.T) {
	mc := bootMachine(t, 64)

	status := run(t, mc, func(u *UserContext) int {
		bufAddr := u.ESP - 64
		if u.Syscall(SysFilesize, 99) != -1 {
			return 1
		}
		if u.Syscall(SysRead, 99, uint32(bufAddr), 1) != -1 {
			return 2
		}
		if u.Syscall(SysWrite, 99, uint32(bufAddr), 1) != -1 {
			return 3
		}
		if u.Syscall(SysTell, 99) != -1 {
			return 4
		}
		u.Syscall(SysClose, 99) // harmless
		return 0
	})
	assert.Equal(t, 0, status)
}

func TestSyscall_InvalidPointerKills(t *testing.T) {
	mc := bootMachine(t, 64)

	status := run(t, mc, func(u *UserContext) int {
		// A kernel address as a string argument: the byte probe reports a
		// fault and the process dies with -1 before this returns.
		u.Syscall(SysExec, uint32(hw.PhysBase))
		return 99
	})
	assert.Equal(t, -1, status)
}

func TestSyscall_UnmappedBufferKills(t *testing.T) {
	mc := bootMachine(t, 64)

	status := run(t, mc, func(u *UserContext) int {
		// Far below any stack-growth window, far outside the image.
		u.Syscall(SysWrite, 1, uint32(hw.Vaddr(0x40000000)), 8)
		return 99
	})
	assert.Equal(t, -1, status)
}

func TestSyscall_UnknownNumberKills(t *testing.T) {
	mc := bootMachine(t, 64)

	status := run(t, mc, func(u *UserContext) int {
		u.Syscall(SyscallNum(1000))
		return 99
	})
	assert.Equal(t, -1, status)
}

func TestSyscall_Fibonacci(t *testing.T) {
	mc := bootMachine(t, 64)

	var got [5]int
	status := run(t, mc, func(u *UserContext) int {
		for i, n := range []uint32{0, 1, 2, 10, 20} {
			got[i] = u.Syscall(SysFibonacci, n)
		}
		return 0
	})
	require.Equal(t, 0, status)
	assert.Equal(t, [5]int{0, 1, 1, 55, 6765}, got)
}

func TestSyscall_MaxOfFourInt(t *testing.T) {
	mc := bootMachine(t, 64)

	var a, b int
	status := run(t, mc, func(u *UserContext) int {
		a = u.Syscall(SysMaxOfFourInt, 1, 9, 3, 7)
		b = u.Syscall(SysMaxOfFourInt, uint32(0xffffffff), uint32(0xfffffffe), 0, uint32(0xffffff9c))
		return 0
	})
	require.Equal(t, 0, status)
	assert.Equal(t, 9, a)
	assert.Equal(t, 0, b, "signed comparison: max(-1, -2, 0, -100) = 0")
}

func TestSyscall_ExitStatusPropagates(t *testing.T) {
	mc := bootMachine(t, 64)

	status := run(t, mc, func(u *UserContext) int {
		u.Syscall(SysExit, uint32(0xffffffd6)) // -42 as int32
		return 99
	})
	assert.Equal(t, -42, status)
}

func TestGateway_RejectsKernelThreads(t *testing.T) {
	mc := bootMachine(t, 64)
	assert.Panics(t, func() { mc.m.Syscall(hw.UserStackTop - 64) })
}
