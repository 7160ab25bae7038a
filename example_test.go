package kernsim_test

import (
	"fmt"
	"os"

	kernsim "github.com/joeycumines/go-kernsim"
	"github.com/joeycumines/go-kernsim/proc"
)

// Example boots a machine, runs a program that writes to the console, and
// reaps its exit status.
func Example() {
	m, err := kernsim.Boot(kernsim.DefaultConfig(), kernsim.WithStdout(os.Stdout))
	if err != nil {
		panic(err)
	}

	m.FS.CreateFrom("greeter", []byte("program image"))
	m.Procs.RegisterProgram("greeter", func(u *proc.UserContext) int {
		buf := u.ESP - 64
		u.PokeString(buf, "hello from user space\n")
		u.Syscall(proc.SysWrite, 1, uint32(buf), 22)
		return 3
	})

	tid := m.Procs.Execute("greeter")
	fmt.Println("exit status:", m.Procs.Wait(tid))

	// Output:
	// hello from user space
	// exit status: 3
}
