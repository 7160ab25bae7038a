// Package kernsim boots a whole simulated machine: the thread scheduler,
// the paging subsystem over an in-memory swap device, the in-memory file
// system, and the process layer, wired together from one boot
// configuration.
//
// Boot, like a kernel entry point, transforms the calling goroutine into
// the machine's initial thread; everything else runs on threads created
// through the returned machine.
package kernsim

import (
	"errors"
	"io"

	"github.com/joeycumines/go-kernsim/fsys"
	"github.com/joeycumines/go-kernsim/hw"
	"github.com/joeycumines/go-kernsim/proc"
	"github.com/joeycumines/go-kernsim/sched"
	"github.com/joeycumines/go-kernsim/vm"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Machine is one booted simulated machine.
type Machine struct {
	Kernel *sched.Kernel
	FS     *fsys.FileSystem
	Pool   *hw.PagePool
	Swap   *vm.SwapTable
	Frames *vm.FrameTable
	Procs  *proc.Manager
}

// Option configures Boot beyond what the Config file carries.
type Option interface {
	apply(*bootOptions)
}

type bootOptions struct {
	log    *logiface.Logger[logiface.Event]
	stdin  io.Reader
	stdout io.Writer
	swap   hw.BlockDevice
}

type optionImpl struct {
	fn func(*bootOptions)
}

func (o *optionImpl) apply(opts *bootOptions) { o.fn(opts) }

// WithLogger attaches a structured logger to every subsystem.
func WithLogger(log *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *bootOptions) { opts.log = log }}
}

// WithStdin sets the console input behind descriptor 0.
func WithStdin(r io.Reader) Option {
	return &optionImpl{func(opts *bootOptions) { opts.stdin = r }}
}

// WithStdout sets the console output behind descriptor 1.
func WithStdout(w io.Writer) Option {
	return &optionImpl{func(opts *bootOptions) { opts.stdout = w }}
}

// WithSwapDevice substitutes the block device claimed for swap; by default
// an in-memory disk of Config.SwapSectors sectors is created.
func WithSwapDevice(dev hw.BlockDevice) Option {
	return &optionImpl{func(opts *bootOptions) { opts.swap = dev }}
}

// NewLogger builds the default structured logger: stumpy JSON lines on w.
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return logiface.New(
		stumpy.WithStumpy(stumpy.WithWriter(w)),
		logiface.WithLevel[*stumpy.Event](level),
	).Logger()
}

// Boot assembles and starts a machine from cfg. The calling goroutine
// becomes the initial kernel thread.
func Boot(cfg Config, opts ...Option) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var bo bootOptions
	for _, o := range opts {
		if o != nil {
			o.apply(&bo)
		}
	}

	k, err := sched.New(
		sched.WithMLFQS(cfg.MLFQS),
		sched.WithAging(cfg.Aging),
		sched.WithTimerFreq(cfg.TimerFreq),
		sched.WithLogger(bo.log),
	)
	if err != nil {
		return nil, err
	}

	swapDev := bo.swap
	if swapDev == nil {
		swapDev = hw.NewMemDisk(cfg.SwapSectors)
	}
	if swapDev.Size() < hw.PageSize/hw.SectorSize {
		return nil, errors.New("kernsim: swap device smaller than one page")
	}

	m := &Machine{
		Kernel: k,
		FS:     fsys.New(),
		Pool:   hw.NewPagePool(cfg.UserPages),
		Swap:   vm.NewSwapTable(swapDev, bo.log),
	}
	m.Frames = vm.NewFrameTable(m.Pool, m.Swap, bo.log)

	k.Start()

	m.Procs = proc.NewManager(k, m.FS, m.Frames, m.Swap,
		proc.WithStdin(bo.stdin),
		proc.WithStdout(bo.stdout),
		proc.WithLogger(bo.log),
	)
	return m, nil
}
