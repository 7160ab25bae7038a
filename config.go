package kernsim

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-kernsim/hw"
	"github.com/joeycumines/go-kernsim/sched"
)

// Config is the boot configuration, loadable from a TOML file. The zero
// value is not bootable; start from DefaultConfig.
type Config struct {
	// MLFQS selects the 4.4BSD scheduler instead of round-robin.
	MLFQS bool `toml:"mlfqs"`

	// Aging enables ready-thread priority aging; only valid when MLFQS is
	// off.
	Aging bool `toml:"aging"`

	// TimerFreq is the number of timer ticks per simulated second.
	TimerFreq int `toml:"timer_freq"`

	// UserPages bounds the user frame pool; zero or negative means
	// unbounded (eviction never triggers).
	UserPages int `toml:"user_pages"`

	// SwapSectors sizes the default in-memory swap device.
	SwapSectors uint `toml:"swap_sectors"`
}

// DefaultConfig returns the configuration a bare boot uses: round-robin
// scheduling, a 64-page user pool, and 4 MiB of swap.
func DefaultConfig() Config {
	return Config{
		TimerFreq:   sched.DefaultTimerFreq,
		UserPages:   64,
		SwapSectors: 4 * 1024 * 1024 / hw.SectorSize,
	}
}

// LoadConfig reads a TOML boot configuration, filling unset fields from
// DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("kernsim: load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("kernsim: unknown config key %q", undecoded[0].String())
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MLFQS && c.Aging {
		return errors.New("kernsim: aging requires the round-robin scheduler")
	}
	if c.TimerFreq <= 0 {
		return errors.New("kernsim: timer_freq must be positive")
	}
	if c.SwapSectors == 0 {
		return errors.New("kernsim: swap_sectors must be positive")
	}
	return nil
}
