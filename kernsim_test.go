package kernsim

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/joeycumines/go-kernsim/proc"
	"github.com/joeycumines/go-kernsim/sched"
	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Boots(t *testing.T) {
	m, err := Boot(DefaultConfig())
	require.NoError(t, err)

	require.True(t, m.FS.CreateFrom("hello", []byte("image")))
	m.Procs.RegisterProgram("hello", func(u *proc.UserContext) int {
		return int(int32(u.Syscall(proc.SysMaxOfFourInt, 4, 8, 15, 16)))
	})

	tid := m.Procs.Execute("hello")
	require.NotEqual(t, sched.TIDError, tid)
	assert.Equal(t, 16, m.Procs.Wait(tid))
}

func TestBoot_ConsoleWiring(t *testing.T) {
	var out bytes.Buffer
	m, err := Boot(DefaultConfig(), WithStdin(strings.NewReader("ping")), WithStdout(&out))
	require.NoError(t, err)

	require.True(t, m.FS.CreateFrom("echo", []byte("image")))
	m.Procs.RegisterProgram("echo", func(u *proc.UserContext) int {
		buf := u.ESP - 64
		n := u.Syscall(proc.SysRead, 0, uint32(buf), 4)
		u.Syscall(proc.SysWrite, 1, uint32(buf), uint32(n))
		return 0
	})

	tid := m.Procs.Execute("echo")
	require.NotEqual(t, sched.TIDError, tid)
	require.Equal(t, 0, m.Procs.Wait(tid))
	assert.Equal(t, "ping", out.String())
}

func TestBoot_StructuredLogging(t *testing.T) {
	var logs bytes.Buffer
	m, err := Boot(DefaultConfig(), WithLogger(NewLogger(&logs, logiface.LevelInformational)))
	require.NoError(t, err)

	require.True(t, m.FS.CreateFrom("quiet", []byte("image")))
	tid := m.Procs.Execute("quiet") // no body: loads and exits 0
	require.NotEqual(t, sched.TIDError, tid)
	require.Equal(t, 0, m.Procs.Wait(tid))

	assert.Contains(t, logs.String(), "scheduler started")
	assert.Contains(t, logs.String(), "process exit")
}

func TestBoot_RejectsInvalidConfig(t *testing.T) {
	_, err := Boot(Config{MLFQS: true, Aging: true, TimerFreq: 100, SwapSectors: 8})
	assert.Error(t, err)

	_, err = Boot(Config{TimerFreq: 0, SwapSectors: 8})
	assert.Error(t, err)

	_, err = Boot(Config{TimerFreq: 100, SwapSectors: 0})
	assert.Error(t, err)

	_, err = Boot(Config{TimerFreq: 100, SwapSectors: 1})
	assert.Error(t, err, "swap smaller than one page")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.toml")
	require.NoError(t, os.WriteFile(path, []byte(
		"mlfqs = true\ntimer_freq = 50\nuser_pages = 16\n",
	), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	want := DefaultConfig()
	want.MLFQS = true
	want.TimerFreq = 50
	want.UserPages = 16
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_UnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.toml")
	require.NoError(t, os.WriteFile(path, []byte("mlfq = true\n"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
