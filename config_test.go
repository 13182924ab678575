package coru_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coru-dev/coru"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coru.yaml")
	raw := []byte(`
vpus: 3
clock_interval: 2ms
watchdog_threshold: 8
enable_clock: true
vfs_workers: 2
`)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := coru.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.VPUs)
	assert.Equal(t, 2*time.Millisecond, cfg.ClockInterval)
	assert.EqualValues(t, 8, cfg.WatchdogThreshold)
	assert.True(t, cfg.EnableClock)
	assert.Equal(t, 2, cfg.VFSWorkers)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := coru.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := coru.DefaultConfig()
	assert.Greater(t, cfg.VPUs, 0)
	assert.Greater(t, cfg.VFSWorkers, 0)
	assert.NotZero(t, cfg.WatchdogThreshold)

	// A zero-value config is usable: Run fills in the defaults.
	code := coru.Run(coru.Config{}, func(main *coru.Task, _ any) {
		main.Exit(0)
	}, nil)
	assert.Equal(t, 0, code)
}
