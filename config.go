package coru

import (
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config carries the runtime tunables. A zero numeric field, a nil
// DetectDeadlock and a nil Logger fall back to their defaults. The plain
// booleans EnableClock and EnableNetpoll are taken as given, so a struct
// literal that leaves EnableNetpoll unset runs without the poller; LoadConfig
// starts from DefaultConfig, so a partial YAML file keeps the default for
// every key it omits.
type Config struct {
	// VPUs is the number of worker threads running scheduler loops.
	VPUs int `yaml:"vpus"`

	// ClockInterval is the watchdog tick period. Only meaningful with
	// EnableClock.
	ClockInterval time.Duration `yaml:"clock_interval"`

	// WatchdogThreshold is the number of ticks a coroutine may stay on a
	// VPU before it is forced to yield at its next runtime safepoint.
	WatchdogThreshold uint32 `yaml:"watchdog_threshold"`

	// EnableClock turns on the tick source. Cooperative scheduling is the
	// primary mode; the watchdog is a safety net.
	EnableClock bool `yaml:"enable_clock"`

	// DetectDeadlock enables the global wait list and the all-VPUs-asleep
	// check. On detection the runtime dumps every parked coroutine and
	// panics.
	DetectDeadlock *bool `yaml:"detect_deadlock"`

	// EnableNetpoll starts the network poller. Disabled automatically on
	// platforms without a driver.
	EnableNetpoll bool `yaml:"enable_netpoll"`

	// VFSWorkers bounds the number of blocking syscalls in flight in the
	// offload pool.
	VFSWorkers int `yaml:"vfs_workers"`

	// Logger receives runtime diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger `yaml:"-"`
}

// DefaultConfig returns the default settings. Their numeric fields and
// DetectDeadlock are also what a zero or nil field falls back to.
func DefaultConfig() Config {
	detect := true
	return Config{
		VPUs:              runtime.NumCPU(),
		ClockInterval:     time.Millisecond,
		WatchdogThreshold: 16,
		EnableClock:       false,
		DetectDeadlock:    &detect,
		EnableNetpoll:     true,
		VFSWorkers:        4,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg.normalized(), nil
}

// UnmarshalYAML decodes durations from their string form ("500us", "2ms"),
// which the yaml decoder cannot map onto time.Duration itself.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type rawConfig struct {
		VPUs              *int    `yaml:"vpus"`
		ClockInterval     string  `yaml:"clock_interval"`
		WatchdogThreshold *uint32 `yaml:"watchdog_threshold"`
		EnableClock       *bool   `yaml:"enable_clock"`
		DetectDeadlock    *bool   `yaml:"detect_deadlock"`
		EnableNetpoll     *bool   `yaml:"enable_netpoll"`
		VFSWorkers        *int    `yaml:"vfs_workers"`
	}
	var raw rawConfig
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if raw.VPUs != nil {
		c.VPUs = *raw.VPUs
	}
	if raw.ClockInterval != "" {
		d, err := time.ParseDuration(raw.ClockInterval)
		if err != nil {
			return err
		}
		c.ClockInterval = d
	}
	if raw.WatchdogThreshold != nil {
		c.WatchdogThreshold = *raw.WatchdogThreshold
	}
	if raw.EnableClock != nil {
		c.EnableClock = *raw.EnableClock
	}
	if raw.DetectDeadlock != nil {
		c.DetectDeadlock = raw.DetectDeadlock
	}
	if raw.EnableNetpoll != nil {
		c.EnableNetpoll = *raw.EnableNetpoll
	}
	if raw.VFSWorkers != nil {
		c.VFSWorkers = *raw.VFSWorkers
	}
	return nil
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.VPUs <= 0 {
		c.VPUs = def.VPUs
	}
	if c.ClockInterval <= 0 {
		c.ClockInterval = def.ClockInterval
	}
	if c.WatchdogThreshold == 0 {
		c.WatchdogThreshold = def.WatchdogThreshold
	}
	if c.DetectDeadlock == nil {
		c.DetectDeadlock = def.DetectDeadlock
	}
	if c.VFSWorkers <= 0 {
		c.VFSWorkers = def.VFSWorkers
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c Config) detectDeadlock() bool {
	return c.DetectDeadlock != nil && *c.DetectDeadlock
}
