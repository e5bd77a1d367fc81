// Package config loads engine settings from defaults, an optional YAML file
// and WASMHOST_ environment variables, in that order of precedence.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("wasmhost.yaml").
//	    Load()
//	if err != nil {
//	    return err
//	}
//	b, err := core.NewEngineBuilder[State](ctx, cfg.EngineConfig())
package config

import (
	"time"

	"github.com/wippyai/wasm-host/core"
	"github.com/wippyai/wasm-host/epoch"
	"github.com/wippyai/wasm-host/pool"
)

// Config is the file and environment representation of engine settings.
type Config struct {
	// Pool sizes the pooling allocator. Its knobs are overridden by
	// WASMHOST_INSTANCE_COUNT and friends.
	Pool pool.Config `yaml:"pool" env:"-"`

	// Pooling selects the pooling allocator; false selects on-demand.
	Pooling bool `yaml:"pooling" env:"POOLING"`

	// EpochTicker spawns the background epoch ticker.
	EpochTicker bool `yaml:"epoch_ticker" env:"EPOCH_TICKER"`

	// EpochTickInterval is the ticker period, e.g. "10ms".
	EpochTickInterval time.Duration `yaml:"epoch_tick_interval" env:"EPOCH_TICK_INTERVAL"`

	// CacheDir enables the on-disk compilation cache.
	CacheDir string `yaml:"cache_dir" env:"CACHE_DIR"`

	// MemoryLimitPages caps every linear memory, in 64 KiB pages.
	MemoryLimitPages uint32 `yaml:"memory_limit_pages" env:"MEMORY_LIMIT_PAGES"`

	// MaxMemorySize is the default per-store memory ceiling in bytes.
	// 0 means unlimited.
	MaxMemorySize uint64 `yaml:"max_memory_size" env:"MAX_MEMORY_SIZE"`

	// AllowedOutboundHosts lists scheme://host:port patterns guests may
	// reach through capability modules.
	AllowedOutboundHosts []string `yaml:"allowed_outbound_hosts" env:"ALLOWED_OUTBOUND_HOSTS"`

	// Variables are static values served by the variables capability.
	Variables map[string]string `yaml:"variables" env:"-"`

	// Log configures the command line logger.
	Log LogConfig `yaml:"log" env:"LOG"`
}

// LogConfig selects the zap logger built by commands.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console. Empty picks console on a terminal.
	Format string `yaml:"format" env:"FORMAT"`
}

// DefaultConfig mirrors core.DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		Pool:              pool.DefaultConfig(),
		Pooling:           true,
		EpochTicker:       true,
		EpochTickInterval: epoch.DefaultTickInterval,
		Log:               LogConfig{Level: "info"},
	}
}

// EngineConfig converts c into engine construction settings. Environment
// overrides were already applied by the loader, so the result does not
// consult the environment again.
func (c *Config) EngineConfig() *core.Config {
	ec := core.DefaultConfig()
	ec.Pool = c.Pool
	ec.Pooling = c.Pooling
	ec.EpochTicker = c.EpochTicker
	ec.EpochTickInterval = c.EpochTickInterval
	ec.CacheDir = c.CacheDir
	ec.MemoryLimitPages = c.MemoryLimitPages
	ec.LookupEnv = core.NoEnv
	return ec
}
