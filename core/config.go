package core

import (
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/wippyai/wasm-host/epoch"
	"github.com/wippyai/wasm-host/metrics"
	"github.com/wippyai/wasm-host/pool"
)

// maxMemoryLimitPages is the 4 GiB ceiling of a 32-bit linear memory.
const maxMemoryLimitPages = 65536

// Config holds engine construction settings.
type Config struct {
	// Pool sizes the pooling allocator. Environment overrides are applied
	// on top when the builder is created.
	Pool pool.Config

	// LookupEnv reads pool overrides. nil means os.LookupEnv.
	LookupEnv func(string) (string, bool)

	// Metrics receives engine activity. nil disables metrics.
	Metrics *metrics.Collector

	// Tracer opens spans around template creation, instantiation and
	// calls. nil uses the global otel tracer provider.
	Tracer trace.Tracer

	// CacheDir enables wazero's on-disk compilation cache.
	CacheDir string

	// EpochTickInterval is the default ticker period.
	EpochTickInterval time.Duration

	// MemoryLimitPages caps every linear memory, in 64 KiB pages.
	// 0 means the wazero default (65536 pages).
	MemoryLimitPages uint32

	// Pooling selects the pooling allocator; false selects on-demand.
	Pooling bool

	// EpochTicker spawns the background ticker at Build.
	EpochTicker bool
}

// DefaultConfig returns pooling enabled with the default pool sizing and a
// running ticker at epoch.DefaultTickInterval.
func DefaultConfig() *Config {
	return &Config{
		Pool:              pool.DefaultConfig(),
		Pooling:           true,
		EpochTicker:       true,
		EpochTickInterval: epoch.DefaultTickInterval,
	}
}

// DisablePooling selects the on-demand allocation strategy.
func (c *Config) DisablePooling() *Config {
	c.Pooling = false
	return c
}

// NoEnv is a LookupEnv that finds nothing.
func NoEnv(string) (string, bool) {
	return "", false
}

func (c *Config) lookupEnv() func(string) (string, bool) {
	if c.LookupEnv != nil {
		return c.LookupEnv
	}
	return os.LookupEnv
}
