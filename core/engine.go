package core

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/epoch"
	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/hostcomponent"
	"github.com/wippyai/wasm-host/linker"
	"github.com/wippyai/wasm-host/metrics"
	"github.com/wippyai/wasm-host/pool"
	"github.com/wippyai/wasm-host/wasi"
)

const tracerName = "github.com/wippyai/wasm-host/core"

// EngineBuilder configures an Engine. Host functions and host components
// are accepted until Build. Not safe for concurrent use.
type EngineBuilder[T any] struct {
	cfg          Config
	runtimes     [2]wazero.Runtime
	cache        wazero.CompilationCache
	preview1     *linker.Linker
	preview2     *linker.Linker
	components   *hostcomponent.Builder
	alloc        pool.Allocator
	err          error
	tickInterval time.Duration
	ticker       bool
	built        bool
}

// NewEngineBuilder applies environment overrides to the pool sizing,
// creates the allocator and the wazero runtimes, and links the baseline
// system interface of both generations.
func NewEngineBuilder[T any](ctx context.Context, cfg *Config) (*EngineBuilder[T], error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg

	if err := c.Pool.ApplyEnv(c.lookupEnv()); err != nil {
		return nil, err
	}
	if c.MemoryLimitPages > maxMemoryLimitPages {
		return nil, errors.InvalidConfig("memory_limit_pages", c.MemoryLimitPages,
			fmt.Errorf("must not exceed %d", maxMemoryLimitPages))
	}
	alloc, err := pool.New(c.Pooling, c.Pool)
	if err != nil {
		return nil, err
	}

	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if c.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(c.MemoryLimitPages)
	}
	var cache wazero.CompilationCache
	if c.CacheDir != "" {
		cache, err = wazero.NewCompilationCacheWithDir(c.CacheDir)
		if err != nil {
			alloc.Close()
			return nil, errors.InvalidConfig("cache_dir", c.CacheDir, err)
		}
		rc = rc.WithCompilationCache(cache)
	}

	interval := c.EpochTickInterval
	if interval == 0 {
		interval = epoch.DefaultTickInterval
	}

	p1 := wazero.NewRuntimeWithConfig(ctx, rc)
	p2 := wazero.NewRuntimeWithConfig(ctx, rc)
	b := &EngineBuilder[T]{
		cfg:          c,
		runtimes:     [2]wazero.Runtime{p1, p2},
		cache:        cache,
		preview1:     linker.New(p1, wasi.Preview1.String()),
		preview2:     linker.New(p2, wasi.Preview2.String()),
		components:   hostcomponent.NewBuilder(),
		alloc:        alloc,
		tickInterval: interval,
		ticker:       c.EpochTicker,
	}

	mod, err := wasi.InstantiatePreview1(ctx, p1)
	if err == nil {
		err = b.preview1.Adopt(mod)
	}
	if err == nil {
		err = wasi.LinkPreview2(b.preview2, preview2From)
	}
	if err != nil {
		b.abort(ctx)
		return nil, errors.New(errors.PhaseHost, errors.KindRegistration).
			Detail("link system interface").
			Cause(err).
			Build()
	}

	Logger().Debug("engine builder created",
		zap.String("strategy", string(alloc.Strategy())),
		zap.Uint64("instance_count", c.Pool.InstanceCount))
	return b, nil
}

// LinkImport hands the preview2 import table to f for arbitrary host
// functions. get projects a store's Data onto the caller state.
func (b *EngineBuilder[T]) LinkImport(f func(l *Linker[T], get func(*Data[T]) *T) error) error {
	if b.built {
		return errors.Finalized("engine builder")
	}
	return f(&Linker[T]{table: b.preview2}, (*Data[T]).Inner)
}

// LinkModuleImport is LinkImport for the preview1 import table.
func (b *EngineBuilder[T]) LinkModuleImport(f func(l *Linker[T], get func(*Data[T]) *T) error) error {
	if b.built {
		return errors.Finalized("engine builder")
	}
	return f(&Linker[T]{table: b.preview1}, (*Data[T]).Inner)
}

// AddHostComponent registers hc in both import tables and returns the
// handle of its per-store data.
func AddHostComponent[T, D any](b *EngineBuilder[T], hc hostcomponent.HostComponent[D]) (hostcomponent.Handle[D], error) {
	if b.built {
		return hostcomponent.Handle[D]{}, errors.Finalized("engine builder")
	}
	return hostcomponent.Register(b.components, hc, b.preview1, b.preview2)
}

// EpochTickInterval sets the ticker period and the unit of store deadlines.
func (b *EngineBuilder[T]) EpochTickInterval(d time.Duration) *EngineBuilder[T] {
	if d <= 0 {
		b.err = multierr.Append(b.err, errors.InvalidConfig("epoch_tick_interval", d,
			fmt.Errorf("must be positive")))
		return b
	}
	b.tickInterval = d
	return b
}

// EpochTickerThread controls whether Build spawns the ticker. Without it
// the epoch only moves through Engine.IncrementEpoch.
func (b *EngineBuilder[T]) EpochTickerThread(enabled bool) *EngineBuilder[T] {
	b.ticker = enabled
	return b
}

// Build finalizes both import tables and the host component registry and
// starts the ticker if enabled. A failed Build releases the builder.
func (b *EngineBuilder[T]) Build(ctx context.Context) (*Engine[T], error) {
	if b.built {
		return nil, errors.Finalized("engine builder")
	}
	b.built = true

	err := b.err
	if err == nil {
		err = b.preview1.Finalize(ctx)
	}
	if err == nil {
		err = b.preview2.Finalize(ctx)
	}
	if err != nil {
		b.abort(ctx)
		return nil, err
	}

	tracer := b.cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	e := &Engine[T]{
		runtimes:     b.runtimes,
		cache:        b.cache,
		preview1:     b.preview1,
		preview2:     b.preview2,
		components:   b.components.Build(),
		alloc:        b.alloc,
		counter:      epoch.NewCounter(),
		tickInterval: b.tickInterval,
		metrics:      b.cfg.Metrics,
		tracer:       tracer,
	}
	if b.ticker {
		e.ticker = epoch.StartTicker(e.counter, b.tickInterval)
	}
	e.metrics.SetHostComponents(e.components.Len())

	Logger().Info("engine built",
		zap.String("strategy", string(e.alloc.Strategy())),
		zap.Duration("tick_interval", e.tickInterval),
		zap.Bool("ticker", e.ticker != nil),
		zap.Strings("host_components", e.components.Names()))
	return e, nil
}

func (b *EngineBuilder[T]) abort(ctx context.Context) {
	b.built = true
	b.alloc.Close()
	for _, rt := range b.runtimes {
		_ = rt.Close(ctx)
	}
	if b.cache != nil {
		_ = b.cache.Close(ctx)
	}
}

// Engine is the shared, immutable sandbox factory. The epoch counter is
// its only mutable state. It must outlive every store and template made
// from it.
type Engine[T any] struct {
	runtimes     [2]wazero.Runtime
	cache        wazero.CompilationCache
	preview1     *linker.Linker
	preview2     *linker.Linker
	components   *hostcomponent.Registry
	alloc        pool.Allocator
	counter      *epoch.Counter
	ticker       *epoch.Ticker
	metrics      *metrics.Collector
	tracer       trace.Tracer
	tickInterval time.Duration
}

func (e *Engine[T]) runtime(v wasi.Version) wazero.Runtime {
	if v == wasi.Preview1 {
		return e.runtimes[0]
	}
	return e.runtimes[1]
}

func (e *Engine[T]) table(v wasi.Version) *linker.Linker {
	if v == wasi.Preview1 {
		return e.preview1
	}
	return e.preview2
}

// StoreBuilder starts a store speaking system interface generation v.
func (e *Engine[T]) StoreBuilder(v wasi.Version) *StoreBuilder[T] {
	return newStoreBuilder(e, v)
}

// HostComponents returns the finalized host component registry.
func (e *Engine[T]) HostComponents() *hostcomponent.Registry {
	return e.components
}

// FindHostComponentHandle returns the handle of the host component whose
// data type is D.
func FindHostComponentHandle[D, T any](e *Engine[T]) (hostcomponent.Handle[D], bool) {
	return hostcomponent.FindHandle[D](e.components)
}

// Epoch returns the current epoch.
func (e *Engine[T]) Epoch() uint64 {
	return e.counter.Load()
}

// IncrementEpoch advances the epoch by one tick and returns the new value.
func (e *Engine[T]) IncrementEpoch() uint64 {
	v := e.counter.Increment()
	e.metrics.SetEpoch(v)
	return v
}

// TickInterval returns the epoch tick period.
func (e *Engine[T]) TickInterval() time.Duration {
	return e.tickInterval
}

// TickerRunning reports whether the background ticker was started.
func (e *Engine[T]) TickerRunning() bool {
	return e.ticker != nil
}

// PoolStats returns the allocator usage.
func (e *Engine[T]) PoolStats() pool.Stats {
	return e.alloc.Stats()
}

// Close stops the ticker and releases the runtimes and warm memory.
func (e *Engine[T]) Close(ctx context.Context) error {
	if e.ticker != nil {
		e.ticker.Stop()
	}
	e.alloc.Close()
	var err error
	for _, rt := range e.runtimes {
		err = multierr.Append(err, rt.Close(ctx))
	}
	if e.cache != nil {
		err = multierr.Append(err, e.cache.Close(ctx))
	}
	Logger().Debug("engine closed", zap.Uint64("epoch", e.counter.Load()))
	return err
}
