package core

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/wasm"
	"github.com/wippyai/wasm-host/metrics"
	"github.com/wippyai/wasm-host/pool"
	"github.com/wippyai/wasm-host/wasi"
)

// InitializeFunc is the start routine run at instantiation when exported.
const InitializeFunc = "_initialize"

// InstantiatePre compiles program and resolves its imports against the
// preview2 import table. The template can only instantiate preview2 stores.
func (e *Engine[T]) InstantiatePre(ctx context.Context, program []byte) (InstancePre[T], error) {
	return e.instantiatePre(ctx, program, wasi.Preview2)
}

// ModuleInstantiatePre is InstantiatePre against the preview1 import table.
func (e *Engine[T]) ModuleInstantiatePre(ctx context.Context, program []byte) (InstancePre[T], error) {
	return e.instantiatePre(ctx, program, wasi.Preview1)
}

func (e *Engine[T]) instantiatePre(ctx context.Context, program []byte, v wasi.Version) (pre InstancePre[T], err error) {
	ctx, span := e.tracer.Start(ctx, "wasmhost.InstantiatePre", trace.WithAttributes(
		attribute.String("wasi.version", v.String()),
		attribute.Int("program.size", len(program))))
	defer func() { endSpan(span, err) }()

	mod, err := wasm.ParseModuleValidate(program)
	if err != nil {
		return InstancePre[T]{}, errors.Load("decode module", err)
	}
	footprint := pool.FootprintOf(mod)
	if err := e.alloc.Check(footprint); err != nil {
		return InstancePre[T]{}, err
	}

	compiled, err := e.runtime(v).CompileModule(ctx, program)
	if err != nil {
		return InstancePre[T]{}, errors.Load("compile module", err)
	}
	if err := e.table(v).Link(ctx, compiled); err != nil {
		_ = compiled.Close(ctx)
		return InstancePre[T]{}, err
	}

	Logger().Debug("template ready",
		zap.String("wasi", v.String()),
		zap.Uint64("instance_size", footprint.Size),
		zap.Int("imports", len(compiled.ImportedFunctions())))
	return InstancePre[T]{
		engine:        e,
		compiled:      compiled,
		footprint:     footprint,
		initialMemory: mod.InitialMemoryBytes(),
		version:       v,
	}, nil
}

// InstancePre is a compiled, import-resolved program. It is immutable and
// cheap to copy; copies share the compiled code.
type InstancePre[T any] struct {
	engine        *Engine[T]
	compiled      wazero.CompiledModule
	footprint     pool.Footprint
	initialMemory uint64
	version       wasi.Version
}

// Version reports the system interface generation the template links.
func (p InstancePre[T]) Version() wasi.Version {
	return p.version
}

// Footprint returns the per-instance resources the program declares.
func (p InstancePre[T]) Footprint() pool.Footprint {
	return p.footprint
}

// Exports lists the exported function names in sorted order.
func (p InstancePre[T]) Exports() []string {
	defs := p.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExportedFunction returns the signature of the exported function name.
func (p InstancePre[T]) ExportedFunction(name string) (api.FunctionDefinition, bool) {
	def, ok := p.compiled.ExportedFunctions()[name]
	return def, ok
}

// Close releases the compiled code. Every copy of the template becomes
// unusable.
func (p InstancePre[T]) Close(ctx context.Context) error {
	if p.compiled == nil {
		return nil
	}
	return p.compiled.Close(ctx)
}

// Instantiate creates a live instance in store. It waits for a free pool
// slot when the pool is exhausted and honors ctx while waiting. The store
// must come from the template's engine and speak the template's system
// interface generation.
func (p InstancePre[T]) Instantiate(ctx context.Context, store *Store[T]) (inst *Instance[T], err error) {
	switch {
	case p.engine == nil:
		panic("core: Instantiate on a zero InstancePre")
	case store.engine != p.engine:
		panic("core: store and template belong to different engines")
	case store.Version() != p.version:
		panic(fmt.Sprintf("core: %s template instantiated in a %s store", p.version, store.Version()))
	}

	e := p.engine
	start := time.Now()
	result := metrics.ResultError
	defer func() { e.metrics.RecordInstantiation(result, time.Since(start)) }()

	ctx, span := e.tracer.Start(ctx, "wasmhost.Instantiate", trace.WithAttributes(
		attribute.String("wasi.version", p.version.String())))
	defer func() { endSpan(span, err) }()

	slot, err := e.alloc.Reserve(ctx, p.footprint)
	if err != nil {
		result = metrics.ResultPoolFull
		return nil, err
	}
	e.metrics.SetPoolSlotsInUse(e.alloc.Stats().InUse)

	st := store.state
	if !st.limiter.fits(p.initialMemory) {
		slot.Release()
		result = metrics.ResultMemory
		st.metrics.RecordMemoryDenied()
		return nil, errors.MemoryLimit(errors.PhaseInstantiate, p.initialMemory, st.limiter.Consumed(), st.limiter.max)
	}

	inst = &Instance[T]{store: store, memory: &instanceMemory{slot: slot, limiter: st.limiter}}
	if err := st.track(inst); err != nil {
		slot.Release()
		return nil, err
	}

	ctx = st.bind(ctx)
	ctx = experimental.WithMemoryAllocator(ctx, inst.memory)
	ctx, cancel := st.withDeadline(ctx)
	defer cancel()

	cfg := st.wasi.ModuleConfig()
	if _, ok := p.compiled.ExportedFunctions()[InitializeFunc]; ok {
		cfg = cfg.WithStartFunctions(InitializeFunc)
	}
	var mod api.Module
	if err = ctx.Err(); err == nil {
		mod, err = e.runtime(p.version).InstantiateModule(ctx, p.compiled, cfg)
	}
	if err != nil {
		st.untrack(inst)
		inst.memory.release()
		e.metrics.SetPoolSlotsInUse(e.alloc.Stats().InUse)
		err = st.classify(ctx, errors.PhaseInstantiate, err)
		if stderrors.Is(err, errors.ErrDeadlineExceeded) {
			result = metrics.ResultDeadline
		}
		return nil, err
	}
	inst.module = mod
	result = metrics.ResultOK
	e.metrics.SetEpoch(e.counter.Load())
	return inst, nil
}

// Instance is a live program in a store.
type Instance[T any] struct {
	module api.Module
	store  *Store[T]
	memory *instanceMemory
	closed atomic.Bool
}

// Module returns the wazero instance.
func (i *Instance[T]) Module() api.Module {
	return i.module
}

// Store returns the owning store.
func (i *Instance[T]) Store() *Store[T] {
	return i.store
}

// Memory returns the exported memory, or nil.
func (i *Instance[T]) Memory() api.Memory {
	return i.module.Memory()
}

// Call invokes the exported function name. A deadline trap returns an
// error matching errors.ErrDeadlineExceeded. An instance interrupted
// mid-call is closed by the runtime; the store stays usable for inspection.
func (i *Instance[T]) Call(ctx context.Context, name string, params ...uint64) (results []uint64, err error) {
	if i.closed.Load() {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "instance is closed")
	}
	fn := i.module.ExportedFunction(name)
	if fn == nil {
		return nil, errors.NotFound(errors.PhaseRuntime, "export", name)
	}

	e := i.store.engine
	st := i.store.state
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "wasmhost.Call", trace.WithAttributes(
		attribute.String("function", name)))
	defer func() { endSpan(span, err) }()

	ctx = st.bind(ctx)
	ctx, cancel := st.withDeadline(ctx)
	defer cancel()

	// Function entry is a checkpoint; a passed deadline fails before the
	// guest runs.
	if cerr := ctx.Err(); cerr != nil {
		results, err = nil, cerr
	} else {
		results, err = fn.Call(ctx, params...)
	}
	if err == nil {
		e.metrics.RecordCall(metrics.ResultOK, time.Since(start))
		return results, nil
	}

	err = st.classify(ctx, errors.PhaseRuntime, err)
	var he *errors.Error
	result := metrics.ResultError
	if stderrors.As(err, &he) {
		switch he.Kind {
		case errors.KindDeadlineExceeded:
			result = metrics.ResultDeadline
		case errors.KindExit:
			result = metrics.ResultExit
		}
	}
	e.metrics.RecordCall(result, time.Since(start))
	return nil, err
}

// Close releases the instance and its pool slot.
func (i *Instance[T]) Close(ctx context.Context) error {
	if !i.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if i.module != nil {
		err = i.module.Close(ctx)
	}
	i.memory.release()
	i.store.state.untrack(i)

	e := i.store.engine
	e.metrics.RecordInstanceClosed()
	e.metrics.SetPoolSlotsInUse(e.alloc.Stats().InUse)
	return err
}

// classify maps a wazero failure to the host error kinds.
func (st *storeState) classify(ctx context.Context, phase errors.Phase, err error) error {
	if stderrors.Is(context.Cause(ctx), errEpochDeadline) {
		st.metrics.RecordDeadlineTrap()
		target := st.deadline.Load()
		now := st.counter.Load()
		Logger().Debug("deadline exceeded",
			zap.Uint64("target", target),
			zap.Uint64("epoch", now))
		de := errors.DeadlineExceeded(phase, target, now)
		de.Cause = err
		return de
	}

	var exit *sys.ExitError
	if stderrors.As(err, &exit) {
		switch exit.ExitCode() {
		case sys.ExitCodeContextCanceled, sys.ExitCodeDeadlineExceeded:
			return errors.Trap(phase, err)
		}
		return errors.Exit(exit.ExitCode(), err)
	}
	if phase == errors.PhaseInstantiate {
		return errors.Instantiation(err)
	}
	return errors.Trap(phase, err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
