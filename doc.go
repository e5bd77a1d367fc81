// Package wasmhost runs untrusted WebAssembly programs in per-invocation
// sandboxes on top of wazero.
//
// A host process builds one engine, compiles each program once into a
// reusable template, and instantiates the template into a fresh store for
// every request. Stores carry the caller's state, a linear memory ceiling,
// an epoch deadline and a fixed system interface generation.
//
// # Architecture Overview
//
//	wasmhost/
//	├── core/           Engine, stores, templates and instances
//	├── epoch/          Shared tick counter and background ticker
//	├── pool/           Pooling and on-demand instance allocators
//	├── hostcomponent/  Typed per-store data for capability modules
//	├── linker/         Host function import tables and import resolution
//	├── wasi/           Preview1 and preview2 system interface hosts
//	├── resource/       Per-store resource handle table
//	├── wasm/           Core module decoder and validator
//	├── wat/            WebAssembly text format compiler
//	├── variables/      Application variables capability
//	├── outbound/       Outbound network allowlist
//	├── config/         YAML and environment configuration loader
//	├── metrics/        Prometheus collector
//	├── errors/         Structured error types
//	└── cmd/run/        Command line runner
//
// # Quick Start
//
//	b, err := core.NewEngineBuilder[State](ctx, core.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	engine, err := b.Build(ctx)
//	if err != nil {
//	    return err
//	}
//	defer engine.Close(ctx)
//
//	pre, err := engine.InstantiatePre(ctx, program)
//	if err != nil {
//	    return err
//	}
//
//	store, err := engine.StoreBuilder(wasi.Preview2).Build(State{})
//	if err != nil {
//	    return err
//	}
//	defer store.Close(ctx)
//	store.SetDeadline(500 * time.Millisecond)
//
//	inst, err := pre.Instantiate(ctx, store)
//	if err != nil {
//	    return err
//	}
//	results, err := inst.Call(ctx, "run")
//
// # Thread Safety
//
// Engine and InstancePre are safe for concurrent use. A Store and its
// instances belong to a single goroutine at a time; IncrementEpoch may be
// called from anywhere.
//
// # Memory Model
//
// Linear memory only grows. Store.MemoryConsumed is the sum of the sizes
// every instance in the store has grown to, and growth that would cross the
// store's ceiling fails inside the guest (memory.grow returns -1). Backing
// memory returns to the pool when the instance is closed.
package wasmhost
