// Package core builds and runs sandboxed WebAssembly programs.
//
// An Engine is built once per process from an EngineBuilder. The builder
// collects host functions into two import tables, one per system interface
// generation, and host components with per-store data. After Build the
// engine is immutable apart from its epoch counter.
//
// Per program, InstantiatePre compiles and resolves imports once and
// returns a cheap, copyable template. Per invocation, a Store is built with
// caller state, a memory ceiling and stdio, and the template is
// instantiated into it:
//
//	b, err := core.NewEngineBuilder[State](ctx, core.DefaultConfig())
//	handle, err := core.AddHostComponent[State, variables.Data](b, variables.New(provider))
//	engine, err := b.Build(ctx)
//	defer engine.Close(ctx)
//
//	pre, err := engine.InstantiatePre(ctx, program)
//
//	store, err := engine.StoreBuilder(wasi.Preview2).
//		MaxMemorySize(64 << 20).
//		Build(State{})
//	store.SetDeadline(time.Second)
//	inst, err := pre.Instantiate(ctx, store)
//	results, err := inst.Call(ctx, "run")
//
// Deadlines are cooperative. A ticker goroutine advances the epoch; guest
// code is interrupted at the next function entry or loop header once the
// epoch has moved past the store's target. With the ticker disabled the
// epoch only moves through IncrementEpoch.
//
// Instances draw their slot and linear memory from the engine's allocator.
// With pooling, at most Pool.InstanceCount instances are live and
// Instantiate waits for a free slot.
package core
