package core

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-host/linker"
)

// HostFunc is a host function with typed access to the calling store.
// Parameters and results travel on stack as in api.GoModuleFunc.
type HostFunc[T any] func(ctx context.Context, caller *Caller[T], stack []uint64)

// Linker registers host functions into one of the engine's import tables.
type Linker[T any] struct {
	table *linker.Linker
}

// DefineFunc registers a raw wazero host function.
func (l *Linker[T]) DefineFunc(module, name string, fn api.GoModuleFunc, params, results []api.ValueType) error {
	return l.table.DefineFunc(module, name, fn, params, results)
}

// Func registers fn, which receives the calling store through Caller.
func (l *Linker[T]) Func(module, name string, fn HostFunc[T], params, results []api.ValueType) error {
	return l.table.DefineFunc(module, name, func(ctx context.Context, mod api.Module, stack []uint64) {
		s := storeFrom[T](ctx)
		if s == nil {
			panic("core: host function " + module + "#" + name + " called outside a store")
		}
		fn(ctx, &Caller[T]{store: s, module: mod}, stack)
	}, params, results)
}

// Modules lists the module names defined so far.
func (l *Linker[T]) Modules() []string {
	return l.table.Modules()
}

// Caller is the view a host function has of the guest that called it.
type Caller[T any] struct {
	store  *Store[T]
	module api.Module
}

// Data returns the calling store's data.
func (c *Caller[T]) Data() *Data[T] {
	return c.store.data
}

// Store returns the calling store.
func (c *Caller[T]) Store() *Store[T] {
	return c.store
}

// Module returns the calling guest instance.
func (c *Caller[T]) Module() api.Module {
	return c.module
}

// Memory returns the guest's exported memory, or nil.
func (c *Caller[T]) Memory() api.Memory {
	return c.module.Memory()
}
