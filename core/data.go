package core

import (
	"github.com/wippyai/wasm-host/hostcomponent"
	"github.com/wippyai/wasm-host/resource"
	"github.com/wippyai/wasm-host/wasi"
)

// Data bundles the caller state of a store with the store's system
// interface context and host component data.
type Data[T any] struct {
	state *storeState
	inner T
}

// Inner returns the caller state.
func (d *Data[T]) Inner() *T {
	return &d.inner
}

// Version reports the store's system interface generation.
func (d *Data[T]) Version() wasi.Version {
	return d.state.wasi.Version()
}

// WasiPreview1 returns the preview1 context. It panics on a preview2 store.
func (d *Data[T]) WasiPreview1() *wasi.Preview1Context {
	return d.state.wasi.Preview1()
}

// WasiPreview2 returns the preview2 context. It panics on a preview1 store.
func (d *Data[T]) WasiPreview2() *wasi.Preview2Context {
	return d.state.wasi.Preview2()
}

// HostComponents returns the store's host component data table.
func (d *Data[T]) HostComponents() *hostcomponent.Data {
	return d.state.components
}

// Table returns the store's resource table.
func (d *Data[T]) Table() *resource.Table {
	return d.state.table
}

// MemoryConsumed returns the linear memory bytes granted to the store.
func (d *Data[T]) MemoryConsumed() uint64 {
	return d.state.limiter.Consumed()
}

// HostComponentData returns the store's data for the host component h.
func HostComponentData[D, T any](d *Data[T], h hostcomponent.Handle[D]) *D {
	return hostcomponent.Get(d.state.components, h)
}
