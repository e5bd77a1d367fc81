// Package wasi provides the two system interface generations a store can
// speak.
//
// Preview1 is wazero's wasi_snapshot_preview1 host configured per instance
// through a wazero.ModuleConfig. Preview2 is a baseline of the wasi:* 0.2
// interfaces in their core flat lowering: lists and strings are placed in
// guest memory through the guest's cabi_realloc export, and results wider
// than one value are written through a return pointer.
//
// Context holds exactly one of the two. The generations are structurally
// different, so asking a preview1 context for preview2 state panics.
package wasi
