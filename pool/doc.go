// Package pool implements the instance allocation strategies: a pooling
// allocator that bounds live instances and recycles linear memory, and an
// on-demand allocator that allocates fresh and releases everything after use.
//
// Both hand out a Slot per instance. Memory drawn from a slot satisfies
// wazero's experimental.LinearMemory so the host can route guest memory
// through it.
package pool
