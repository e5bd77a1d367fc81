// Package metrics exports engine activity as prometheus metrics: instance
// creations and calls by result, live instances, deadline traps, memory
// growth and denials, the epoch and pool occupancy.
//
// Methods on a nil *Collector are no-ops, so callers never branch on
// whether metrics are enabled.
package metrics
