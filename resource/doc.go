// Package resource provides the per-store handle table.
//
// Host functions hand guests small integer handles instead of pointers to
// host values. Each store owns one Table; handles from one store mean
// nothing in another.
//
//	table := resource.NewTable(0)
//
//	// Insert a value, get a handle
//	h, err := table.Insert(resource.KindOutputStream, w)
//
//	// Retrieve value by handle
//	value, ok := table.Get(h)
//
//	// Remove closes values implementing io.Closer
//	value, err = table.Remove(h)
//
// # Type Safety
//
// Typed narrows a table to one kind and Go type:
//
//	streams := resource.NewTyped[io.Writer](table, resource.KindOutputStream)
//	w, ok := streams.Get(h)
//
// # Thread Safety
//
// Table is safe for concurrent use. Observers are called without the table
// lock held.
package resource
