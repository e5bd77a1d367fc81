// Package linker implements the import tables host functions are registered
// into before an engine is built.
//
// # Main Types
//
//   - Linker: host functions grouped by module name over one wazero runtime
//   - Namespace: one host module, optionally versioned
//   - FuncDef: a host function and its core signature
//
// # Thread Safety
//
// Linker is safe for concurrent use. Definitions are only accepted until
// Finalize.
//
// # Import Resolution Order
//
//  1. Host module with exactly the imported name
//  2. Newest host module with the same base name whose version shares major
//     and minor with the import and has an equal or newer patch
//  3. Error on unresolved imports
//
// # Example
//
//	l := linker.New(rt, "preview2")
//	_ = l.DefineFunc("wasi:random/random@0.2.0", "get-random-u64", fn, nil, []api.ValueType{api.ValueTypeI64})
//	_ = l.Finalize(ctx)
//	compiled, _ := rt.CompileModule(ctx, bin)
//	if err := l.Link(ctx, compiled); err != nil {
//		// *errors.MissingImportsError lists every unresolved import
//	}
package linker
