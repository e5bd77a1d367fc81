// Package wasm decodes WebAssembly core module binaries.
//
// The decoder reads every section of a WebAssembly 2.0 module, including
// the GC, exception handling, memory64 and multi-memory extensions to the
// type, import, table and global sections. Function bodies are kept as raw
// bytes. The engine uses the decoded module to size instances against the
// pooling allocator before handing the binary to wazero.
//
//	m, err := wasm.ParseModuleValidate(program)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(m.MaxTableElements(), m.InitialMemoryBytes())
//
// Component binaries are rejected with ErrComponent.
package wasm
