package wasm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-host/wasm"
	"github.com/wippyai/wasm-host/wat"
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestParseModule_Footprint(t *testing.T) {
	bin := wat.MustCompile(`(module
		(import "env" "f" (func))
		(import "env" "g" (func (param i32)))
		(import "env" "shared" (memory 4))
		(import "env" "tbl" (table 64 funcref))
		(func)
		(func (result i32) (i32.const 7))
		(memory 2 10)
		(table 8 funcref)
		(table 32 funcref)
		(global i32 (i32.const 1))
		(global (mut i64) (i64.const 2))
		(global i32 (i32.const 3)))`)

	m, err := wasm.ParseModuleValidate(bin)
	require.NoError(t, err)

	assert.Equal(t, 2, m.NumImportedFuncs())
	assert.Len(t, m.Funcs, 2)
	assert.Len(t, m.Globals, 3)
	assert.Equal(t, 1, m.NumImportedMemories())
	require.Len(t, m.AllTables(), 3)
	assert.Equal(t, uint64(64), m.MaxTableElements())

	require.Len(t, m.Memories, 1)
	require.NotNil(t, m.Memories[0].Limits.Max)
	assert.Equal(t, uint64(10), *m.Memories[0].Limits.Max)
	assert.Equal(t, uint64(2*wasm.PageSize), m.InitialMemoryBytes(), "imported memory is not counted")
}

func TestParseModule_ReferenceTypedGlobalImport(t *testing.T) {
	// import "m" "g" (global (ref null func)), then import "m" "mem" (memory 1).
	imports := []byte{
		0x02, 18, 2,
		1, 'm', 1, 'g', wasm.KindGlobal, byte(wasm.ValRefNull), 0x70, 0x00,
		1, 'm', 3, 'm', 'e', 'm', wasm.KindMemory, 0x00, 0x01,
	}
	m, err := wasm.ParseModule(append(append([]byte{}, header...), imports...))
	require.NoError(t, err)

	require.Len(t, m.Imports, 2)
	g := m.Imports[0].Desc.Global
	require.NotNil(t, g)
	require.NotNil(t, g.ExtType)
	assert.True(t, g.ExtType.RefType.Nullable)
	assert.Equal(t, int64(-16), g.ExtType.RefType.HeapType)
	assert.False(t, g.Mutable)

	mem := m.Imports[1].Desc.Memory
	require.NotNil(t, mem)
	assert.Equal(t, uint64(1), mem.Limits.Min)
	assert.Equal(t, 1, m.NumImportedGlobals())
}

func TestParseModule_Errors(t *testing.T) {
	valid := wat.MustCompile(`(module (memory 1))`)

	tests := []struct {
		name string
		bin  []byte
		is   error
	}{
		{"short", []byte{0x00, 0x61}, nil},
		{"bad magic", []byte{0x01, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, wasm.ErrInvalidMagic},
		{"component", []byte{0x00, 0x61, 0x73, 0x6d, 0x0d, 0x00, 0x01, 0x00}, wasm.ErrComponent},
		{"version 2", []byte{0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00}, wasm.ErrInvalidVersion},
		{"truncated", valid[:len(valid)-1], nil},
		{"out of order", append(append([]byte{}, header...), 0x05, 0x01, 0x00, 0x01, 0x01, 0x00), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wasm.ParseModule(tt.bin)
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestValidate_MemoryLimits(t *testing.T) {
	// (memory 70000): min pages past the 32-bit maximum.
	mem := []byte{0x05, 0x05, 0x01, 0x00, 0xf0, 0xa2, 0x04}
	_, err := wasm.ParseModuleValidate(append(append([]byte{}, header...), mem...))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}
