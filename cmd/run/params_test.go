package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
)

func TestParseParams(t *testing.T) {
	types := []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF64}
	got, err := parseParams([]string{"-7", "0xffffffff", "9007199254740993", " 2.5 "}, types)
	require.NoError(t, err)
	assert.Equal(t, int32(-7), api.DecodeI32(got[0]))
	assert.Equal(t, uint32(0xffffffff), api.DecodeU32(got[1]))
	assert.Equal(t, uint64(9007199254740993), got[2])
	assert.Equal(t, 2.5, api.DecodeF64(got[3]))

	_, err = parseParams([]string{"1"}, types)
	assert.Error(t, err)
	_, err = parseParams([]string{"x"}, []api.ValueType{api.ValueTypeI32})
	assert.Error(t, err)
	_, err = parseParams([]string{"1"}, []api.ValueType{api.ValueTypeExternref})
	assert.Error(t, err)
}

func TestFormatResults(t *testing.T) {
	res := []uint64{api.EncodeI32(-1), api.EncodeF32(1.5), 42}
	types := []api.ValueType{api.ValueTypeI32, api.ValueTypeF32, api.ValueTypeI64}
	assert.Equal(t, "-1 1.5 42", formatResults(res, types))
	assert.Equal(t, "", formatResults(nil, nil))
}

func TestParseDir(t *testing.T) {
	tests := []struct {
		in, host, guest string
		ro              bool
	}{
		{"/data", "/data", "/data", false},
		{"/data:/mnt", "/data", "/mnt", false},
		{"/data:/mnt:ro", "/data", "/mnt", true},
		{"/data::ro", "/data", "/data", true},
	}
	for _, tt := range tests {
		h, g, ro := parseDir(tt.in)
		assert.Equal(t, tt.host, h, tt.in)
		assert.Equal(t, tt.guest, g, tt.in)
		assert.Equal(t, tt.ro, ro, tt.in)
	}
}

func TestDefaultEntry(t *testing.T) {
	assert.Equal(t, "_start", defaultEntry([]string{"main", "_start"}))
	assert.Equal(t, "run", defaultEntry([]string{"helper", "run"}))
	assert.Equal(t, "only", defaultEntry([]string{"only"}))
	assert.Equal(t, "", defaultEntry([]string{"a", "b"}))
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{"--wasm", "p.wasm", "--env", "A=1", "--env", "B=2", "--concurrency", "4", "-i"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=2"}, o.env)
	assert.Equal(t, 4, o.concurrency)
	assert.True(t, o.interactive)
	assert.Equal(t, "preview2", o.abi)

	_, err = parseFlags([]string{"--concurrency", "0", "--wasm", "p.wasm"})
	assert.Error(t, err)
}
