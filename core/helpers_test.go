package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-host/hostcomponent"
	"github.com/wippyai/wasm-host/wasi"
	"github.com/wippyai/wasm-host/wasm"
	"github.com/wippyai/wasm-host/wat"
)

const pageSize = wasm.PageSize

type testState struct {
	label string
	calls int
}

// testConfig disables the ticker and environment overrides.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.LookupEnv = NoEnv
	cfg.EpochTicker = false
	return cfg
}

func newTestEngine(t *testing.T, cfg *Config, setup ...func(b *EngineBuilder[testState])) *Engine[testState] {
	t.Helper()
	ctx := context.Background()
	if cfg == nil {
		cfg = testConfig()
	}
	b, err := NewEngineBuilder[testState](ctx, cfg)
	require.NoError(t, err)
	for _, f := range setup {
		f(b)
	}
	e, err := b.Build(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

func newStore(t *testing.T, e *Engine[testState], v wasi.Version, configure ...func(b *StoreBuilder[testState])) *Store[testState] {
	t.Helper()
	b := e.StoreBuilder(v)
	for _, f := range configure {
		f(b)
	}
	s, err := b.Build(testState{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// addProgram exports add(i32, i32) -> i32.
func addProgram() []byte {
	return wat.MustCompile(`(module
		(memory 1)
		(func (export "add") (param i32 i32) (result i32)
			(i32.add (local.get 0) (local.get 1))))`)
}

// spinProgram exports spin, which never returns, and ping, which returns 7.
func spinProgram() []byte {
	return wat.MustCompile(`(module
		(func (export "spin") (loop $forever (br $forever)))
		(func (export "ping") (result i32) (i32.const 7)))`)
}

// growProgram exports grow(pages) -> previous page count or -1.
func growProgram(pages uint32) []byte {
	return wat.MustCompile(fmt.Sprintf(`(module
		(memory %d)
		(func (export "grow") (param i32) (result i32)
			(memory.grow (local.get 0))))`, pages))
}

// randomProgram imports the preview2 random interface and exports add.
func randomProgram() []byte {
	return wat.MustCompile(fmt.Sprintf(`(module
		(import %q "get-random-u64" (func $rand (result i64)))
		(memory 1)
		(func (export "rand") (result i64) (call $rand))
		(func (export "add") (param i32 i32) (result i32)
			(i32.add (local.get 0) (local.get 1))))`, wasi.RandomModule))
}

// callProgram exports name, which calls the imported module#fn () -> i32.
func callProgram(module, fn, name string) []byte {
	return wat.MustCompile(fmt.Sprintf(`(module
		(import %q %q (func $imp (result i32)))
		(memory 1)
		(func (export %q) (result i32) (call $imp)))`, module, fn, name))
}

const counterModule = "test:counter/api@1.0.0"

type counterData struct {
	n int32
}

// counterComponent returns the next value of a per-store counter.
type counterComponent struct {
	start int32
}

func (c counterComponent) AddToLinker(l hostcomponent.Linker, get func(context.Context) *counterData) error {
	return l.DefineFunc(counterModule, "next", func(ctx context.Context, _ api.Module, stack []uint64) {
		d := get(ctx)
		d.n++
		stack[0] = api.EncodeI32(d.n)
	}, nil, []api.ValueType{api.ValueTypeI32})
}

func (c counterComponent) BuildData() counterData {
	return counterData{n: c.start}
}

const labelModule = "test:label/api@1.0.0"

type labelData struct {
	label string
}

// labelComponent reports the byte length of a per-store label.
type labelComponent struct {
	label string
}

func (c labelComponent) AddToLinker(l hostcomponent.Linker, get func(context.Context) *labelData) error {
	return l.DefineFunc(labelModule, "len", func(ctx context.Context, _ api.Module, stack []uint64) {
		stack[0] = api.EncodeI32(int32(len(get(ctx).label)))
	}, nil, []api.ValueType{api.ValueTypeI32})
}

func (c labelComponent) BuildData() labelData {
	return labelData{label: c.label}
}
