package wasi

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasm-host/linker"
	"github.com/wippyai/wasm-host/wat"
)

// guest imports the baseline and exports one function per host call. Call
// results land at address 16; the bump allocator pointer lives at 0.
var guest = fmt.Sprintf(`(module
	(import %[1]q "get-arguments" (func $get_args (param i32)))
	(import %[1]q "get-environment" (func $get_env (param i32)))
	(import %[1]q "initial-cwd" (func $cwd (param i32)))
	(import %[2]q "exit" (func $exit (param i32)))
	(import %[3]q "get-stdout" (func $stdout (result i32)))
	(import %[4]q "[method]output-stream.blocking-write-and-flush" (func $write (param i32 i32 i32 i32)))
	(import %[4]q "[resource-drop]output-stream" (func $drop (param i32)))
	(import %[5]q "get-random-u64" (func $rand_u64 (result i64)))
	(import %[5]q "get-random-bytes" (func $rand_bytes (param i64 i32)))
	(import %[6]q "now" (func $mono (result i64)))
	(import %[7]q "now" (func $wall (param i32)))

	(memory (export "memory") 1)
	(data (i32.const 0) "\00\04\00\00")
	(data (i32.const 512) "hi")

	(func (export "cabi_realloc") (param i32 i32 i32 i32) (result i32) (local $p i32)
		(local.set $p (i32.load (i32.const 0)))
		(i32.store (i32.const 0) (i32.add (local.get $p) (local.get 3)))
		(local.get $p))

	(func (export "args") (call $get_args (i32.const 16)))
	(func (export "env") (call $get_env (i32.const 16)))
	(func (export "cwd") (call $cwd (i32.const 16)))
	(func (export "wall") (call $wall (i32.const 16)))

	(func (export "hello") (local $s i32)
		(local.set $s (call $stdout))
		(call $write (local.get $s) (i32.const 512) (i32.const 2) (i32.const 16))
		(call $drop (local.get $s)))
	(func (export "write-dropped")
		(call $write (i32.const 999) (i32.const 512) (i32.const 2) (i32.const 16)))
	(func (export "exit1") (call $exit (i32.const 1)))
	(func (export "rand") (call $rand_bytes (i64.const 4) (i32.const 16)))
	(func (export "u64") (result i64) (call $rand_u64))
	(func (export "mono") (result i64) (call $mono)))`,
	EnvironmentModule, ExitModule, StdoutModule, StreamsModule, RandomModule, MonotonicClockModule, WallClockModule)

type harness struct {
	ctx context.Context
	mod api.Module
	p2  *Preview2Context
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })

	h := &harness{ctx: ctx}
	l := linker.New(rt, "preview2")
	require.NoError(t, LinkPreview2(l, func(context.Context) *Preview2Context { return h.p2 }))
	require.NoError(t, l.Finalize(ctx))

	compiled, err := rt.CompileModule(ctx, wat.MustCompile(guest))
	require.NoError(t, err)
	require.NoError(t, l.Link(ctx, compiled))

	wc, err := NewContext(Preview2, opts, nil)
	require.NoError(t, err)
	h.p2 = wc.Preview2()

	h.mod, err = rt.InstantiateModule(ctx, compiled, wc.ModuleConfig())
	require.NoError(t, err)
	return h
}

func (h *harness) call(t *testing.T, name string) []uint64 {
	t.Helper()
	res, err := h.mod.ExportedFunction(name).Call(h.ctx)
	require.NoError(t, err)
	return res
}

func (h *harness) u32(t *testing.T, off uint32) uint32 {
	t.Helper()
	v, ok := h.mod.Memory().ReadUint32Le(off)
	require.True(t, ok)
	return v
}

func (h *harness) str(t *testing.T, ptr, n uint32) string {
	t.Helper()
	b, ok := h.mod.Memory().Read(ptr, n)
	require.True(t, ok)
	return string(b)
}

func TestPreview2_Arguments(t *testing.T) {
	h := newHarness(t, Options{Args: []string{"prog", "--flag", ""}})
	h.call(t, "args")

	base, n := h.u32(t, 16), h.u32(t, 20)
	require.Equal(t, uint32(3), n)
	var got []string
	for i := range n {
		got = append(got, h.str(t, h.u32(t, base+i*8), h.u32(t, base+i*8+4)))
	}
	assert.Equal(t, []string{"prog", "--flag", ""}, got)
}

func TestPreview2_Environment(t *testing.T) {
	h := newHarness(t, Options{Env: [][2]string{{"A", "1"}, {"B", "two"}}})
	h.call(t, "env")

	base, n := h.u32(t, 16), h.u32(t, 20)
	require.Equal(t, uint32(2), n)
	assert.Equal(t, "A", h.str(t, h.u32(t, base), h.u32(t, base+4)))
	assert.Equal(t, "1", h.str(t, h.u32(t, base+8), h.u32(t, base+12)))
	assert.Equal(t, "B", h.str(t, h.u32(t, base+16), h.u32(t, base+20)))
	assert.Equal(t, "two", h.str(t, h.u32(t, base+24), h.u32(t, base+28)))
}

func TestPreview2_InitialCwd(t *testing.T) {
	h := newHarness(t, Options{Cwd: "/work"})
	h.call(t, "cwd")

	tag, ok := h.mod.Memory().ReadByte(16)
	require.True(t, ok)
	assert.Equal(t, byte(1), tag)
	assert.Equal(t, "/work", h.str(t, h.u32(t, 20), h.u32(t, 24)))
}

func TestPreview2_Stdout(t *testing.T) {
	var out bytes.Buffer
	h := newHarness(t, Options{Stdout: &out})
	h.call(t, "hello")

	assert.Equal(t, "hi", out.String())
	tag, _ := h.mod.Memory().ReadByte(16)
	assert.Equal(t, byte(0), tag)
	assert.Equal(t, 0, h.p2.Table().Len(), "stream handle dropped")
}

func TestPreview2_WriteUnknownStream(t *testing.T) {
	h := newHarness(t, Options{})
	h.call(t, "write-dropped")

	tag, _ := h.mod.Memory().ReadByte(16)
	assert.Equal(t, byte(1), tag)
	errTag, _ := h.mod.Memory().ReadByte(20)
	assert.Equal(t, byte(1), errTag, "stream-error::closed")
}

func TestPreview2_Exit(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.mod.ExportedFunction("exit1").Call(h.ctx)
	require.Error(t, err)

	var exitErr *sys.ExitError
	require.True(t, stderrors.As(err, &exitErr))
	assert.Equal(t, uint32(1), exitErr.ExitCode())

	code, ok := h.p2.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, uint32(1), code)
}

func TestPreview2_Random(t *testing.T) {
	src := bytes.NewReader([]byte{1, 2, 3, 4, 1, 0, 0, 0, 0, 0, 0, 0})
	h := newHarness(t, Options{Random: src})

	h.call(t, "rand")
	assert.Equal(t, uint32(4), h.u32(t, 20))
	assert.Equal(t, "\x01\x02\x03\x04", h.str(t, h.u32(t, 16), 4))

	res := h.call(t, "u64")
	assert.Equal(t, uint64(1), res[0])
}

func TestPreview2_Clocks(t *testing.T) {
	h := newHarness(t, Options{})
	before := time.Now().Unix()
	h.call(t, "wall")
	secs, ok := h.mod.Memory().ReadUint64Le(16)
	require.True(t, ok)
	assert.GreaterOrEqual(t, int64(secs), before)

	first := h.call(t, "mono")[0]
	time.Sleep(time.Millisecond)
	assert.Greater(t, h.call(t, "mono")[0], first)
}

func TestContext_Variants(t *testing.T) {
	p1, err := NewContext(Preview1, Options{Args: []string{"a"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, Preview1, p1.Version())
	assert.Equal(t, []string{"a"}, p1.Preview1().Args())
	assert.NotNil(t, p1.ModuleConfig())
	assert.Panics(t, func() { p1.Preview2() })

	p2, err := NewContext(Preview2, Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, Preview2, p2.Version())
	assert.NotNil(t, p2.Preview2().Table())
	assert.Panics(t, func() { p2.Preview1() })

	_, err = NewContext(Version(9), Options{}, nil)
	assert.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	for in, want := range map[string]Version{"preview1": Preview1, "P1": Preview1, " p2 ": Preview2, "preview2": Preview2} {
		got, err := ParseVersion(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseVersion("preview3")
	assert.Error(t, err)
	assert.True(t, strings.HasPrefix(Version(7).String(), "wasi.Version"))
}

func TestPreview1_ModuleConfig(t *testing.T) {
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)
	host, err := InstantiatePreview1(ctx, rt)
	require.NoError(t, err)
	require.NotNil(t, host)
	assert.Equal(t, Preview1ModuleName, host.Name())
	assert.NotNil(t, host.ExportedFunction("fd_write"))

	// A guest that calls proc_exit(3) from its exported run function.
	program := wat.MustCompile(`(module
		(import "wasi_snapshot_preview1" "proc_exit" (func $proc_exit (param i32)))
		(memory (export "memory") 1)
		(func (export "run") (call $proc_exit (i32.const 3))))`)

	var out bytes.Buffer
	c, err := NewContext(Preview1, Options{Stdout: &out, Env: [][2]string{{"K", "V"}}, Preopens: []Preopen{{Host: t.TempDir(), Guest: "/data", ReadOnly: true}}}, nil)
	require.NoError(t, err)

	mod, err := rt.InstantiateWithConfig(ctx, program, c.ModuleConfig())
	require.NoError(t, err)
	_, err = mod.ExportedFunction("run").Call(ctx)
	var exitErr *sys.ExitError
	require.True(t, stderrors.As(err, &exitErr))
	assert.Equal(t, uint32(3), exitErr.ExitCode())
}
