package wasi

import (
	"context"
	"encoding/binary"
	"io"
	"time"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/resource"
)

// Preview2 interface names served by the baseline import table.
const (
	EnvironmentModule    = "wasi:cli/environment@0.2.0"
	ExitModule           = "wasi:cli/exit@0.2.0"
	StdoutModule         = "wasi:cli/stdout@0.2.0"
	StderrModule         = "wasi:cli/stderr@0.2.0"
	StreamsModule        = "wasi:io/streams@0.2.0"
	RandomModule         = "wasi:random/random@0.2.0"
	MonotonicClockModule = "wasi:clocks/monotonic-clock@0.2.0"
	WallClockModule      = "wasi:clocks/wall-clock@0.2.0"
)

// MaxRandomBytes limits single-call allocation to prevent DoS (1MB).
const MaxRandomBytes = 1 << 20

// Linker is the part of an import table the baseline registers into.
type Linker interface {
	DefineFunc(module, name string, fn api.GoModuleFunc, params, results []api.ValueType) error
}

// Preview2Context carries the per-store preview2 state.
type Preview2Context struct {
	opts     Options
	table    *resource.Table
	start    time.Time
	exitCode *uint32
}

// Table returns the handle table streams are allocated in.
func (c *Preview2Context) Table() *resource.Table {
	return c.table
}

// Args returns the guest arguments.
func (c *Preview2Context) Args() []string {
	return c.opts.Args
}

// Env returns the guest environment in order.
func (c *Preview2Context) Env() [][2]string {
	return c.opts.Env
}

// ExitCode returns the status passed to wasi:cli/exit, if the guest exited.
func (c *Preview2Context) ExitCode() (uint32, bool) {
	if c.exitCode == nil {
		return 0, false
	}
	return *c.exitCode, true
}

// outputStream is a guest-owned handle onto a host writer. Dropping the
// handle does not close the writer.
type outputStream struct {
	w io.Writer
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

type hostFunc struct {
	fn      api.GoModuleFunc
	module  string
	name    string
	params  []api.ValueType
	results []api.ValueType
}

// LinkPreview2 registers the baseline preview2 functions. get resolves the
// calling store's context.
func LinkPreview2(l Linker, get func(context.Context) *Preview2Context) error {
	for _, f := range preview2Funcs(get) {
		if err := l.DefineFunc(f.module, f.name, f.fn, f.params, f.results); err != nil {
			return err
		}
	}
	return nil
}

func preview2Funcs(get func(context.Context) *Preview2Context) []hostFunc {
	return []hostFunc{
		{
			module: EnvironmentModule, name: "get-environment",
			params: []api.ValueType{i32},
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				newLowerer(ctx, mod).pairs(api.DecodeU32(stack[0]), get(ctx).opts.Env)
			},
		},
		{
			module: EnvironmentModule, name: "get-arguments",
			params: []api.ValueType{i32},
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				newLowerer(ctx, mod).strings(api.DecodeU32(stack[0]), get(ctx).opts.Args)
			},
		},
		{
			module: EnvironmentModule, name: "initial-cwd",
			params: []api.ValueType{i32},
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				ret := api.DecodeU32(stack[0])
				l := newLowerer(ctx, mod)
				p, n := l.string(get(ctx).opts.Cwd)
				l.u8(ret, 1)
				l.u32(ret+4, p)
				l.u32(ret+8, n)
			},
		},
		{
			module: ExitModule, name: "exit",
			params: []api.ValueType{i32},
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				code := uint32(0)
				if api.DecodeU32(stack[0]) != 0 {
					code = 1
				}
				get(ctx).exitCode = &code
				Logger().Debug("guest exit", zap.Uint32("code", code))
				_ = mod.CloseWithExitCode(ctx, code)
				panic(sys.NewExitError(code))
			},
		},
		{
			module: StdoutModule, name: "get-stdout",
			results: []api.ValueType{i32},
			fn: func(ctx context.Context, _ api.Module, stack []uint64) {
				stack[0] = api.EncodeU32(uint32(get(ctx).newStream(get(ctx).opts.Stdout)))
			},
		},
		{
			module: StderrModule, name: "get-stderr",
			results: []api.ValueType{i32},
			fn: func(ctx context.Context, _ api.Module, stack []uint64) {
				stack[0] = api.EncodeU32(uint32(get(ctx).newStream(get(ctx).opts.Stderr)))
			},
		},
		{
			module: StreamsModule, name: "[method]output-stream.blocking-write-and-flush",
			params: []api.ValueType{i32, i32, i32, i32},
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				c := get(ctx)
				self := resource.Handle(api.DecodeU32(stack[0]))
				data := read(mod, api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
				ret := api.DecodeU32(stack[3])
				l := newLowerer(ctx, mod)

				streams := resource.NewTyped[*outputStream](c.table, resource.KindOutputStream)
				s, ok := streams.Get(self)
				if !ok {
					// err(stream-error::closed)
					l.u8(ret, 1)
					l.u8(ret+4, 1)
					return
				}
				if _, err := s.w.Write(data); err != nil {
					Logger().Debug("guest stream write failed", zap.Error(err))
					l.u8(ret, 1)
					l.u8(ret+4, 1)
					return
				}
				l.u8(ret, 0)
			},
		},
		{
			module: StreamsModule, name: "[resource-drop]output-stream",
			params: []api.ValueType{i32},
			fn: func(ctx context.Context, _ api.Module, stack []uint64) {
				_, _ = get(ctx).table.Remove(resource.Handle(api.DecodeU32(stack[0])))
			},
		},
		{
			module: RandomModule, name: "get-random-u64",
			results: []api.ValueType{i64},
			fn: func(ctx context.Context, _ api.Module, stack []uint64) {
				var buf [8]byte
				if _, err := io.ReadFull(get(ctx).opts.Random, buf[:]); err != nil {
					panic(err)
				}
				stack[0] = binary.LittleEndian.Uint64(buf[:])
			},
		},
		{
			module: RandomModule, name: "get-random-bytes",
			params: []api.ValueType{i64, i32},
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				n := min(stack[0], MaxRandomBytes)
				buf := make([]byte, n)
				if _, err := io.ReadFull(get(ctx).opts.Random, buf); err != nil {
					panic(err)
				}
				l := newLowerer(ctx, mod)
				p, size := l.bytes(buf)
				ret := api.DecodeU32(stack[1])
				l.u32(ret, p)
				l.u32(ret+4, size)
			},
		},
		{
			module: MonotonicClockModule, name: "now",
			results: []api.ValueType{i64},
			fn: func(ctx context.Context, _ api.Module, stack []uint64) {
				stack[0] = uint64(time.Since(get(ctx).start).Nanoseconds())
			},
		},
		{
			module: MonotonicClockModule, name: "resolution",
			results: []api.ValueType{i64},
			fn: func(_ context.Context, _ api.Module, stack []uint64) {
				stack[0] = 1
			},
		},
		{
			module: WallClockModule, name: "now",
			params: []api.ValueType{i32},
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				now := time.Now()
				l := newLowerer(ctx, mod)
				ret := api.DecodeU32(stack[0])
				l.u64(ret, uint64(now.Unix()))
				l.u32(ret+8, uint32(now.Nanosecond()))
			},
		},
		{
			module: WallClockModule, name: "resolution",
			params: []api.ValueType{i32},
			fn: func(ctx context.Context, mod api.Module, stack []uint64) {
				l := newLowerer(ctx, mod)
				ret := api.DecodeU32(stack[0])
				l.u64(ret, 0)
				l.u32(ret+8, 1)
			},
		},
	}
}

func (c *Preview2Context) newStream(w io.Writer) resource.Handle {
	h, err := c.table.Insert(resource.KindOutputStream, &outputStream{w: w})
	if err != nil {
		panic(err)
	}
	return h
}
