package outbound_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-host/core"
	"github.com/wippyai/wasm-host/hostcomponent"
	"github.com/wippyai/wasm-host/outbound"
	"github.com/wippyai/wasm-host/wasi"
	"github.com/wippyai/wasm-host/wat"
)

// checkProgram exports check(addr_ptr, addr_len) -> i32 for the http scheme
// stored at offset 0.
func checkProgram() []byte {
	return wat.MustCompile(fmt.Sprintf(`(module
		(import %q "check" (func $check (param i32 i32 i32 i32) (result i32)))
		(memory (export "memory") 1)
		(data (i32.const 0) "http")
		(data (i32.const 16) "localhost:8080")
		(data (i32.const 32) "localhost:9090")
		(func (export "check") (param i32 i32) (result i32)
			(call $check (local.get 0) (local.get 1) (i32.const 0) (i32.const 4))))`, outbound.ModuleName))
}

func TestComponent_Check(t *testing.T) {
	ctx := context.Background()
	cfg := core.DefaultConfig()
	cfg.LookupEnv = core.NoEnv
	cfg.EpochTicker = false

	b, err := core.NewEngineBuilder[struct{}](ctx, cfg)
	require.NoError(t, err)
	defaults, err := outbound.ParseAllowlist([]string{"http://localhost:8080"})
	require.NoError(t, err)
	h, err := core.AddHostComponent[struct{}, outbound.Data](b, outbound.NewComponent(defaults))
	require.NoError(t, err)
	e, err := b.Build(ctx)
	require.NoError(t, err)
	defer e.Close(ctx)

	pre, err := e.InstantiatePre(ctx, checkProgram())
	require.NoError(t, err)

	call := func(s *core.Store[struct{}], ptr, n uint32) int32 {
		inst, err := pre.Instantiate(ctx, s)
		require.NoError(t, err)
		defer inst.Close(ctx)
		res, err := inst.Call(ctx, "check", uint64(ptr), uint64(n))
		require.NoError(t, err)
		return api.DecodeI32(res[0])
	}

	s, err := e.StoreBuilder(wasi.Preview2).Build(struct{}{})
	require.NoError(t, err)
	defer s.Close(ctx)
	assert.Equal(t, outbound.Allowed, call(s, 16, 14))
	assert.Equal(t, outbound.Denied, call(s, 32, 14))
	assert.Equal(t, outbound.Malformed, call(s, 1<<20, 4))

	sb := e.StoreBuilder(wasi.Preview2)
	hostcomponent.Set(sb.HostComponentsData(), h, outbound.Data{Allowed: outbound.AllowAll})
	open, err := sb.Build(struct{}{})
	require.NoError(t, err)
	defer open.Close(ctx)
	assert.Equal(t, outbound.Allowed, call(open, 32, 14))
}
