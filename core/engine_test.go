package core

import (
	"context"
	"fmt"
	stderrors "errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/hostcomponent"
	"github.com/wippyai/wasm-host/metrics"
	"github.com/wippyai/wasm-host/pool"
	"github.com/wippyai/wasm-host/wasi"
	"github.com/wippyai/wasm-host/wat"
)

func TestNewEngineBuilder_InvalidPoolOverrides(t *testing.T) {
	for _, knob := range pool.Knobs {
		for _, value := range []string{"0", "-1", "abc", "", "1.5"} {
			t.Run(knob.Name+"="+value, func(t *testing.T) {
				cfg := testConfig()
				cfg.LookupEnv = func(key string) (string, bool) {
					if key == knob.Env() {
						return value, true
					}
					return "", false
				}
				b, err := NewEngineBuilder[testState](context.Background(), cfg)
				require.Error(t, err)
				assert.Nil(t, b)
				assert.ErrorIs(t, err, errors.ErrInvalidConfig)
				assert.Contains(t, err.Error(), knob.Name)
			})
		}
	}
}

func TestNewEngineBuilder_ValidOverride(t *testing.T) {
	cfg := testConfig()
	cfg.LookupEnv = func(key string) (string, bool) {
		if key == "WASMHOST_INSTANCE_COUNT" {
			return "3", true
		}
		return "", false
	}
	e := newTestEngine(t, cfg)

	stats := e.PoolStats()
	assert.Equal(t, pool.StrategyPooling, stats.Strategy)
	assert.Equal(t, uint64(3), stats.Capacity)
}

func TestNewEngineBuilder_OnDemand(t *testing.T) {
	e := newTestEngine(t, testConfig().DisablePooling())
	assert.Equal(t, pool.StrategyOnDemand, e.PoolStats().Strategy)
}

func TestNewEngineBuilder_MemoryLimitPages(t *testing.T) {
	cfg := testConfig()
	cfg.MemoryLimitPages = maxMemoryLimitPages + 1
	_, err := NewEngineBuilder[testState](context.Background(), cfg)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestNewEngineBuilder_CacheDir(t *testing.T) {
	cfg := testConfig()
	cfg.CacheDir = t.TempDir()
	e := newTestEngine(t, cfg)

	pre, err := e.InstantiatePre(context.Background(), addProgram())
	require.NoError(t, err)
	assert.Equal(t, []string{"add"}, pre.Exports())
}

func TestEngineBuilder_UseAfterBuild(t *testing.T) {
	ctx := context.Background()
	b, err := NewEngineBuilder[testState](ctx, testConfig())
	require.NoError(t, err)
	e, err := b.Build(ctx)
	require.NoError(t, err)
	defer e.Close(ctx)

	err = b.LinkImport(func(*Linker[testState], func(*Data[testState]) *testState) error { return nil })
	assert.ErrorIs(t, err, errors.ErrFinalized)

	err = b.LinkModuleImport(func(*Linker[testState], func(*Data[testState]) *testState) error { return nil })
	assert.ErrorIs(t, err, errors.ErrFinalized)

	_, err = AddHostComponent[testState, counterData](b, counterComponent{})
	assert.ErrorIs(t, err, errors.ErrFinalized)

	_, err = b.Build(ctx)
	assert.ErrorIs(t, err, errors.ErrFinalized)
}

func TestEngineBuilder_InvalidTickInterval(t *testing.T) {
	ctx := context.Background()
	b, err := NewEngineBuilder[testState](ctx, testConfig())
	require.NoError(t, err)

	_, err = b.EpochTickInterval(0).Build(ctx)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestEngineBuilder_Ticker(t *testing.T) {
	cfg := testConfig()
	cfg.EpochTicker = true
	e := newTestEngine(t, cfg, func(b *EngineBuilder[testState]) {
		b.EpochTickInterval(time.Millisecond)
	})

	assert.True(t, e.TickerRunning())
	assert.Equal(t, time.Millisecond, e.TickInterval())
	require.Eventually(t, func() bool { return e.Epoch() >= 3 }, time.Second, time.Millisecond)
}

func TestEngine_IncrementEpoch(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.False(t, e.TickerRunning())
	assert.Equal(t, uint64(0), e.Epoch())
	assert.Equal(t, uint64(1), e.IncrementEpoch())
	assert.Equal(t, uint64(2), e.IncrementEpoch())
	assert.Equal(t, uint64(2), e.Epoch())
}

func TestInstantiatePre_MissingImport(t *testing.T) {
	e := newTestEngine(t, nil)
	program := callProgram("missing:host/api@1.0.0", "f", "run")

	var err error
	assert.NotPanics(t, func() {
		_, err = e.InstantiatePre(context.Background(), program)
	})
	require.Error(t, err)

	var missing *errors.MissingImportsError
	require.ErrorAs(t, err, &missing)
	require.Len(t, missing.Imports, 1)
	assert.Equal(t, "missing:host/api@1.0.0", missing.Imports[0].Module)
	assert.Equal(t, "f", missing.Imports[0].Function)
}

func TestInstantiatePre_TablesAreSeparate(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	// Preview2 interfaces are not visible to preview1 programs and the
	// other way round.
	random := wat.MustCompile(fmt.Sprintf(`(module (import %q "get-random-u64" (func (result i64))))`, wasi.RandomModule))
	_, err := e.ModuleInstantiatePre(ctx, random)
	assert.Error(t, err)

	exit := wat.MustCompile(fmt.Sprintf(`(module (import %q "proc_exit" (func (param i32))))`, wasi.Preview1ModuleName))
	_, err = e.InstantiatePre(ctx, exit)
	assert.Error(t, err)

	_, err = e.ModuleInstantiatePre(ctx, exit)
	assert.NoError(t, err)
}

func TestInstantiatePre_InvalidProgram(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.InstantiatePre(context.Background(), []byte("not wasm"))
	require.Error(t, err)

	var he *errors.Error
	require.True(t, stderrors.As(err, &he))
	assert.Equal(t, errors.PhaseLoad, he.Phase)
}

func TestInstantiatePre_PoolLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.InstanceTables = 1
	e := newTestEngine(t, cfg)

	twoTables := wat.MustCompile(`(module (table 1 funcref) (table 1 funcref))`)
	_, err := e.InstantiatePre(context.Background(), twoTables)
	assert.ErrorIs(t, err, errors.ErrPoolLimit)
	assert.Contains(t, err.Error(), "instance_tables")
}

func TestLinkImport_CallerData(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, func(b *EngineBuilder[testState]) {
		err := b.LinkImport(func(l *Linker[testState], get func(*Data[testState]) *testState) error {
			return l.Func("test:host/calls@1.0.0", "bump", func(_ context.Context, c *Caller[testState], stack []uint64) {
				st := get(c.Data())
				st.calls++
				stack[0] = api.EncodeI32(int32(st.calls))
			}, nil, []api.ValueType{api.ValueTypeI32})
		})
		require.NoError(t, err)
	})

	pre, err := e.InstantiatePre(ctx, callProgram("test:host/calls@1.0.0", "bump", "bump"))
	require.NoError(t, err)

	a := newStore(t, e, wasi.Preview2)
	b := newStore(t, e, wasi.Preview2)
	ia, err := pre.Instantiate(ctx, a)
	require.NoError(t, err)
	ib, err := pre.Instantiate(ctx, b)
	require.NoError(t, err)

	for range 3 {
		_, err := ia.Call(ctx, "bump")
		require.NoError(t, err)
	}
	res, err := ib.Call(ctx, "bump")
	require.NoError(t, err)

	assert.Equal(t, int32(1), api.DecodeI32(res[0]))
	assert.Equal(t, 3, a.Data().Inner().calls)
	assert.Equal(t, 1, b.Data().Inner().calls)
}

func TestLinkImport_SemverCompatibleImport(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, func(b *EngineBuilder[testState]) {
		require.NoError(t, b.LinkImport(func(l *Linker[testState], _ func(*Data[testState]) *testState) error {
			return l.DefineFunc("test:host/version@1.2.3", "get", func(_ context.Context, _ api.Module, stack []uint64) {
				stack[0] = api.EncodeI32(123)
			}, nil, []api.ValueType{api.ValueTypeI32})
		}))
	})

	pre, err := e.InstantiatePre(ctx, callProgram("test:host/version@1.2.0", "get", "get"))
	require.NoError(t, err)

	inst, err := pre.Instantiate(ctx, newStore(t, e, wasi.Preview2))
	require.NoError(t, err)
	res, err := inst.Call(ctx, "get")
	require.NoError(t, err)
	assert.Equal(t, int32(123), api.DecodeI32(res[0]))
}

func TestAddHostComponent_DisjointData(t *testing.T) {
	ctx := context.Background()
	var counter hostcomponent.Handle[counterData]
	var label hostcomponent.Handle[labelData]
	e := newTestEngine(t, nil, func(b *EngineBuilder[testState]) {
		var err error
		counter, err = AddHostComponent[testState, counterData](b, counterComponent{start: 10})
		require.NoError(t, err)
		label, err = AddHostComponent[testState, labelData](b, labelComponent{label: "abc"})
		require.NoError(t, err)
	})

	assert.NotEqual(t, counter.Index(), label.Index())

	found, ok := FindHostComponentHandle[counterData](e)
	require.True(t, ok)
	assert.Equal(t, counter, found)
	_, ok = FindHostComponentHandle[testState](e)
	assert.False(t, ok)

	s := newStore(t, e, wasi.Preview2)
	assert.Equal(t, int32(10), HostComponentData(s.Data(), counter).n)
	assert.Equal(t, "abc", HostComponentData(s.Data(), label).label)

	pre, err := e.InstantiatePre(ctx, callProgram(counterModule, "next", "next"))
	require.NoError(t, err)
	inst, err := pre.Instantiate(ctx, s)
	require.NoError(t, err)

	res, err := inst.Call(ctx, "next")
	require.NoError(t, err)
	assert.Equal(t, int32(11), api.DecodeI32(res[0]))
	assert.Equal(t, int32(11), HostComponentData(s.Data(), counter).n)
	assert.Equal(t, "abc", HostComponentData(s.Data(), label).label)
}

func TestAddHostComponent_AvailableToPreview1(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil, func(b *EngineBuilder[testState]) {
		_, err := AddHostComponent[testState, labelData](b, labelComponent{label: "hello"})
		require.NoError(t, err)
	})

	pre, err := e.ModuleInstantiatePre(ctx, callProgram(labelModule, "len", "len"))
	require.NoError(t, err)
	inst, err := pre.Instantiate(ctx, newStore(t, e, wasi.Preview1))
	require.NoError(t, err)

	res, err := inst.Call(ctx, "len")
	require.NoError(t, err)
	assert.Equal(t, int32(5), api.DecodeI32(res[0]))
}

func TestEngine_Metrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.Metrics = metrics.NewCollector(metrics.DefaultNamespace, reg, nil)
	e := newTestEngine(t, cfg)

	pre, err := e.InstantiatePre(ctx, spinProgram())
	require.NoError(t, err)
	s := newStore(t, e, wasi.Preview2)
	inst, err := pre.Instantiate(ctx, s)
	require.NoError(t, err)

	s.SetDeadline(0)
	e.IncrementEpoch()
	_, err = inst.Call(ctx, "ping")
	require.ErrorIs(t, err, errors.ErrDeadlineExceeded)

	count, err := testutil.GatherAndCount(reg, "wasmhost_instantiations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = testutil.GatherAndCount(reg, "wasmhost_deadline_traps_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
