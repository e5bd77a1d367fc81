package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/hostcomponent"
	"github.com/wippyai/wasm-host/wasi"
	"github.com/wippyai/wasm-host/wat"
)

func TestInstancePre_ConcurrentInstantiate(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	pre, err := e.InstantiatePre(ctx, randomProgram())
	require.NoError(t, err)

	const n = 16
	var mu sync.Mutex
	modules := make(map[api.Module]bool)

	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			s, err := e.StoreBuilder(wasi.Preview2).Build(testState{})
			if err != nil {
				return err
			}
			defer s.Close(gctx)

			copied := pre
			inst, err := copied.Instantiate(gctx, s)
			if err != nil {
				return err
			}
			res, err := inst.Call(gctx, "add", uint64(i), 1000)
			if err != nil {
				return err
			}
			if got := api.DecodeI32(res[0]); got != int32(i+1000) {
				t.Errorf("instance %d: add returned %d", i, got)
			}
			if _, err := inst.Call(gctx, "rand"); err != nil {
				return err
			}

			mu.Lock()
			modules[inst.Module()] = true
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, modules, n)
	assert.Equal(t, uint64(0), e.PoolStats().InUse)
	assert.Equal(t, uint64(n), e.PoolStats().Reserved)
}

func TestInstance_SingleSlotIsolation(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Pool.InstanceCount = 1

	var h hostcomponent.Handle[counterData]
	e := newTestEngine(t, cfg, func(b *EngineBuilder[testState]) {
		var err error
		h, err = AddHostComponent[testState, counterData](b, counterComponent{})
		require.NoError(t, err)
	})

	// Two independently loaded programs.
	counterPre, err := e.InstantiatePre(ctx, callProgram(counterModule, "next", "next"))
	require.NoError(t, err)
	growPre, err := e.InstantiatePre(ctx, growProgram(1))
	require.NoError(t, err)

	type outcome struct {
		consumed uint64
		counter  int32
	}
	run := func(pre InstancePre[testState], fn string, arg []uint64) (outcome, error) {
		s, err := e.StoreBuilder(wasi.Preview2).MaxMemorySize(8 * pageSize).Build(testState{})
		if err != nil {
			return outcome{}, err
		}
		defer s.Close(ctx)

		inst, err := pre.Instantiate(ctx, s)
		if err != nil {
			return outcome{}, err
		}
		defer inst.Close(ctx)
		if _, err := inst.Call(ctx, fn, arg...); err != nil {
			return outcome{}, err
		}
		return outcome{
			consumed: s.MemoryConsumed(),
			counter:  HostComponentData(s.Data(), h).n,
		}, nil
	}

	var a, b outcome
	var g errgroup.Group
	g.Go(func() (err error) {
		a, err = run(counterPre, "next", nil)
		return err
	})
	g.Go(func() (err error) {
		b, err = run(growPre, "grow", []uint64{2})
		return err
	})
	require.NoError(t, g.Wait())

	assert.Equal(t, outcome{consumed: pageSize, counter: 1}, a)
	assert.Equal(t, outcome{consumed: 3 * pageSize, counter: 0}, b)
	assert.Equal(t, uint64(0), e.PoolStats().InUse)
}

func TestInstantiate_WaitsForSlot(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Pool.InstanceCount = 1
	e := newTestEngine(t, cfg)
	pre, err := e.InstantiatePre(ctx, addProgram())
	require.NoError(t, err)

	s := newStore(t, e, wasi.Preview2)
	first, err := pre.Instantiate(ctx, s)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = pre.Instantiate(waitCtx, s)
	require.ErrorIs(t, err, errors.ErrPoolLimit)

	released := make(chan error, 1)
	go func() {
		inst, err := pre.Instantiate(ctx, s)
		if err == nil {
			err = inst.Close(ctx)
		}
		released <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, first.Close(ctx))

	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiting Instantiate did not get the released slot")
	}
}

func TestInstantiate_MismatchPanics(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	other := newTestEngine(t, nil)

	pre, err := e.InstantiatePre(ctx, addProgram())
	require.NoError(t, err)

	assert.Panics(t, func() { _, _ = pre.Instantiate(ctx, newStore(t, e, wasi.Preview1)) })
	assert.Panics(t, func() { _, _ = pre.Instantiate(ctx, newStore(t, other, wasi.Preview2)) })
	assert.Panics(t, func() { _, _ = InstancePre[testState]{}.Instantiate(ctx, newStore(t, e, wasi.Preview2)) })
}

func TestInstantiate_RunsInitialize(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	program := wat.MustCompile(`(module
		(memory 1)
		(func (export "_initialize") (i32.store (i32.const 0) (i32.const 42)))
		(func (export "get") (result i32) (i32.load (i32.const 0))))`)

	pre, err := e.InstantiatePre(ctx, program)
	require.NoError(t, err)
	inst, err := pre.Instantiate(ctx, newStore(t, e, wasi.Preview2))
	require.NoError(t, err)

	res, err := inst.Call(ctx, "get")
	require.NoError(t, err)
	assert.Equal(t, int32(42), api.DecodeI32(res[0]))
}

func TestInstance_Preview2Exit(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	program := wat.MustCompile(fmt.Sprintf(`(module
		(import %q "exit" (func $exit (param i32)))
		(func (export "fail") (call $exit (i32.const 1))))`, wasi.ExitModule))

	pre, err := e.InstantiatePre(ctx, program)
	require.NoError(t, err)
	s := newStore(t, e, wasi.Preview2)
	inst, err := pre.Instantiate(ctx, s)
	require.NoError(t, err)

	_, err = inst.Call(ctx, "fail")
	require.Error(t, err)
	code, ok := errors.ExitCode(err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), code)

	recorded, ok := s.Data().WasiPreview2().ExitCode()
	require.True(t, ok)
	assert.Equal(t, uint32(1), recorded)
}

func TestInstance_Preview1StdoutAndExit(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	// fd_write(stdout, iovs=0, 1 iovec, nwritten=8) with iovec {ptr: 16, len: 2}.
	program := wat.MustCompile(`(module
		(import "wasi_snapshot_preview1" "fd_write" (func $fd_write (param i32 i32 i32 i32) (result i32)))
		(import "wasi_snapshot_preview1" "proc_exit" (func $proc_exit (param i32)))
		(memory (export "memory") 1)
		(data (i32.const 0) "\10\00\00\00\02\00\00\00")
		(data (i32.const 16) "hi")
		(func (export "_start")
			(drop (call $fd_write (i32.const 1) (i32.const 0) (i32.const 1) (i32.const 8)))
			(call $proc_exit (i32.const 3))))`)

	pre, err := e.ModuleInstantiatePre(ctx, program)
	require.NoError(t, err)

	b := e.StoreBuilder(wasi.Preview1).Args("prog", "--flag").Env("KEY", "value")
	out := b.StdoutBuffered()
	s, err := b.Build(testState{})
	require.NoError(t, err)
	defer s.Close(ctx)

	inst, err := pre.Instantiate(ctx, s)
	require.NoError(t, err)

	_, err = inst.Call(ctx, "_start")
	code, ok := errors.ExitCode(err)
	require.True(t, ok, "expected exit error, got %v", err)
	assert.Equal(t, uint32(3), code)
	assert.Equal(t, "hi", out.String())
	assert.Equal(t, []string{"prog", "--flag"}, s.Data().WasiPreview1().Args())
}

func TestInstance_CallErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)
	pre, err := e.InstantiatePre(ctx, addProgram())
	require.NoError(t, err)

	inst, err := pre.Instantiate(ctx, newStore(t, e, wasi.Preview2))
	require.NoError(t, err)
	require.NotNil(t, inst.Memory())

	_, err = inst.Call(ctx, "missing")
	var he *errors.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, errors.KindNotFound, he.Kind)

	require.NoError(t, inst.Close(ctx))
	require.NoError(t, inst.Close(ctx))
	_, err = inst.Call(ctx, "add", 1, 2)
	assert.Error(t, err)
}

func TestInstance_GuestTrap(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, nil)

	program := wat.MustCompile(`(module
		(memory 1)
		(func (export "oob") (result i32) (i32.load (i32.const 1048576))))`)

	pre, err := e.InstantiatePre(ctx, program)
	require.NoError(t, err)
	inst, err := pre.Instantiate(ctx, newStore(t, e, wasi.Preview2))
	require.NoError(t, err)

	_, err = inst.Call(ctx, "oob")
	var he *errors.Error
	require.ErrorAs(t, err, &he)
	assert.Equal(t, errors.KindTrap, he.Kind)
	assert.Equal(t, errors.PhaseRuntime, he.Phase)
}
