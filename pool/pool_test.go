package pool

import (
	"context"
	stderrors "errors"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/wasm"
	"github.com/wippyai/wasm-host/wat"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(1000), cfg.InstanceCount)
	assert.Equal(t, uint64(10<<20), cfg.InstanceSize)
	assert.Equal(t, uint64(2), cfg.InstanceTables)
	assert.Equal(t, uint64(30000), cfg.InstanceTableElements)
	assert.Equal(t, uint64(1), cfg.InstanceMemories)
	assert.Equal(t, uint64(2<<20), cfg.LinearMemoryKeepResident)
	assert.Equal(t, uint64(512<<10), cfg.TableKeepResident)
}

func TestKnobs_EnvNames(t *testing.T) {
	var names []string
	for _, k := range Knobs {
		names = append(names, k.Env())
	}
	assert.Equal(t, []string{
		"WASMHOST_INSTANCE_COUNT",
		"WASMHOST_INSTANCE_SIZE",
		"WASMHOST_INSTANCE_TABLES",
		"WASMHOST_INSTANCE_TABLE_ELEMENTS",
		"WASMHOST_INSTANCE_MEMORIES",
		"WASMHOST_LINEAR_MEMORY_KEEP_RESIDENT",
		"WASMHOST_TABLE_KEEP_RESIDENT",
	}, names)
}

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(lookupFrom(map[string]string{
		"WASMHOST_INSTANCE_COUNT":      "4",
		"WASMHOST_TABLE_KEEP_RESIDENT": " 4096 ",
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), cfg.InstanceCount)
	assert.Equal(t, uint64(4096), cfg.TableKeepResident)
	assert.Equal(t, uint64(DefaultInstanceSize), cfg.InstanceSize)
}

func TestApplyEnv_RejectsInvalid(t *testing.T) {
	for _, k := range Knobs {
		for _, bad := range []string{"0", "-1", "ten", "", "1.5"} {
			t.Run(k.Name+"/"+bad, func(t *testing.T) {
				cfg := DefaultConfig()
				err := cfg.ApplyEnv(lookupFrom(map[string]string{k.Env(): bad}))
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrInvalidConfig)
				assert.Contains(t, err.Error(), k.Name)
			})
		}
	}
}

func TestParsePositive_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Uint64Range(1, 1<<62).Draw(t, "n")
		got, err := ParsePositive(strconv.FormatUint(n, 10))
		if err != nil || got != n {
			t.Fatalf("ParsePositive(%d) = %d, %v", n, got, err)
		}
	})
}

func TestValidate_Zero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InstanceMemories = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instance_memories")

	_, err = NewPooling(cfg)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestValidate_RejectsOverflow(t *testing.T) {
	tooBig := strconv.FormatUint(uint64(MaxKnobValue)+1, 10)
	for _, k := range Knobs {
		t.Run(k.Name, func(t *testing.T) {
			cfg := DefaultConfig()
			err := k.Set(&cfg, tooBig)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)

			*k.field(&cfg) = math.MaxUint64
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), k.Name)

			_, err = NewPooling(cfg)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	cfg.InstanceCount = 1 << 40
	cfg.InstanceMemories = 1 << 40
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "instance_memories")
}

func TestPooling_MaxInstanceCount(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Knobs[0].Set(&cfg, strconv.FormatUint(uint64(MaxKnobValue), 10)))
	p, err := NewPooling(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	slot, err := p.Reserve(ctx, Footprint{})
	require.NoError(t, err)
	slot.Release()
	assert.Equal(t, uint64(MaxKnobValue), p.Stats().Capacity)
}

func TestFootprintOf(t *testing.T) {
	m, err := wasm.ParseModule(wat.MustCompile(`(module
		(import "env" "a" (func))
		(import "env" "b" (func))
		(func) (func) (func)
		(table 10 funcref)
		(table 300 funcref)
		(memory 1)
		(global i32 (i32.const 0)))`))
	require.NoError(t, err)

	f := FootprintOf(m)
	assert.Equal(t, uint64(2), f.Tables)
	assert.Equal(t, uint64(300), f.TableElements)
	assert.Equal(t, uint64(1), f.Memories)
	assert.Equal(t, uint64(256+5*8+16+2*16+16), f.Size)
}

func TestPooling_Check(t *testing.T) {
	p, err := NewPooling(DefaultConfig())
	require.NoError(t, err)

	tests := []struct {
		name  string
		f     Footprint
		limit string
	}{
		{"tables", Footprint{Tables: 3}, "instance_tables"},
		{"elements", Footprint{TableElements: 30001}, "instance_table_elements"},
		{"memories", Footprint{Memories: 2}, "instance_memories"},
		{"size", Footprint{Size: 10<<20 + 1}, "instance_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Check(tt.f)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrPoolLimit)
			assert.Contains(t, err.Error(), tt.limit)
		})
	}
	assert.NoError(t, p.Check(Footprint{Tables: 2, Memories: 1, Size: 1024}))
}

func TestPooling_ReserveBlocksAtCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InstanceCount = 1
	p, err := NewPooling(cfg)
	require.NoError(t, err)

	slot, err := p.Reserve(context.Background(), Footprint{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Stats().InUse)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Reserve(ctx, Footprint{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPoolLimit)
	assert.True(t, stderrors.Is(err, context.DeadlineExceeded))

	done := make(chan *Slot)
	go func() {
		s, err := p.Reserve(context.Background(), Footprint{})
		if err == nil {
			done <- s
		}
		close(done)
	}()

	slot.Release()
	slot.Release()

	select {
	case s := <-done:
		require.NotNil(t, s)
		s.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter was not admitted after release")
	}
	assert.Equal(t, uint64(0), p.Stats().InUse)
	assert.Equal(t, uint64(2), p.Stats().Reserved)
}

func TestPooling_MemoryRecycled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LinearMemoryKeepResident = 4 * wasm.PageSize
	p, err := NewPooling(cfg)
	require.NoError(t, err)

	slot, err := p.Reserve(context.Background(), Footprint{})
	require.NoError(t, err)
	mem := slot.NewMemory(0, 4*wasm.PageSize)

	buf := mem.Reallocate(wasm.PageSize)
	require.Len(t, buf, wasm.PageSize)
	buf[10] = 0xAA

	grown := mem.Reallocate(2 * wasm.PageSize)
	require.Len(t, grown, 2*wasm.PageSize)
	assert.Equal(t, byte(0xAA), grown[10], "contents preserved across growth")
	assert.Nil(t, mem.Reallocate(5*wasm.PageSize), "growth past maximum")

	mem.Free()
	slot.Release()

	st := p.Stats()
	assert.GreaterOrEqual(t, st.WarmSlabs, 1)
	assert.Equal(t, cfg.TableKeepResident, st.TableKeepResident)

	slot, err = p.Reserve(context.Background(), Footprint{})
	require.NoError(t, err)
	defer slot.Release()
	reused := slot.NewMemory(0, 4*wasm.PageSize).Reallocate(2 * wasm.PageSize)
	for i, b := range reused {
		if b != 0 {
			t.Fatalf("recycled slab not zeroed at %d", i)
		}
	}
}

func TestPooling_WarmSlabAbsorbsGrowth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LinearMemoryKeepResident = 4 * wasm.PageSize
	p, err := NewPooling(cfg)
	require.NoError(t, err)

	slot, err := p.Reserve(context.Background(), Footprint{})
	require.NoError(t, err)
	mem := slot.NewMemory(0, 4*wasm.PageSize)

	first := mem.Reallocate(wasm.PageSize)
	assert.Equal(t, 4*wasm.PageSize, cap(first))
	for size := uint64(2); size <= 4; size++ {
		grown := mem.Reallocate(size * wasm.PageSize)
		require.Len(t, grown, int(size)*wasm.PageSize)
		assert.Same(t, &first[0], &grown[0], "growth within the slab reallocated")
	}
	mem.Free()
	slot.Release()
	require.Equal(t, 1, p.Stats().WarmSlabs)

	slot, err = p.Reserve(context.Background(), Footprint{})
	require.NoError(t, err)
	defer slot.Release()
	reused := slot.NewMemory(0, wasm.PageSize).Reallocate(wasm.PageSize)
	assert.Same(t, &first[0], &reused[0], "warm slab not reused")
	assert.Equal(t, 0, p.Stats().WarmSlabs)
}

func TestPooling_LargeSlabsNotKept(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LinearMemoryKeepResident = wasm.PageSize
	p, err := NewPooling(cfg)
	require.NoError(t, err)

	slot, err := p.Reserve(context.Background(), Footprint{})
	require.NoError(t, err)
	mem := slot.NewMemory(0, 8*wasm.PageSize)
	mem.Reallocate(4 * wasm.PageSize)
	mem.Free()
	slot.Release()

	assert.Equal(t, 0, p.Stats().WarmSlabs)
}

func TestOnDemand(t *testing.T) {
	a, err := New(false, Config{})
	require.NoError(t, err)
	assert.Equal(t, StrategyOnDemand, a.Strategy())
	assert.NoError(t, a.Check(Footprint{Tables: 100, Memories: 100}))

	var slots []*Slot
	for range 5 {
		s, err := a.Reserve(context.Background(), Footprint{})
		require.NoError(t, err)
		slots = append(slots, s)
	}
	assert.Equal(t, uint64(5), a.Stats().InUse)
	for _, s := range slots {
		s.Release()
	}
	assert.Equal(t, uint64(0), a.Stats().InUse)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Reserve(ctx, Footprint{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_SelectsPooling(t *testing.T) {
	a, err := New(true, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, StrategyPooling, a.Strategy())
	a.Close()
	assert.Equal(t, 0, a.Stats().WarmSlabs)
}
