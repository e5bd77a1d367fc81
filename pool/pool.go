package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/wippyai/wasm-host/errors"
	"github.com/wippyai/wasm-host/wasm"
)

// Strategy names an allocation strategy.
type Strategy string

const (
	StrategyPooling  Strategy = "pooling"
	StrategyOnDemand Strategy = "on-demand"
)

// Per-instance bookkeeping estimate used against InstanceSize.
const (
	instanceBaseSize = 256
	funcEntrySize    = 8
	globalEntrySize  = 16
	tableEntrySize   = 16
	memoryEntrySize  = 16
)

// Footprint is what one instance of a module claims from the allocator.
type Footprint struct {
	Tables        uint64
	TableElements uint64
	Memories      uint64
	Size          uint64
}

// FootprintOf derives the footprint from a decoded module.
func FootprintOf(m *wasm.Module) Footprint {
	funcs := uint64(m.NumImportedFuncs() + len(m.Funcs))
	globals := uint64(m.NumImportedGlobals() + len(m.Globals))
	tables := uint64(m.NumImportedTables() + len(m.Tables))
	memories := uint64(m.NumImportedMemories() + len(m.Memories))
	return Footprint{
		Tables:        tables,
		TableElements: m.MaxTableElements(),
		Memories:      memories,
		Size: instanceBaseSize +
			funcs*funcEntrySize +
			globals*globalEntrySize +
			tables*tableEntrySize +
			memories*memoryEntrySize,
	}
}

// Stats is a point-in-time view of an allocator.
type Stats struct {
	Strategy          Strategy
	Capacity          uint64
	InUse             uint64
	Reserved          uint64
	WarmSlabs         int
	WarmBytes         uint64
	TableKeepResident uint64
}

// Allocator hands out instance slots and linear memory backing.
type Allocator interface {
	// Strategy reports which strategy the allocator implements.
	Strategy() Strategy
	// Check reports whether a module with footprint f can ever be placed.
	Check(f Footprint) error
	// Reserve blocks until a slot is free or ctx is done.
	Reserve(ctx context.Context, f Footprint) (*Slot, error)
	// Stats returns current usage.
	Stats() Stats
	// Close drops warm memory. Outstanding slots remain valid.
	Close()
}

// Slot is one reserved instance place. Release must be called once the
// instance is gone; further calls are no-ops.
type Slot struct {
	release  func()
	recycle  func([]byte)
	obtain   func(uint64) []byte
	released atomic.Bool
}

// NewMemory returns linear memory backing drawn from this slot.
func (s *Slot) NewMemory(capacity, maximum uint64) *Memory {
	return &Memory{slot: s, capacity: capacity, max: maximum}
}

// Release returns the slot to its allocator.
func (s *Slot) Release() {
	if s.released.CompareAndSwap(false, true) && s.release != nil {
		s.release()
	}
}

// Memory is a growable linear memory buffer. It satisfies wazero's
// experimental.LinearMemory.
type Memory struct {
	slot     *Slot
	buf      []byte
	capacity uint64
	max      uint64
}

// Reallocate resizes the buffer to size bytes, preserving contents. It
// returns nil when size exceeds the memory maximum. Capacity at least
// doubles on each reallocation.
func (m *Memory) Reallocate(size uint64) []byte {
	if size > m.max {
		return nil
	}
	if size < uint64(len(m.buf)) {
		clear(m.buf[size:])
	}
	if size <= uint64(cap(m.buf)) {
		m.buf = m.buf[:size]
		return m.buf
	}
	want := min(max(size, m.capacity, 2*uint64(cap(m.buf))), m.max)
	next := m.slot.obtain(want)[:size]
	copy(next, m.buf)
	if m.buf != nil {
		m.slot.recycle(m.buf)
	}
	m.buf = next
	return m.buf
}

// Free hands the buffer back to the allocator.
func (m *Memory) Free() {
	if m.buf != nil {
		m.slot.recycle(m.buf)
		m.buf = nil
	}
}

// Pooling bounds live instances with a semaphore and keeps released
// memory slabs warm for the next instance.
type Pooling struct {
	cfg      Config
	sem      *semaphore.Weighted
	free     [][]byte
	maxWarm  uint64
	inUse    atomic.Int64
	reserved atomic.Uint64
	mu       sync.Mutex
}

// NewPooling validates cfg and creates a pooling allocator.
func NewPooling(cfg Config) (*Pooling, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	Logger().Debug("pooling allocator created",
		zap.Uint64("instance_count", cfg.InstanceCount),
		zap.Uint64("linear_memory_keep_resident", cfg.LinearMemoryKeepResident))
	return &Pooling{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.InstanceCount)),
		maxWarm: cfg.InstanceCount * cfg.InstanceMemories,
	}, nil
}

func (p *Pooling) Strategy() Strategy { return StrategyPooling }

// Config returns the pool sizing.
func (p *Pooling) Config() Config { return p.cfg }

func (p *Pooling) Check(f Footprint) error {
	switch {
	case f.Tables > p.cfg.InstanceTables:
		return errors.PoolLimit("instance_tables", f.Tables, p.cfg.InstanceTables)
	case f.TableElements > p.cfg.InstanceTableElements:
		return errors.PoolLimit("instance_table_elements", f.TableElements, p.cfg.InstanceTableElements)
	case f.Memories > p.cfg.InstanceMemories:
		return errors.PoolLimit("instance_memories", f.Memories, p.cfg.InstanceMemories)
	case f.Size > p.cfg.InstanceSize:
		return errors.PoolLimit("instance_size", f.Size, p.cfg.InstanceSize)
	}
	return nil
}

func (p *Pooling) Reserve(ctx context.Context, f Footprint) (*Slot, error) {
	if err := p.Check(f); err != nil {
		return nil, err
	}
	if !p.sem.TryAcquire(1) {
		Logger().Debug("instance pool exhausted, waiting",
			zap.Uint64("instance_count", p.cfg.InstanceCount))
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, errors.New(errors.PhaseInstantiate, errors.KindPoolLimit).
				Detail("waiting for a free instance slot").
				Cause(err).
				Build()
		}
	}
	p.inUse.Add(1)
	p.reserved.Add(1)
	return &Slot{
		release: func() {
			p.inUse.Add(-1)
			p.sem.Release(1)
		},
		obtain:  p.obtain,
		recycle: p.recycle,
	}, nil
}

// obtain returns a zeroed buffer of n bytes. Requests up to
// LinearMemoryKeepResident get a slab of exactly that capacity, so every
// warm slab fits them and growth within the slab never copies. Larger
// requests are allocated as asked and never kept.
func (p *Pooling) obtain(n uint64) []byte {
	keep := p.cfg.LinearMemoryKeepResident
	if n > keep {
		return make([]byte, n)
	}
	p.mu.Lock()
	if last := len(p.free) - 1; last >= 0 {
		b := p.free[last]
		p.free[last] = nil
		p.free = p.free[:last]
		p.mu.Unlock()
		return b[:n]
	}
	p.mu.Unlock()
	return make([]byte, n, keep)
}

// recycle keeps b warm when it is a resident slab. Bytes past len(b) were
// never handed out, so clearing up to len leaves the whole slab zeroed.
func (p *Pooling) recycle(b []byte) {
	if uint64(cap(b)) != p.cfg.LinearMemoryKeepResident {
		return
	}
	clear(b)

	p.mu.Lock()
	defer p.mu.Unlock()
	if uint64(len(p.free)) >= p.maxWarm {
		return
	}
	p.free = append(p.free, b[:0])
}

func (p *Pooling) Stats() Stats {
	p.mu.Lock()
	warm := len(p.free)
	var bytes uint64
	for _, b := range p.free {
		bytes += uint64(cap(b))
	}
	p.mu.Unlock()
	return Stats{
		Strategy:          StrategyPooling,
		Capacity:          p.cfg.InstanceCount,
		InUse:             uint64(p.inUse.Load()),
		Reserved:          p.reserved.Load(),
		WarmSlabs:         warm,
		WarmBytes:         bytes,
		TableKeepResident: p.cfg.TableKeepResident,
	}
}

func (p *Pooling) Close() {
	p.mu.Lock()
	p.free = nil
	p.mu.Unlock()
}

// OnDemand allocates fresh memory for every instance and releases it
// entirely afterwards. It enforces no per-instance limits.
type OnDemand struct {
	inUse    atomic.Int64
	reserved atomic.Uint64
}

// NewOnDemand creates an on-demand allocator.
func NewOnDemand() *OnDemand {
	return &OnDemand{}
}

func (o *OnDemand) Strategy() Strategy { return StrategyOnDemand }

func (o *OnDemand) Check(Footprint) error { return nil }

func (o *OnDemand) Reserve(ctx context.Context, _ Footprint) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.inUse.Add(1)
	o.reserved.Add(1)
	return &Slot{
		release: func() { o.inUse.Add(-1) },
		obtain:  func(n uint64) []byte { return make([]byte, n) },
		recycle: func([]byte) {},
	}, nil
}

func (o *OnDemand) Stats() Stats {
	return Stats{
		Strategy: StrategyOnDemand,
		InUse:    uint64(o.inUse.Load()),
		Reserved: o.reserved.Load(),
	}
}

func (o *OnDemand) Close() {}

// New builds the allocator selected by pooling.
func New(pooling bool, cfg Config) (Allocator, error) {
	if !pooling {
		return NewOnDemand(), nil
	}
	return NewPooling(cfg)
}
