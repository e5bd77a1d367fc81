package core

import (
	"sync/atomic"

	"github.com/tetratelabs/wazero/experimental"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-host/metrics"
	"github.com/wippyai/wasm-host/pool"
)

// limiter tracks the linear memory a store has been granted. consumed only
// grows; memory released by a closed instance is not credited back.
type limiter struct {
	metrics  *metrics.Collector
	max      uint64
	consumed atomic.Uint64
}

func newLimiter(max uint64, m *metrics.Collector) *limiter {
	return &limiter{max: max, metrics: m}
}

// Consumed returns the approved bytes so far.
func (l *limiter) Consumed() uint64 {
	return l.consumed.Load()
}

// fits reports whether n more bytes would stay within the ceiling.
func (l *limiter) fits(n uint64) bool {
	if l.max == 0 {
		return true
	}
	cur := l.consumed.Load()
	return cur+n >= cur && cur+n <= l.max
}

// grow approves delta bytes or denies the request.
func (l *limiter) grow(delta uint64) bool {
	for {
		cur := l.consumed.Load()
		next := cur + delta
		if next < cur || (l.max > 0 && next > l.max) {
			l.metrics.RecordMemoryDenied()
			Logger().Debug("memory growth denied",
				zap.Uint64("requested", delta),
				zap.Uint64("consumed", cur),
				zap.Uint64("max", l.max))
			return false
		}
		if l.consumed.CompareAndSwap(cur, next) {
			l.metrics.RecordMemoryGrowth(delta)
			return true
		}
	}
}

// instanceMemory backs one instance's linear memories with pool memory and
// charges every growth to the store's limiter. Backing returns to the pool
// in release, once the instance can no longer run.
type instanceMemory struct {
	slot     *pool.Slot
	limiter  *limiter
	memories []*limitedMemory
}

func (a *instanceMemory) Allocate(capacity, maximum uint64) experimental.LinearMemory {
	m := &limitedMemory{
		mem:     a.slot.NewMemory(capacity, maximum),
		limiter: a.limiter,
		max:     maximum,
	}
	a.memories = append(a.memories, m)
	return m
}

func (a *instanceMemory) release() {
	for _, m := range a.memories {
		m.mem.Free()
	}
	a.memories = nil
	a.slot.Release()
}

type limitedMemory struct {
	mem     *pool.Memory
	limiter *limiter
	size    uint64
	max     uint64
}

// Reallocate returns nil when the growth is refused, which wazero turns
// into memory.grow returning -1.
func (m *limitedMemory) Reallocate(size uint64) []byte {
	if size > m.max {
		return nil
	}
	if size > m.size && !m.limiter.grow(size-m.size) {
		return nil
	}
	buf := m.mem.Reallocate(size)
	if buf != nil && size > m.size {
		m.size = size
	}
	return buf
}

// Free is a no-op; see instanceMemory.release.
func (m *limitedMemory) Free() {}
