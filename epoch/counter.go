package epoch

import (
	"container/heap"
	"context"
	"math"
	"sync"
	"sync/atomic"
)

// shardCount spreads deadline waiters over independent locks.
const shardCount = 16

// Counter is a monotonically increasing tick counter shared by every store of
// an engine. Reads are lock-free. Deadline waiters registered with
// WithDeadline are cancelled once the counter moves past their target.
type Counter struct {
	value  atomic.Uint64
	next   atomic.Uint32
	shards [shardCount]shard
}

// shard is one lock and waiter heap. Registrations are spread round-robin,
// so concurrent stores setting deadlines rarely take the same lock.
type shard struct {
	// due is the smallest epoch at which some waiter must fire.
	due     atomic.Uint64
	waiters waiterHeap
	mu      sync.Mutex
}

// NewCounter creates a counter starting at zero.
func NewCounter() *Counter {
	c := &Counter{}
	for i := range c.shards {
		c.shards[i].due.Store(math.MaxUint64)
	}
	return c
}

// Load returns the current epoch.
func (c *Counter) Load() uint64 {
	return c.value.Load()
}

// Increment advances the epoch by one and fires any waiter whose target has
// been passed. It returns the new epoch.
func (c *Counter) Increment() uint64 {
	v := c.value.Add(1)
	for i := range c.shards {
		if s := &c.shards[i]; v >= s.due.Load() {
			s.fire(v)
		}
	}
	return v
}

// Pending returns the number of registered deadline waiters.
func (c *Counter) Pending() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.waiters)
		s.mu.Unlock()
	}
	return n
}

// Reached reports whether the epoch has moved past target.
func (c *Counter) Reached(target uint64) bool {
	return c.value.Load() > target
}

// WithDeadline derives a context that is cancelled with cause once the
// epoch moves past target. The returned CancelFunc must be called to release
// the waiter.
func (c *Counter) WithDeadline(parent context.Context, target uint64, cause error) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if c.Reached(target) {
		cancel(cause)
		return ctx, func() { cancel(context.Canceled) }
	}

	w := &waiter{fireAt: target + 1, cancel: cancel, cause: cause}
	s := &c.shards[c.next.Add(1)%shardCount]
	s.push(w)

	// An increment may have raced the registration.
	if c.Reached(target) {
		s.fire(c.value.Load())
	}

	return ctx, func() {
		s.remove(w)
		cancel(context.Canceled)
	}
}

func (s *shard) push(w *waiter) {
	s.mu.Lock()
	heap.Push(&s.waiters, w)
	s.due.Store(s.waiters[0].fireAt)
	s.mu.Unlock()
}

func (s *shard) fire(now uint64) {
	s.mu.Lock()
	var fired []*waiter
	for len(s.waiters) > 0 && s.waiters[0].fireAt <= now {
		fired = append(fired, heap.Pop(&s.waiters).(*waiter))
	}
	s.storeDueLocked()
	s.mu.Unlock()

	for _, w := range fired {
		w.cancel(w.cause)
	}
	if len(fired) > 0 {
		Logger().Debug("epoch deadlines fired")
	}
}

func (s *shard) remove(w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w.index < 0 {
		return
	}
	heap.Remove(&s.waiters, w.index)
	s.storeDueLocked()
}

func (s *shard) storeDueLocked() {
	if len(s.waiters) == 0 {
		s.due.Store(math.MaxUint64)
		return
	}
	s.due.Store(s.waiters[0].fireAt)
}

type waiter struct {
	cause  error
	cancel context.CancelCauseFunc
	fireAt uint64
	index  int
}

// waiterHeap is a min-heap of waiters ordered by fireAt.
type waiterHeap []*waiter

func (h waiterHeap) Len() int           { return len(h) }
func (h waiterHeap) Less(i, j int) bool { return h[i].fireAt < h[j].fireAt }

func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *waiterHeap) Push(x any) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}
