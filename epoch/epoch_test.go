package epoch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"pgregory.net/rapid"
)

var errTest = errors.New("deadline")

func TestCounter_Increment(t *testing.T) {
	c := NewCounter()
	assert.Equal(t, uint64(0), c.Load())
	assert.Equal(t, uint64(1), c.Increment())
	assert.Equal(t, uint64(2), c.Increment())
	assert.Equal(t, uint64(2), c.Load())
}

func TestCounter_WithDeadline_FiresAfterTarget(t *testing.T) {
	c := NewCounter()
	ctx, cancel := c.WithDeadline(context.Background(), 2, errTest)
	defer cancel()

	c.Increment()
	c.Increment()
	require.NoError(t, ctx.Err(), "reaching the target must not fire")

	c.Increment()
	require.Error(t, ctx.Err())
	assert.ErrorIs(t, context.Cause(ctx), errTest)
	assert.Equal(t, 0, c.Pending())
}

func TestCounter_WithDeadline_AlreadyPassed(t *testing.T) {
	c := NewCounter()
	c.Increment()
	c.Increment()

	ctx, cancel := c.WithDeadline(context.Background(), 1, errTest)
	defer cancel()

	require.Error(t, ctx.Err())
	assert.ErrorIs(t, context.Cause(ctx), errTest)
	assert.Equal(t, 0, c.Pending())
}

func TestCounter_CancelRemovesWaiter(t *testing.T) {
	c := NewCounter()
	ctx1, cancel1 := c.WithDeadline(context.Background(), 5, errTest)
	_, cancel2 := c.WithDeadline(context.Background(), 1, errTest)
	require.Equal(t, 2, c.Pending())

	cancel2()
	assert.Equal(t, 1, c.Pending())

	for range 6 {
		c.Increment()
	}
	assert.ErrorIs(t, context.Cause(ctx1), errTest)
	cancel1()
	assert.Equal(t, 0, c.Pending())
}

func TestCounter_ConcurrentDeadlinesAcrossShards(t *testing.T) {
	c := NewCounter()
	const n = 4 * shardCount
	ctxs := make([]context.Context, n)
	cancels := make([]context.CancelFunc, n)

	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			ctxs[i], cancels[i] = c.WithDeadline(context.Background(), uint64(i%3), errTest)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, n, c.Pending())
	for i := range c.shards {
		assert.Len(t, c.shards[i].waiters, n/shardCount, "waiters spread round-robin")
	}

	for range 3 {
		c.Increment()
	}
	for i, ctx := range ctxs {
		assert.ErrorIs(t, context.Cause(ctx), errTest, "waiter %d", i)
		cancels[i]()
	}
	assert.Equal(t, 0, c.Pending())
}

func TestCounter_ParentCancellation(t *testing.T) {
	c := NewCounter()
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := c.WithDeadline(parent, 100, errTest)
	defer cancel()

	cancelParent()
	require.Error(t, ctx.Err())
	assert.NotErrorIs(t, context.Cause(ctx), errTest)
}

func TestCounter_DeadlineProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := NewCounter()
		start := rapid.Uint64Range(0, 50).Draw(t, "start")
		for range start {
			c.Increment()
		}
		ticks := rapid.Uint64Range(0, 50).Draw(t, "ticks")
		advance := rapid.Uint64Range(0, 60).Draw(t, "advance")

		ctx, cancel := c.WithDeadline(context.Background(), c.Load()+ticks, errTest)
		defer cancel()
		for range advance {
			c.Increment()
		}

		fired := ctx.Err() != nil
		if want := advance > ticks; fired != want {
			t.Fatalf("ticks=%d advance=%d fired=%v want=%v", ticks, advance, fired, want)
		}
	})
}

func TestTicks(t *testing.T) {
	tests := []struct {
		name     string
		budget   time.Duration
		interval time.Duration
		want     uint64
	}{
		{"zero", 0, 10 * time.Millisecond, 0},
		{"negative", -time.Second, 10 * time.Millisecond, 0},
		{"exact", 100 * time.Millisecond, 10 * time.Millisecond, 10},
		{"rounds up", 101 * time.Millisecond, 10 * time.Millisecond, 11},
		{"sub tick", time.Millisecond, 10 * time.Millisecond, 1},
		{"default interval", 20 * time.Millisecond, 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Ticks(tt.budget, tt.interval))
		})
	}
}

func TestTicker_AdvancesAndStops(t *testing.T) {
	c := NewCounter()
	tk := StartTicker(c, time.Millisecond)
	assert.Equal(t, time.Millisecond, tk.Interval())

	require.Eventually(t, func() bool { return c.Load() >= 3 }, time.Second, time.Millisecond)

	tk.Stop()
	stopped := c.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, stopped, c.Load(), "counter advanced after Stop")

	// Stop is idempotent.
	tk.Stop()
}

func TestStartTicker_InvalidInterval(t *testing.T) {
	assert.Panics(t, func() { StartTicker(NewCounter(), 0) })
}
