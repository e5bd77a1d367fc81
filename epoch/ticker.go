package epoch

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTickInterval is the default period between epoch increments.
const DefaultTickInterval = 10 * time.Millisecond

// Ticker advances a Counter once per interval on its own goroutine.
// Stop closes the shutdown signal; the loop exits within one interval.
type Ticker struct {
	signal   chan struct{}
	done     chan struct{}
	once     sync.Once
	interval time.Duration
}

// StartTicker spawns the tick loop for c.
func StartTicker(c *Counter, interval time.Duration) *Ticker {
	if interval <= 0 {
		panic(fmt.Sprintf("epoch: tick interval must be positive, got %s", interval))
	}
	t := &Ticker{
		signal:   make(chan struct{}),
		done:     make(chan struct{}),
		interval: interval,
	}
	go t.loop(c)
	Logger().Debug("epoch ticker started", zap.Duration("interval", interval))
	return t
}

// Interval returns the tick period.
func (t *Ticker) Interval() time.Duration {
	return t.interval
}

// Stop signals the loop to exit and waits for it.
func (t *Ticker) Stop() {
	t.once.Do(func() {
		close(t.signal)
	})
	<-t.done
}

func (t *Ticker) loop(c *Counter) {
	defer close(t.done)

	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	for {
		select {
		case _, ok := <-t.signal:
			if !ok {
				Logger().Debug("epoch ticker stopped", zap.Uint64("epoch", c.Load()))
				return
			}
			// Nothing ever sends on signal; a value means the timing
			// primitive is corrupted.
			panic("epoch: unexpected ticker signal")
		case <-tk.C:
			c.Increment()
		}
	}
}
