// Package epoch implements the shared tick counter used for cooperative
// deadline enforcement.
//
// A Counter has a single writer (a Ticker, or the embedder calling Increment
// at the same cadence) and any number of lock-free readers. Stores convert a
// wall-clock budget into a target epoch; WithDeadline returns a context that
// is cancelled once the counter moves past that target. The VM observes the
// cancellation at its checkpoints (function entries and loop headers).
//
//	c := epoch.NewCounter()
//	t := epoch.StartTicker(c, epoch.DefaultTickInterval)
//	defer t.Stop()
//
//	ctx, cancel := c.WithDeadline(ctx, c.Load()+epoch.Ticks(budget, epoch.DefaultTickInterval), errDeadline)
//	defer cancel()
package epoch
