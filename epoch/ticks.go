package epoch

import "time"

// Ticks converts a wall-clock budget into whole ticks, rounding up.
// Non-positive budgets yield zero ticks.
func Ticks(budget, interval time.Duration) uint64 {
	if budget <= 0 {
		return 0
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	n := budget / interval
	if budget%interval != 0 {
		n++
	}
	return uint64(n)
}
