// Package resilience holds the retry and timeout primitives shared by the
// bus subscriber and the pipeline shutdown path.
package resilience

import "time"

// Backoff computes capped exponential delays. Attempt 1 waits Initial,
// each further attempt doubles the delay until Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff starts at one second and caps at thirty.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second}
}

// Delay returns the wait before the given attempt. Attempts below 1 are treated as 1.
func (b Backoff) Delay(attempt int) time.Duration {
	initial, max := b.Initial, b.Max
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	if attempt <= 1 {
		return initial
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}
