// Package backoff computes capped exponential delays.
//
// The same formula drives bridge reconnection and webhook redelivery, each
// with its own Policy:
//
//	delay(n) = min(initial * 2^n, max)
package backoff

import "time"

// maxShift keeps initial<<n inside int64 for any sane initial delay.
const maxShift = 62

// Policy is an initial delay and a cap.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the delay for attempt n under p.
func (p Policy) Delay(n int) time.Duration {
	return Delay(n, p.Initial, p.Max)
}

// Delay returns min(initial * 2^n, max). Negative n is treated as 0 and a
// non-positive max disables the cap.
func Delay(n int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		return 0
	}
	if n < 0 {
		n = 0
	}
	if n > maxShift {
		n = maxShift
	}
	d := initial << uint(n)
	// Overflow wraps negative or shrinks below initial.
	if d <= 0 || d>>uint(n) != initial {
		if max > 0 {
			return max
		}
		return time.Duration(1<<63 - 1)
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
