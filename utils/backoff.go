package utils

import "time"

const maxBackoffShift = 16

/**
 * ExponentialBackoff doubles the base wait per prior attempt, capped.
 * attempt is 1-based: the wait before attempt 2 is base, before
 * attempt 3 is 2*base, and so on.
 */
func ExponentialBackoff(base time.Duration, attempt int, cap time.Duration) time.Duration {
	if base <= 0 || attempt <= 1 {
		return base
	}
	shift := attempt - 2
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	d := base << uint(shift)
	if cap > 0 && d > cap {
		return cap
	}
	return d
}
