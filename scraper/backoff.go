package scraper

import "time"

// Backoff doubles base per attempt, capped at max when max is positive.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := base * time.Duration(1<<shift)
	if max > 0 && (delay > max || delay <= 0) {
		delay = max
	}
	return delay
}
