// Package schedule assigns dispatch times to the tasks of a campaign.
package schedule

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
)

// Window is the span of the rolling rate cap. A dispatch at t counts
// towards every window (t-Window, t].
const Window = time.Hour

// Plan returns n due times starting at start. Consecutive entries are at
// least delay apart and no rolling Window holds more than hourlyLimit
// entries. The result is non-decreasing and never later than both
// constraints require.
func Plan(start time.Time, delay time.Duration, hourlyLimit int, n int) ([]time.Time, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: at least one task is required", domain.ErrValidation)
	}
	if start.IsZero() {
		return nil, fmt.Errorf("%w: start time is required", domain.ErrValidation)
	}
	if delay < 0 {
		return nil, fmt.Errorf("%w: delay must be >= 0", domain.ErrValidation)
	}
	if hourlyLimit < 1 {
		return nil, fmt.Errorf("%w: hourly limit must be >= 1", domain.ErrValidation)
	}

	due := make([]time.Time, n)
	due[0] = start
	for i := 1; i < n; i++ {
		candidate := due[i-1].Add(delay)
		if i >= hourlyLimit {
			// The entry hourlyLimit positions back must fall out of the window.
			if earliest := due[i-hourlyLimit].Add(Window); earliest.After(candidate) {
				candidate = earliest
			}
		}
		due[i] = candidate
	}

	return due, nil
}

// RetryDelay is the exponential backoff for the given attempt number,
// starting at base and capped at maxDelay.
func RetryDelay(attempt int, base time.Duration, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}

	return delay
}
