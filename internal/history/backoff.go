package history

import (
	"sync"
	"time"
)

// Backoff tracks consecutive persistence failures and spaces out retries
// exponentially.
type Backoff struct {
	mu       sync.RWMutex
	failures int
	lastFail time.Time

	// Configuration
	maxRetries     int           // Doublings before the delay is capped
	baseDelay      time.Duration // Delay after the first failure
	maxDelay       time.Duration
	resetThreshold time.Duration // Quiet period after which failures are forgotten

	now func() time.Time
}

// NewBackoff creates a backoff with a 1s base delay capped at 5m
func NewBackoff() *Backoff {
	return &Backoff{
		maxRetries:     8,
		baseDelay:      time.Second,
		maxDelay:       5 * time.Minute,
		resetThreshold: 10 * time.Minute,
		now:            time.Now,
	}
}

// RecordSuccess clears the failure count
func (b *Backoff) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.lastFail = time.Time{}
}

// RecordFailure records a failed attempt
func (b *Backoff) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFail = b.now()
}

// Failures returns the number of consecutive failures
func (b *Backoff) Failures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failures
}

// Delay returns how long to wait after the last failure before trying again
func (b *Backoff) Delay() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.failures == 0 {
		return 0
	}
	if b.now().Sub(b.lastFail) > b.resetThreshold {
		return 0
	}

	// baseDelay * 2^(failures-1)
	delay := b.baseDelay
	for i := 0; i < b.failures-1 && i < b.maxRetries; i++ {
		delay *= 2
		if delay > b.maxDelay {
			return b.maxDelay
		}
	}
	return delay
}

// ShouldAttempt reports whether the delay since the last failure has elapsed
func (b *Backoff) ShouldAttempt() bool {
	delay := b.Delay()
	if delay == 0 {
		return true
	}

	b.mu.RLock()
	lastFail := b.lastFail
	b.mu.RUnlock()
	return b.now().Sub(lastFail) >= delay
}

// NextAttempt returns the earliest time a retry is allowed
func (b *Backoff) NextAttempt() time.Time {
	delay := b.Delay()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if delay == 0 {
		return b.now()
	}
	return b.lastFail.Add(delay)
}
