// Package admission gates which jobs may attempt delivery at all: a
// failure-count circuit breaker and a day-scoped admission ramp. Both sit
// in front of the session state machine's own guard.
package admission

import (
	"log/slog"
	"sync"
	"time"
)

// Breaker counts consecutive delivery failures and opens once the
// threshold is reached. While open it rejects admission outright; after
// the cooldown it is eligible for a half-open reset.
type Breaker struct {
	mu            sync.Mutex
	count         int
	lastFailureAt time.Time
	open          bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and stays open for at least cooldown.
func NewBreaker(threshold int, cooldown time.Duration, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger,
	}
}

// SetNowFunc overrides the breaker's time source for tests.
func (b *Breaker) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// RecordFailure increments the failure count and returns true if this
// failure tripped the breaker open.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.count++
	b.lastFailureAt = b.now()
	if b.open || b.count < b.threshold {
		return false
	}
	b.open = true
	b.logger.Warn("circuit breaker opened", "failures", b.count, "cooldown", b.cooldown)
	return true
}

// RecordSuccess resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count = 0
}

// Open reports whether the breaker is currently open.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// CooldownElapsed reports whether the breaker is open and enough time has
// passed since the last failure for a half-open attempt.
func (b *Breaker) CooldownElapsed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open && b.now().Sub(b.lastFailureAt) > b.cooldown
}

// Reset closes the breaker and clears the failure count. Called on the
// half-open path once a resource reload has been requested.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.count = 0
	b.logger.Info("circuit breaker reset")
}

// FailureCount returns the current consecutive-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
