package events

import (
	"sync"
	"time"
)

// BreakerState is the state of the broker circuit breaker.
type BreakerState int

const (
	// BreakerClosed lets every publish through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen drops publishes until the cooldown has passed.
	BreakerOpen
	// BreakerHalfOpen lets a trial publish through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// Breaker stops publishing to a broker that keeps failing. It opens after
// threshold consecutive failures, stays open for cooldown, then admits trial
// publishes: one success closes it again, one failure reopens it. It is safe
// for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	now       func() time.Time
}

// NewBreaker creates a closed breaker. Non-positive arguments fall back to 5
// failures and 30s.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a publish may be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current() != BreakerOpen
}

// Success records a delivered publish.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}

// Failure records a failed publish and reports whether it opened the breaker.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.current() {
	case BreakerHalfOpen:
		b.open()
		return true
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.open()
			return true
		}
	}
	return false
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// current must be called with b.mu held.
func (b *Breaker) current() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = BreakerHalfOpen
	}
	return b.state
}

// open must be called with b.mu held.
func (b *Breaker) open() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
}
