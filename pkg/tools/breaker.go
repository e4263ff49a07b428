package tools

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerConfig tunes the per-tool circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	FailureWindow    time.Duration // failures must land inside this window
	Cooldown         time.Duration // open duration before a half-open probe
}

// DefaultBreakerConfig matches the runtime defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
	}
}

type breaker struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	state        breakerState
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool
	clock        func() time.Time
}

func newBreaker(cfg BreakerConfig, clock func() time.Time) *breaker {
	return &breaker{cfg: cfg, clock: clock}
}

// allow reports whether a call may proceed. In half-open state exactly one
// probe is admitted; others fail fast until the probe resolves.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.clock().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = breakerHalfOpen
			b.probing = true
			return true
		}
		return false
	case breakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = 0
	b.probing = false
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()

	if b.state == breakerHalfOpen {
		// Probe failed; back to open for another cooldown.
		b.state = breakerOpen
		b.openedAt = now
		b.probing = false
		return
	}

	if b.failures == 0 || now.Sub(b.firstFailure) > b.cfg.FailureWindow {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.state = breakerOpen
		b.openedAt = now
	}
}
