package messenger

import (
	"errors"
	"sync"
	"time"
)

// circuitState is one of closed, open, half-open.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// ErrCircuitOpen is returned when a provider call is short-circuited
// because its breaker is open.
var ErrCircuitOpen = errors.New("messenger: circuit open for provider")

// circuitBreaker is a minimal per-provider consecutive-failure breaker
// backing the retry loop: closed until threshold consecutive failures,
// open until the recovery timeout, then half-open for one probe.
type circuitBreaker struct {
	mu              sync.Mutex
	threshold       int
	recoveryTimeout time.Duration

	state           circuitState
	consecutiveFail int
	openedAt        time.Time
}

func newCircuitBreaker(threshold int, recoveryTimeout time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &circuitBreaker{threshold: threshold, recoveryTimeout: recoveryTimeout, state: circuitClosed}
}

// Allow reports whether a call may proceed, transitioning open -> half-open
// once the recovery timeout has elapsed.
func (c *circuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case circuitOpen:
		if time.Since(c.openedAt) >= c.recoveryTimeout {
			c.state = circuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure counter.
func (c *circuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = circuitClosed
	c.consecutiveFail = 0
}

// RecordFailure increments the consecutive-failure counter, opening the
// breaker once threshold is reached. A failure while half-open reopens
// immediately.
func (c *circuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == circuitHalfOpen {
		c.state = circuitOpen
		c.openedAt = time.Now()
		return
	}
	c.consecutiveFail++
	if c.consecutiveFail >= c.threshold {
		c.state = circuitOpen
		c.openedAt = time.Now()
	}
}

// circuitRegistry owns one breaker per provider key (e.g. channel name),
// created lazily and protected by a per-key lock.
type circuitRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	threshold int
	recovery  time.Duration
}

func newCircuitRegistry(threshold int, recovery time.Duration) *circuitRegistry {
	return &circuitRegistry{breakers: map[string]*circuitBreaker{}, threshold: threshold, recovery: recovery}
}

func (r *circuitRegistry) For(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = newCircuitBreaker(r.threshold, r.recovery)
		r.breakers[key] = b
	}
	return b
}
