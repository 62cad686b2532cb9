package router

import (
	"sync"
	"time"
)

// circuitState is one of closed, open, half-open per routing target.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// circuitBreaker is the same small consecutive-failure state machine
// pkg/messenger uses for its per-provider breaker, adapted here to key
// on routing target instead of delivery channel.
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

func (c *circuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = circuitClosed
	c.consecutiveFail = 0
}

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

func (c *circuitBreaker) State() circuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// circuitRegistry owns one breaker per routing target, created lazily
// and protected by a per-key lock.
type circuitRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*circuitBreaker
	threshold int
	recovery  time.Duration
}

func newCircuitRegistry(threshold int, recovery time.Duration) *circuitRegistry {
	return &circuitRegistry{breakers: map[string]*circuitBreaker{}, threshold: threshold, recovery: recovery}
}

func (r *circuitRegistry) For(target string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[target]
	if !ok {
		b = newCircuitBreaker(r.threshold, r.recovery)
		r.breakers[target] = b
	}
	return b
}
