package control

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ErrCircuitOpen is returned by Do while the breaker refuses new work.
var ErrCircuitOpen = errors.New("upstream circuit open")

// CircuitBreaker trips after Threshold consecutive failures and refuses work
// for Cooldown. A nil *CircuitBreaker allows everything.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		now:       time.Now,
	}
}

func (c *CircuitBreaker) State() CircuitState {
	if c == nil {
		return CircuitClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether new work is allowed at this instant. While half-open
// only one probe is let through at a time.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	if c == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Sub(c.openedAt) < c.Cooldown {
			return false
		}
		c.state = CircuitHalfOpen
		c.probing = true
		return true
	default:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	}
}

// RecordSuccess updates state after a successful probe/operation.
func (c *CircuitBreaker) RecordSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = CircuitClosed
	c.failures = 0
	c.probing = false
}

// RecordFailure updates state after an upstream error.
func (c *CircuitBreaker) RecordFailure(now time.Time) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probing = false
	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		c.openedAt = now
		return
	}
	c.failures++
	if c.failures >= c.Threshold {
		c.state = CircuitOpen
		c.openedAt = now
	}
}

// Do runs fn when the breaker allows it and records the outcome. Caller
// cancellation is not counted against the upstream.
func (c *CircuitBreaker) Do(fn func() error) error {
	if c == nil {
		return fn()
	}
	if !c.Allow(c.now()) {
		return ErrCircuitOpen
	}
	err := fn()
	switch {
	case err == nil:
		c.RecordSuccess()
	case errors.Is(err, context.Canceled):
		c.mu.Lock()
		c.probing = false
		c.mu.Unlock()
	default:
		c.RecordFailure(c.now())
	}
	return err
}
