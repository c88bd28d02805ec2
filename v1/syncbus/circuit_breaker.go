package syncbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects bus calls.
var ErrCircuitOpen = errors.New("syncbus: circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreakerBus decorates a Bus so a broker outage fails fast instead of
// delaying every release. After threshold consecutive failures calls are
// rejected for cooldown, then a single probe decides whether to close again.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker wraps bus. A threshold below one is treated as one.
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreakerBus{bus: bus, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// IsHealthy reports whether the next call would be let through.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerOpen:
		return cb.now().Sub(cb.openedAt) >= cb.cooldown
	case breakerHalfOpen:
		return false
	default:
		return true
	}
}

func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.state = breakerHalfOpen
			return true
		}
	}
	// half-open: a probe is already in flight
	return false
}

func (cb *CircuitBreakerBus) done(err error) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = breakerClosed
		cb.failures = 0
		return nil
	}
	cb.failures++
	if cb.state == breakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = breakerOpen
		cb.openedAt = cb.now()
	}
	return err
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	return cb.done(cb.bus.Publish(ctx, key))
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if !cb.allow() {
		return nil, ErrCircuitOpen
	}
	ch, err := cb.bus.Subscribe(ctx, key)
	return ch, cb.done(err)
}

// Unsubscribe implements Bus.Unsubscribe. It is never rejected so callers can
// always release their channels.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}
