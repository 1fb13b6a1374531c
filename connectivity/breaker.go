package connectivity

import (
	"context"
	"sync"
	"time"
)

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls rejected
	BreakerHalfOpen                     // probes allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	}
	return "closed"
}

// CircuitBreaker stops calling a dependency after repeated failures and
// probes it again once resetTimeout has passed.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	threshold    int
	resetTimeout time.Duration
	halfOpenMax  int
	openedAt     time.Time
	now          func() time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the consecutive failures that open the breaker.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.threshold = n }
}

// WithBreakerResetTimeout sets how long the breaker stays open.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.resetTimeout = d }
}

// WithBreakerHalfOpenMax sets the probe successes needed to close again.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.halfOpenMax = n }
}

// WithBreakerClock overrides the clock.
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// NewCircuitBreaker defaults to 5 failures, 30s open, 2 probe successes.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{threshold: 5, resetTimeout: 30 * time.Second, halfOpenMax: 2, now: time.Now}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// State returns the current state, moving open to half-open when due.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.tick()
	return cb.state
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool { return cb.State() != BreakerOpen }

// Record feeds the outcome of one call.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		switch cb.state {
		case BreakerHalfOpen:
			cb.successes++
			if cb.successes >= cb.halfOpenMax {
				cb.state, cb.failures, cb.successes = BreakerClosed, 0, 0
			}
		case BreakerClosed:
			cb.failures = 0
		}
		return
	}
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.trip()
		}
	case BreakerHalfOpen:
		cb.trip()
	}
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state, cb.failures, cb.successes = BreakerClosed, 0, 0
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.successes = 0
	cb.openedAt = cb.now()
}

// tick must be called with mu held.
func (cb *CircuitBreaker) tick() {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.state = BreakerHalfOpen
		cb.successes = 0
	}
}

// WithCircuitBreaker rejects calls with *ErrCircuitOpen while cb is open.
// Context cancellation by the caller is not counted as a failure.
func WithCircuitBreaker(cb *CircuitBreaker, service string) HandlerMiddleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			if !cb.Allow() {
				return nil, &ErrCircuitOpen{Service: service}
			}
			resp, err := next(ctx, payload)
			if err != nil && ctx.Err() == context.Canceled {
				return resp, err
			}
			cb.Record(err)
			return resp, err
		}
	}
}
