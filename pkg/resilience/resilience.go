package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oarkflow/errors"
)

// ErrCircuitOpen is returned when the breaker rejects a call outright.
var ErrCircuitOpen = errors.New("circuit breaker open")

type cbState int

const (
	Closed cbState = iota
	Open
	HalfOpen
)

// CircuitBreaker trips after a threshold of consecutive failures and rejects
// calls until the cool-down elapses, then lets a single half-open probe
// through. The probe's outcome closes the breaker or re-opens it.
type CircuitBreaker struct {
	failureCount int
	threshold    int
	state        cbState
	lastFailure  time.Time
	openDuration time.Duration
	probing      bool
	lock         sync.Mutex
}

// NewCircuitBreaker builds a breaker tripping after threshold consecutive
// failures. A zero or negative openDuration falls back to 30 seconds.
func NewCircuitBreaker(threshold int, openDuration time.Duration) *CircuitBreaker {
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold:    threshold,
		state:        Closed,
		openDuration: openDuration,
	}
}

func (cb *CircuitBreaker) AllowRequest() bool {
	cb.lock.Lock()
	defer cb.lock.Unlock()
	switch cb.state {
	case Closed:
		return true
	case Open:
		if time.Since(cb.lastFailure) > cb.openDuration {
			cb.state = HalfOpen
			cb.probing = true
			return true
		}
		return false
	case HalfOpen:
		// One probe at a time; the rest wait for its verdict.
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.lock.Lock()
	defer cb.lock.Unlock()
	cb.failureCount = 0
	cb.state = Closed
	cb.probing = false
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.lock.Lock()
	defer cb.lock.Unlock()
	if cb.state == HalfOpen {
		// The probe failed; re-open for another cool-down.
		cb.state = Open
		cb.lastFailure = time.Now()
		cb.probing = false
		return
	}
	cb.failureCount++
	if cb.failureCount >= cb.threshold {
		cb.state = Open
		cb.lastFailure = time.Now()
	}
}

// Execute runs fn under the breaker, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.AllowRequest() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Retry runs fn up to attempts times with exponential backoff and jitter
// between tries. The last error is returned when every attempt fails.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay + jitter):
			}
			delay *= 2
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
