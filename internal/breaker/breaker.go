// Package breaker implements a consecutive-error circuit breaker that
// opens for a fixed pause duration once a threshold of remote errors is
// reached, then auto-closes.
package breaker

import (
	"sync"
	"time"
)

// CircuitBreaker counts consecutive remote errors and opens for a fixed
// duration once a threshold is reached, auto-closing afterward.
type CircuitBreaker struct {
	mu sync.Mutex

	errorsBeforePausing int
	pauseDuration       time.Duration

	consecutiveErrors int
	open              bool

	// afterFunc is swappable in tests to avoid real sleeps.
	afterFunc func(d time.Duration, f func()) *time.Timer
	timer     *time.Timer
}

// New creates a CircuitBreaker that opens after errorsBeforePausing
// consecutive non-credential errors and stays open for pauseDuration.
func New(errorsBeforePausing int, pauseDuration time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		errorsBeforePausing: errorsBeforePausing,
		pauseDuration:       pauseDuration,
		afterFunc:           time.AfterFunc,
	}
}

// OnSuccess resets the consecutive-error count. Call this for a successful
// remote call, including a well-formed "no such key" response.
func (b *CircuitBreaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveErrors = 0
}

// OnError records a non-credential remote error, opening the breaker if the
// threshold is reached. Credential-expiry errors must never be passed
// here: the router treats those as fatal and never counts them.
func (b *CircuitBreaker) OnError() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveErrors++
	if b.consecutiveErrors >= b.errorsBeforePausing && !b.open {
		b.open = true
		b.timer = b.afterFunc(b.pauseDuration, b.autoClose)
	}
}

// IsOpen reports whether the breaker currently short-circuits remote calls.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *CircuitBreaker) autoClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.consecutiveErrors = 0
}

// Stop cancels any pending auto-close timer. Called during shutdown.
func (b *CircuitBreaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
}
