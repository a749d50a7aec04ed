// Package resilience implements the resilience layer (spec §4.7): a
// circuit breaker, which guards the pub/sub re-publish
// (busadapter.ResilientPublisher), plus an exponential backoff schedule with
// jitter. Offline-queue writes are not guarded by the breaker, and no
// component retries with the backoff schedule.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is gobreaker's own ErrOpenState sentinel; Execute returns it
// when a call is rejected because the breaker is Open or because its
// half-open call budget is used up.
var ErrCircuitOpen = gobreaker.ErrOpenState

// BreakerConfig tunes one named circuit breaker.
type BreakerConfig struct {
	Name             string
	MaxHalfOpenCalls uint32
	OpenTimeout      time.Duration
	// FailureRatioThreshold trips the breaker to Open once this fraction of
	// calls counted since the breaker last changed state have failed, provided at least
	// MinRequests samples have been observed.
	FailureRatioThreshold float64
	MinRequests           uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                  name,
		MaxHalfOpenCalls:      1,
		OpenTimeout:           30 * time.Second,
		FailureRatioThreshold: 0.5,
		MinRequests:           10,
	}
}

// CircuitBreaker wraps sony/gobreaker.CircuitBreaker, the library already
// present in the teacher's dependency stack, translating its Closed/
// Open/HalfOpen states onto the Circuit-Breaker State described in spec §3.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxHalfOpenCalls,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatioThreshold
		},
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn if the breaker permits the call, translating gobreaker's
// ErrOpenState/ErrTooManyRequests into ErrCircuitOpen for callers that only
// care about "was this rejected by the breaker".
func (b *CircuitBreaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State reports the breaker's current state as a spec-facing string:
// "closed", "open", or "half_open".
func (b *CircuitBreaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Counts exposes the request/failure counters accumulated since the
// breaker last changed state.
func (b *CircuitBreaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// ExecuteContext is a context-aware convenience wrapper: if ctx is already
// done, the call is rejected before ever touching the breaker, so a
// cancelled caller never counts as a breaker failure.
func (b *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Execute(func() error { return fn(ctx) })
}
