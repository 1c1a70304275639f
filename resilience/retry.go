package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/nlqa/orchestrator/core"
)

// RetryConfig configures Retry. The LLM Client (spec.md §4.3) uses exactly
// one retry with jitter on backend error; other callers may configure more
// attempts.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig is a single retry with a short jittered delay — the
// shape the LLM Client's "retry once with exponential jitter" contract
// needs. One retry means MaxAttempts=2 (the original call plus one retry).
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retry calls fn until it succeeds, the context is cancelled, or
// MaxAttempts is exhausted, backing off exponentially (with optional
// jitter) between attempts.
func Retry(ctx context.Context, cfg *RetryConfig, fn func() error) error {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.JitterEnabled {
			wait = time.Duration(float64(delay) * (0.5 + rand.Float64()))
		}
		if wait > cfg.MaxDelay {
			wait = cfg.MaxDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(math.Min(float64(cfg.MaxDelay), float64(delay)*cfg.BackoffFactor))
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w: %v", cfg.MaxAttempts, core.ErrUpstreamUnavailable, lastErr)
}

// RetryWithCircuitBreaker combines a retry loop with a circuit breaker
// check before each attempt, so a tripped breaker fails fast instead of
// eating a retry budget. Nothing in this repository calls it: the Parallel
// Search Engine calls ExecuteWithTimeout on each provider's breaker directly.
func RetryWithCircuitBreaker(ctx context.Context, cfg *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, cfg, func() error {
		return cb.Execute(ctx, fn)
	})
}
