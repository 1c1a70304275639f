// Package resilience implements the fault-tolerance primitives the
// orchestrator and its retrieval adapters depend on: a sliding-window
// circuit breaker (one per adapter, one per search provider) and a
// jittered retry helper for the LLM client's single documented retry.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nlqa/orchestrator/core"
)

// CircuitState is one of the three states a breaker can be in.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives circuit-breaker events for dashboards. Callers
// that don't care can leave Config.Metrics nil; a no-op collector is used.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(string)              {}
func (noopMetrics) RecordFailure(string, string)      {}
func (noopMetrics) RecordStateChange(string, string, string) {}
func (noopMetrics) RecordRejection(string)            {}

// Config configures one circuit breaker instance. Matches spec.md §4.4's
// "K consecutive failures within a window open the breaker for a cooldown
// period" via ErrorThreshold/VolumeThreshold/SleepWindow.
type Config struct {
	Name string

	// ErrorThreshold is the error rate (0..1) within the sliding window
	// that opens the breaker, once VolumeThreshold requests have been seen.
	ErrorThreshold float64
	// VolumeThreshold is the minimum number of requests in the window
	// before the error rate is evaluated at all.
	VolumeThreshold int
	// SleepWindow is the cooldown before a half-open probe is allowed.
	SleepWindow time.Duration
	// HalfOpenRequests is how many probe requests are allowed through in
	// half-open state before a close/reopen decision is made.
	HalfOpenRequests int
	// SuccessThreshold is the fraction of half-open probes that must
	// succeed to close the breaker again.
	SuccessThreshold float64
	// WindowSize/BucketCount configure the sliding window's granularity.
	WindowSize  time.Duration
	BucketCount int

	Logger  core.Logger
	Metrics MetricsCollector
}

// DefaultConfig returns production-reasonable defaults for an adapter or
// search-provider breaker.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		ErrorThreshold:   0.5,
		VolumeThreshold:  5,
		SleepWindow:      30 * time.Second,
		HalfOpenRequests: 3,
		SuccessThreshold: 0.6,
		WindowSize:       60 * time.Second,
		BucketCount:      10,
		Logger:           core.NoOpLogger{},
		Metrics:          noopMetrics{},
	}
}

func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.ErrorThreshold < 0 || c.ErrorThreshold > 1 {
		return fmt.Errorf("error threshold must be in [0,1], got %f", c.ErrorThreshold)
	}
	if c.HalfOpenRequests < 1 {
		return fmt.Errorf("half-open requests must be >= 1, got %d", c.HalfOpenRequests)
	}
	if c.BucketCount < 1 {
		return fmt.Errorf("bucket count must be >= 1, got %d", c.BucketCount)
	}
	return nil
}

// token tracks one in-flight half-open probe so it can be reclaimed if it
// never completes (orphaned after a deploy or panic).
type token struct {
	id        uint64
	startedAt time.Time
}

// CircuitBreaker is a per-dependency fault barrier: Execute wraps a call,
// tracks the sliding error rate, and short-circuits new calls once the
// error rate crosses threshold, exactly as spec.md §4.4 describes for
// search providers and §4.1's adapter-demotion fallback relies on for
// retrieval adapters.
type CircuitBreaker struct {
	cfg *Config

	state          atomic.Value // CircuitState
	stateChangedAt atomic.Value // time.Time

	window *slidingWindow

	halfOpenTotal     atomic.Int32
	halfOpenSuccesses atomic.Int32
	halfOpenFailures  atomic.Int32
	halfOpenTokens    sync.Map // map[uint64]token
	tokenSeq          atomic.Uint64

	mu        sync.Mutex
	listeners []func(name string, from, to CircuitState)
}

// New creates a breaker, validating and defaulting the config.
func New(cfg *Config) (*CircuitBreaker, error) {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.WindowSize == 0 {
		cfg.WindowSize = 60 * time.Second
	}
	if cfg.BucketCount == 0 {
		cfg.BucketCount = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 0.6
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 3
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	cb := &CircuitBreaker{
		cfg:    cfg,
		window: newSlidingWindow(cfg.WindowSize, cfg.BucketCount),
	}
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	return cb, nil
}

// Execute runs fn with circuit-breaker protection. If the breaker is open,
// it returns core.ErrCircuitOpen immediately without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn under both circuit-breaker protection and an
// optional per-call timeout, bounding calls that might hang — the shape
// every retrieval adapter and search provider call in this repository
// goes through.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	tok, allowed := cb.startExecution()
	if !allowed {
		cb.cfg.Metrics.RecordRejection(cb.cfg.Name)
		return fmt.Errorf("circuit breaker %q is open: %w", cb.cfg.Name, core.ErrCircuitOpen)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in guarded call: %v", r)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.completeExecution(tok, err)
		return err
	case <-ctx.Done():
		go func() {
			err := <-done
			cb.completeExecution(tok, err)
		}()
		return ctx.Err()
	}
}

func (cb *CircuitBreaker) startExecution() (token, bool) {
	state := cb.state.Load().(CircuitState)

	switch state {
	case StateClosed:
		return token{id: cb.tokenSeq.Add(1), startedAt: time.Now()}, true

	case StateOpen:
		changedAt := cb.stateChangedAt.Load().(time.Time)
		if time.Since(changedAt) > cb.cfg.SleepWindow {
			cb.mu.Lock()
			if cb.state.Load().(CircuitState) == StateOpen {
				cb.transitionLocked(StateHalfOpen)
			}
			cb.mu.Unlock()
			return cb.startExecution()
		}
		return token{}, false

	case StateHalfOpen:
		for {
			current := cb.halfOpenTotal.Load()
			if int(current) >= cb.cfg.HalfOpenRequests {
				return token{}, false
			}
			if cb.halfOpenTotal.CompareAndSwap(current, current+1) {
				break
			}
		}
		tok := token{id: cb.tokenSeq.Add(1), startedAt: time.Now()}
		cb.halfOpenTokens.Store(tok.id, tok)
		return tok, true

	default:
		return token{}, false
	}
}

func (cb *CircuitBreaker) completeExecution(tok token, err error) {
	if _, wasHalfOpen := cb.halfOpenTokens.LoadAndDelete(tok.id); wasHalfOpen {
		if err == nil {
			cb.halfOpenSuccesses.Add(1)
		} else {
			cb.halfOpenFailures.Add(1)
		}
	}

	if err == nil {
		cb.window.recordSuccess()
		cb.cfg.Metrics.RecordSuccess(cb.cfg.Name)
	} else if !errors.Is(err, context.Canceled) {
		cb.window.recordFailure()
		cb.cfg.Metrics.RecordFailure(cb.cfg.Name, fmt.Sprintf("%T", err))
	}

	cb.evaluateState()
}

func (cb *CircuitBreaker) evaluateState() {
	state := cb.state.Load().(CircuitState)

	switch state {
	case StateClosed:
		rate := cb.window.errorRate()
		total := cb.window.total()
		if cb.cfg.VolumeThreshold > 0 && total >= uint64(cb.cfg.VolumeThreshold) && rate >= cb.cfg.ErrorThreshold {
			cb.mu.Lock()
			cb.transitionLocked(StateOpen)
			cb.mu.Unlock()
		}

	case StateHalfOpen:
		successes := cb.halfOpenSuccesses.Load()
		failures := cb.halfOpenFailures.Load()
		total := successes + failures
		if int(total) >= cb.cfg.HalfOpenRequests {
			cb.mu.Lock()
			if float64(successes)/float64(total) >= cb.cfg.SuccessThreshold {
				cb.transitionLocked(StateClosed)
			} else {
				cb.transitionLocked(StateOpen)
			}
			cb.mu.Unlock()
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(newState CircuitState) {
	oldState := cb.state.Load().(CircuitState)
	if oldState == newState {
		return
	}
	cb.state.Store(newState)
	cb.stateChangedAt.Store(time.Now())

	if newState == StateHalfOpen {
		cb.halfOpenTotal.Store(0)
		cb.halfOpenSuccesses.Store(0)
		cb.halfOpenFailures.Store(0)
		cb.halfOpenTokens.Range(func(key, _ interface{}) bool {
			cb.halfOpenTokens.Delete(key)
			return true
		})
	}
	if newState == StateClosed {
		cb.window.reset()
	}

	cb.cfg.Logger.Info("circuit breaker state changed", map[string]interface{}{
		"name": cb.cfg.Name, "from": oldState.String(), "to": newState.String(),
	})
	cb.cfg.Metrics.RecordStateChange(cb.cfg.Name, oldState.String(), newState.String())

	cb.mu.Unlock()
	for _, l := range cb.listeners {
		l(cb.cfg.Name, oldState, newState)
	}
	cb.mu.Lock()
}

// AddStateChangeListener registers a callback invoked (synchronously, with
// the breaker's lock released) on every state transition.
func (cb *CircuitBreaker) AddStateChangeListener(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, fn)
	cb.mu.Unlock()
}

// GetState returns the current state as a string. The /health response
// does not include it; it reports only CanExecute's bool per adapter.
func (cb *CircuitBreaker) GetState() string {
	return cb.state.Load().(CircuitState).String()
}

// GetMetrics returns a snapshot suitable for embedding in /health.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	success, failure := cb.window.counts()
	return map[string]interface{}{
		"name":       cb.cfg.Name,
		"state":      cb.GetState(),
		"success":    success,
		"failure":    failure,
		"error_rate": cb.window.errorRate(),
	}
}

// Reset forces the breaker back to closed and clears its window. Used by
// operator tooling, not by request-path code.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.Store(StateClosed)
	cb.stateChangedAt.Store(time.Now())
	cb.window.reset()
}

// CanExecute reports whether a call would be allowed right now, without
// actually making one. Used by adapters.Adapter.Healthy for the /health
// adapters map, and by the Parallel Search Engine to skip a provider in
// its fan-out.
func (cb *CircuitBreaker) CanExecute() bool {
	switch cb.state.Load().(CircuitState) {
	case StateClosed:
		return true
	case StateOpen:
		changedAt := cb.stateChangedAt.Load().(time.Time)
		return time.Since(changedAt) > cb.cfg.SleepWindow
	default: // half-open
		return int(cb.halfOpenTotal.Load()) < cb.cfg.HalfOpenRequests
	}
}
