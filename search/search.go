// Package search implements the Parallel Search Engine (spec.md §4.4):
// fan-out to N web-search providers concurrently, each behind its own
// circuit breaker and per-call budget, with partial-result fusion and
// dedup. Grounded on this codebase's parallel step executor
// (orchestration/executor.go's semaphore-bounded goroutine fan-out),
// generalized from internal capability calls to external search
// providers and reimplemented with golang.org/x/sync/errgroup.
package search

import (
	"context"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nlqa/orchestrator/core"
	"github.com/nlqa/orchestrator/resilience"
)

// Result is one fused search result item.
type Result struct {
	Title    string
	URL      string
	Snippet  string
	Provider string
	Score    float64
}

// Provider is one web-search backend wired into the engine.
type Provider struct {
	Name    string
	Weight  float64
	Timeout time.Duration
	Fetch   func(ctx context.Context, query string) ([]Result, error)

	breaker *resilience.CircuitBreaker
}

// NewProvider builds a Provider with its own circuit breaker, per
// spec.md §4.4's "K consecutive failures ... open the breaker".
func NewProvider(name string, weight float64, timeout time.Duration, fetch func(ctx context.Context, query string) ([]Result, error)) (*Provider, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cb, err := resilience.New(resilience.DefaultConfig(name))
	if err != nil {
		return nil, err
	}
	return &Provider{Name: name, Weight: weight, Timeout: timeout, Fetch: fetch, breaker: cb}, nil
}

// Engine runs the fan-out across its registered providers.
type Engine struct {
	providers     []*Provider
	aggregateBudget time.Duration
	logger        core.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithAggregateBudget(d time.Duration) Option {
	return func(e *Engine) { e.aggregateBudget = d }
}

func WithLogger(l core.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds an Engine over the given enabled providers.
func New(providers []*Provider, opts ...Option) *Engine {
	e := &Engine{
		providers:       providers,
		aggregateBudget: 15 * time.Second,
		logger:          core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = core.WithComponent(e.logger, "search")
	return e
}

// Search runs every enabled provider concurrently and fuses the results.
// It returns as soon as all providers complete/error or the aggregate
// budget elapses, whichever comes first; a provider still in flight past
// the aggregate budget is abandoned, not awaited. An empty fused result is
// a valid outcome, never an error.
func (e *Engine) Search(ctx context.Context, query string) []Result {
	ctx, cancel := context.WithTimeout(ctx, e.aggregateBudget)
	defer cancel()

	resultsCh := make(chan []Result, len(e.providers))
	g, gctx := errgroup.WithContext(ctx)

	for _, p := range e.providers {
		p := p
		g.Go(func() error {
			if !p.breaker.CanExecute() {
				e.logger.Debug("provider circuit open, skipping", map[string]interface{}{"provider": p.Name})
				return nil
			}
			var out []Result
			err := p.breaker.ExecuteWithTimeout(gctx, p.Timeout, func() error {
				r, err := p.Fetch(gctx, query)
				if err != nil {
					return err
				}
				out = r
				return nil
			})
			if err != nil {
				e.logger.Warn("search provider failed", map[string]interface{}{"provider": p.Name, "error": err.Error()})
				return nil // partial-result tolerance: provider errors never fail the whole search
			}
			for i := range out {
				out[i].Provider = p.Name
				out[i].Score *= p.Weight
			}
			resultsCh <- out
			return nil
		})
	}

	// errgroup's Wait can itself be cancelled by the aggregate budget via
	// gctx without losing partial results already sent on resultsCh.
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	close(resultsCh)

	var all []Result
	for r := range resultsCh {
		all = append(all, r...)
	}
	return fuse(all)
}

// fuse dedups by canonicalized URL/title key, orders by weighted score
// descending, and breaks ties by earliest arrival (stable sort preserves
// the input order for equal scores).
func fuse(results []Result) []Result {
	seen := make(map[string]int) // key -> index in deduped
	deduped := make([]Result, 0, len(results))
	for _, r := range results {
		key := canonicalKey(r)
		if idx, ok := seen[key]; ok {
			if r.Score > deduped[idx].Score {
				deduped[idx] = r
			}
			continue
		}
		seen[key] = len(deduped)
		deduped = append(deduped, r)
	}

	sort.SliceStable(deduped, func(i, j int) bool {
		return deduped[i].Score > deduped[j].Score
	})
	return deduped
}

func canonicalKey(r Result) string {
	url := strings.ToLower(strings.TrimRight(r.URL, "/"))
	if url != "" {
		return url
	}
	return strings.ToLower(strings.TrimSpace(r.Title))
}

// AsSources converts fused results into core.Source for RequestState, per
// spec.md §4.1 "collect its fused result set" as Sources.
func AsSources(results []Result) []core.Source {
	out := make([]core.Source, 0, len(results))
	now := time.Now()
	for _, r := range results {
		out = append(out, core.Source{
			Provider: r.Provider,
			Kind:     core.SourceKindWebSearch,
			Payload: map[string]interface{}{
				"title":   r.Title,
				"url":     r.URL,
				"snippet": r.Snippet,
				"score":   r.Score,
			},
			FetchedAt: now,
		})
	}
	return out
}
