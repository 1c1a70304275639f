// Package adapters implements the Retrieval Adapter Registry (spec.md
// §4.1 retrieve stage, §6): a named pool of HTTP adapters for the RAG
// domains (weather, sports, airports), each wrapped in a per-adapter
// circuit breaker. Grounded on this codebase's HTTP-backed external
// service clients (ai/client.go's request/response plumbing) and its
// discovery registry's named-pool shape (core/discovery.go), generalized
// from "named tool discovery" to "named retrieval adapter lookup".
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/nlqa/orchestrator/core"
	"github.com/nlqa/orchestrator/resilience"
)

// Source mirrors core.Source; adapters produce these directly so the
// orchestrator can append them to RequestState without translation.
type Source = core.Source

// Adapter is one named retrieval backend: a domain query endpoint plus a
// health probe, per spec.md §6's "each adapter promises a health endpoint
// and a domain-specific query endpoint".
type Adapter struct {
	Name    string
	BaseURL string
	Timeout time.Duration

	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
}

// Config configures one Adapter's construction.
type Config struct {
	Name    string
	BaseURL string
	Timeout time.Duration
	Breaker *resilience.Config
}

// New builds an Adapter with its own circuit breaker.
func New(cfg Config) (*Adapter, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	breakerCfg := cfg.Breaker
	if breakerCfg == nil {
		breakerCfg = resilience.DefaultConfig(cfg.Name)
	}
	cb, err := resilience.New(breakerCfg)
	if err != nil {
		return nil, fmt.Errorf("adapters: build circuit breaker for %s: %w", cfg.Name, err)
	}
	return &Adapter{
		Name:       cfg.Name,
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    cb,
	}, nil
}

// Query issues GET {BaseURL}/{operation}?{params} bounded by the
// adapter's timeout and circuit breaker, per spec.md §6's outbound
// interface contract. On timeout or a 5xx, it returns a core.StageError
// tagged UpstreamUnavailable so the retrieve stage can demote the route.
func (a *Adapter) Query(ctx context.Context, operation string, params url.Values) (Source, error) {
	start := time.Now()
	var payload map[string]interface{}

	err := a.breaker.ExecuteWithTimeout(ctx, a.Timeout, func() error {
		reqURL := a.BaseURL + "/" + operation
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		resp, err := a.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("adapter %s: upstream status %d", a.Name, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("adapter %s: client error status %d", a.Name, resp.StatusCode)
		}
		return json.Unmarshal(body, &payload)
	})

	latency := time.Since(start)
	if err != nil {
		return Source{}, core.NewStageError("retrieve", core.ErrCodeUpstreamUnavailable, true, err)
	}

	return Source{
		Provider:  a.Name,
		Kind:      core.SourceKindRAG,
		Payload:   payload,
		FetchedAt: time.Now(),
		LatencyMS: latency.Milliseconds(),
	}, nil
}

// Healthy reports the adapter's circuit breaker state without issuing a
// request, used by the HTTP Surface's /health endpoint.
func (a *Adapter) Healthy() bool {
	return a.breaker.CanExecute()
}

// Registry is the named pool of adapters.
type Registry struct {
	adapters map[string]*Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*Adapter)}
}

func (r *Registry) Register(a *Adapter) {
	r.adapters[a.Name] = a
}

func (r *Registry) Get(name string) (*Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Health returns the per-adapter health map for /health.
func (r *Registry) Health() map[string]bool {
	out := make(map[string]bool, len(r.adapters))
	for name, a := range r.adapters {
		out[name] = a.Healthy()
	}
	return out
}
