// Package llm implements the LLM Client (spec.md §4.3): a tier-selecting
// wrapper over a text-generation backend with a single documented retry
// and per-call telemetry, grounded on this codebase's OpenAI HTTP client
// (ai/client.go) and its provider-chain failover shape (ai/chain_client.go).
package llm

import (
	"context"
	"time"

	"github.com/nlqa/orchestrator/core"
	"github.com/nlqa/orchestrator/resilience"
	"github.com/nlqa/orchestrator/telemetry"
)

// Tier is one of the ordered model tiers spec.md §4.3 names.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// Result is the generate() contract's return shape.
type Result struct {
	Text       string
	TokensUsed int
	Latency    time.Duration
	ModelID    string
}

// Backend is the thing a Client drives: one concrete model provider.
// Implementations map a Tier to a model identifier and perform the call.
type Backend interface {
	// Generate performs one completion call. ctx already carries the
	// per-call budget as a deadline; Generate must respect it.
	Generate(ctx context.Context, prompt string, tier Tier) (Result, error)
}

// Client is the tier-selecting wrapper spec.md §4.3 describes: one retry
// with exponential jitter on backend error, a typed timeout on budget
// exhaustion, and a telemetry record emitted for every call regardless of
// outcome.
type Client struct {
	backend   Backend
	logger    core.Logger
	telemetry *telemetry.Telemetry
	retryCfg  *resilience.RetryConfig
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithLogger(l core.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(c *Client) { c.telemetry = t }
}

func WithRetryConfig(cfg *resilience.RetryConfig) Option {
	return func(c *Client) { c.retryCfg = cfg }
}

// New builds a Client over the given Backend.
func New(backend Backend, opts ...Option) *Client {
	c := &Client{
		backend:  backend,
		logger:   core.NoOpLogger{},
		retryCfg: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = core.WithComponent(c.logger, "llm")
	return c
}

// Generate implements generate(prompt, tier, budget) → {text, tokens_used,
// latency, model_id}. budget bounds the whole call including the retry;
// exhausting it cancels the in-flight attempt and returns a typed timeout
// error (core.StageError with ErrCodeTimeout), per spec.md §4.3.
func (c *Client) Generate(ctx context.Context, prompt string, tier Tier, budget time.Duration) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	var result Result

	err := resilience.Retry(callCtx, c.retryCfg, func() error {
		r, err := c.backend.Generate(callCtx, prompt, tier)
		if err != nil {
			return err
		}
		result = r
		return nil
	})

	latency := time.Since(start)
	ok := err == nil
	if c.telemetry != nil {
		c.telemetry.RecordLLMCall(string(tier), result.TokensUsed, latency, ok)
	}

	if err != nil {
		if callCtx.Err() != nil {
			c.logger.WarnWithContext(ctx, "llm call budget exhausted", map[string]interface{}{
				"tier": string(tier), "budget_ms": budget.Milliseconds(),
			})
			return Result{}, core.NewStageError("llm", core.ErrCodeTimeout, false, callCtx.Err())
		}
		c.logger.ErrorWithContext(ctx, "llm call failed", map[string]interface{}{
			"tier": string(tier), "error": err.Error(),
		})
		return Result{}, core.NewStageError("llm", core.ErrCodeUpstreamUnavailable, true, err)
	}

	result.Latency = latency
	return result, nil
}

// SelectTier implements the deterministic model-tier selection rule from
// spec.md §4.1: simple intents with high-confidence, short queries use the
// small tier; everything else uses the medium tier. It is a pure function
// of the classifier output and query length so it is independently
// testable, per the spec's explicit requirement.
//
// "Simple" intents are those answerable from a single retrieved fact
// without multi-source synthesis: weather, sports, airports. confidence is
// the classifier's reported confidence in [0,1]; queryLen is measured in
// runes. The large tier is never chosen by this rule — it is reserved for
// operator override via the request's model_tier metadata option.
func SelectTier(intent core.Intent, confidence float64, queryLen int) Tier {
	const (
		highConfidence = 0.8
		shortQuery     = 120
	)
	simple := intent == core.IntentWeather || intent == core.IntentSports || intent == core.IntentAirports
	if simple && confidence >= highConfidence && queryLen <= shortQuery {
		return TierSmall
	}
	return TierMedium
}
