// Package core provides the shared abstractions used across the query
// orchestrator: structured logging, typed errors, and the small set of
// request-scoped types (Source, Entities, Intent) that every stage of the
// orchestrator passes around.
package core

import (
	"context"
	"time"
)

// Logger is the minimal structured-logging interface implemented by every
// component in this repository. Fields are passed as a flat map so the
// concrete logger can decide how to render them (JSON in production,
// key=value in development).
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})

	InfoWithContext(ctx context.Context, msg string, fields map[string]interface{})
	ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{})
	WarnWithContext(ctx context.Context, msg string, fields map[string]interface{})
	DebugWithContext(ctx context.Context, msg string, fields map[string]interface{})
}

// ComponentAwareLogger lets a package tag its log lines with a stable
// component name (e.g. "classify", "session") without each call site
// repeating it.
//
// Component naming convention used throughout this repository: one plain
// name per package that logs:
//   - "orchestrator" — the pipeline as a whole, all stages included
//   - "classify", "llm", "search", "httpapi" — the respective components
//   - "session"      — the session store (memory and Redis variants)
//   - "config"       — the config client
type ComponentAwareLogger interface {
	Logger
	WithComponent(component string) Logger
}

// NoOpLogger discards everything. It is the zero-value default so that
// packages never need a nil check before logging.
type NoOpLogger struct{}

func (NoOpLogger) Info(string, map[string]interface{})  {}
func (NoOpLogger) Error(string, map[string]interface{}) {}
func (NoOpLogger) Warn(string, map[string]interface{})  {}
func (NoOpLogger) Debug(string, map[string]interface{}) {}

func (NoOpLogger) InfoWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) ErrorWithContext(context.Context, string, map[string]interface{}) {}
func (NoOpLogger) WarnWithContext(context.Context, string, map[string]interface{})  {}
func (NoOpLogger) DebugWithContext(context.Context, string, map[string]interface{}) {}

func (NoOpLogger) WithComponent(string) Logger { return NoOpLogger{} }

var _ ComponentAwareLogger = NoOpLogger{}

// WithComponent is a convenience wrapper: if logger implements
// ComponentAwareLogger it is tagged, otherwise it is returned unchanged.
func WithComponent(logger Logger, component string) Logger {
	if logger == nil {
		return NoOpLogger{}
	}
	if cal, ok := logger.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return logger
}

// Intent is the closed set of classifier outputs from spec.md §3. Additional
// labels may appear in telemetry but the orchestrator treats anything it
// doesn't recognize as IntentGeneralInfo per the "unknown labels" rule.
type Intent string

const (
	IntentControl     Intent = "control"
	IntentWeather     Intent = "weather"
	IntentSports      Intent = "sports"
	IntentAirports    Intent = "airports"
	IntentGeneralInfo Intent = "general_info"
	IntentUnknown     Intent = "unknown"
)

// Normalize applies the orchestrator-boundary rule: any label the route
// decision doesn't have a branch for becomes general_info. unknown is its
// own recognized branch (the clarification short-circuit) and is left
// untouched; only a genuinely unrecognized future label collapses to
// general_info. The classifier's literal output is preserved in
// telemetry; only routing sees the normalized value.
func (i Intent) Normalize() Intent {
	switch i {
	case IntentControl, IntentWeather, IntentSports, IntentAirports, IntentGeneralInfo, IntentUnknown:
		return i
	default:
		return IntentGeneralInfo
	}
}

// Entities is the typed sum of everything the classifier can extract from a
// query, unioned rather than a bag of strings so the synthesizer and
// validator can match exhaustively (DESIGN NOTES §9).
type Entities struct {
	Location     *string `json:"location,omitempty"`
	Team         *string `json:"team,omitempty"`
	Airport      *string `json:"airport,omitempty"`
	Timeframe    *string `json:"timeframe,omitempty"`
	ForecastFlag bool    `json:"forecast_flag,omitempty"`

	// ResolvedFromContext records, per field name, whether that field's
	// value came from coreference resolution against session history
	// rather than the current query text.
	ResolvedFromContext map[string]bool `json:"resolved_from_context,omitempty"`
}

// MarkResolved flags a field as coreference-resolved from session history.
func (e *Entities) MarkResolved(field string) {
	if e.ResolvedFromContext == nil {
		e.ResolvedFromContext = make(map[string]bool)
	}
	e.ResolvedFromContext[field] = true
}

// IsResolved reports whether a field was resolved from context.
func (e *Entities) IsResolved(field string) bool {
	if e.ResolvedFromContext == nil {
		return false
	}
	return e.ResolvedFromContext[field]
}

// SourceKind is the provenance of a retrieved piece of evidence.
type SourceKind string

const (
	SourceKindRAG         SourceKind = "rag"
	SourceKindWebSearch   SourceKind = "websearch"
	SourceKindLLMKnowledge SourceKind = "llm_knowledge"
)

// Source is one piece of retrieved evidence, used by the validator to check
// groundedness and surfaced to the caller as a citation.
type Source struct {
	Provider  string                 `json:"provider"`
	Kind      SourceKind             `json:"kind"`
	Payload   map[string]interface{} `json:"payload"`
	FetchedAt time.Time              `json:"fetched_at"`
	LatencyMS int64                  `json:"latency_ms"`
}
