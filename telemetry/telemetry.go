// Package telemetry provides the orchestrator's per-stage instrumentation:
// an OpenTelemetry-backed tracer/meter pair, a Prometheus text exporter for
// GET /metrics, and a small set of named counters/histograms the
// orchestrator and its stages record against. It mirrors the layered
// observability approach (console logs + metrics + trace correlation) used
// throughout this codebase's other components.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the handle every component receives at construction time. It
// is a long-lived, explicitly injected dependency (DESIGN NOTES §9: no
// ambient globals).
type Telemetry struct {
	tracer trace.Tracer
	meter  metric.Meter
	reg    *Registry
}

// New builds a Telemetry handle holding an OTel tracer, a meter from an
// in-process OTel SDK meter provider, and a Registry for plaintext
// Prometheus export, avoiding a hard dependency on a running collector.
// The Record* methods write only to the Registry; nothing is recorded on
// the OTel meter.
func New(serviceName string) *Telemetry {
	reg := NewRegistry()
	provider := sdkmetric.NewMeterProvider()
	return &Telemetry{
		tracer: otel.Tracer(serviceName),
		meter:  provider.Meter(serviceName),
		reg:    reg,
	}
}

// StartSpan begins a span for one orchestrator stage. Callers must call
// End() on the returned trace.Span (typically via defer).
func (t *Telemetry) StartSpan(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, stage, trace.WithAttributes(attrs...))
}

// RecordStageLatency records how long a named stage took, in milliseconds,
// in the plaintext registry used by /metrics.
func (t *Telemetry) RecordStageLatency(stage string, d time.Duration) {
	t.reg.Observe("orchestrator_stage_duration_ms", d.Seconds()*1000, "stage", stage)
}

// RecordStageOutcome records whether a stage completed, was cancelled, or
// exceeded its budget — the three outcomes spec.md §5 requires a
// short-circuit telemetry record for.
func (t *Telemetry) RecordStageOutcome(stage, outcome string) {
	t.reg.Inc("orchestrator_stage_outcomes_total", "stage", stage, "outcome", outcome)
}

// RecordLLMCall records one LLM Client invocation regardless of outcome,
// per spec.md §4.3 ("emits a telemetry record per call regardless of
// outcome").
func (t *Telemetry) RecordLLMCall(tier string, tokens int, latency time.Duration, ok bool) {
	t.reg.Inc("llm_calls_total", "tier", tier, "ok", fmt.Sprintf("%v", ok))
	t.reg.Observe("llm_call_tokens", float64(tokens), "tier", tier)
	t.reg.Observe("llm_call_latency_ms", latency.Seconds()*1000, "tier", tier)
}

// Registry returns the plaintext metrics registry backing GET /metrics.
func (t *Telemetry) Registry() *Registry { return t.reg }

// Registry is a minimal, dependency-free counter/histogram store rendered
// as Prometheus text exposition format. It exists alongside the OTel meter
// so /metrics works even with no collector configured, the same
// "always-works console layer first" philosophy the rest of this
// repository's logging follows.
type Registry struct {
	mu         sync.Mutex
	counters   map[string]float64
	histograms map[string][]float64
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func metricKey(name string, labelPairs ...string) string {
	var b strings.Builder
	b.WriteString(name)
	for i := 0; i+1 < len(labelPairs); i += 2 {
		fmt.Fprintf(&b, ",%s=%s", labelPairs[i], labelPairs[i+1])
	}
	return b.String()
}

func (r *Registry) Inc(name string, labelPairs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[metricKey(name, labelPairs...)]++
}

func (r *Registry) Observe(name string, value float64, labelPairs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := metricKey(name, labelPairs...)
	r.histograms[key] = append(r.histograms[key], value)
}

// RenderPrometheus renders the registry as Prometheus plaintext exposition
// format: a simple "name{labels} value" per line, sorted for stable output.
func (r *Registry) RenderPrometheus() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lines []string
	for key, val := range r.counters {
		lines = append(lines, formatLine(key, val))
	}
	for key, samples := range r.histograms {
		if len(samples) == 0 {
			continue
		}
		var sum float64
		for _, s := range samples {
			sum += s
		}
		avg := sum / float64(len(samples))
		lines = append(lines, formatLine(key+"_sum", sum))
		lines = append(lines, formatLine(key+"_avg", avg))
		lines = append(lines, formatLine(key+"_count", float64(len(samples))))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n") + "\n"
}

func formatLine(key string, val float64) string {
	if idx := strings.Index(key, ","); idx >= 0 {
		name := key[:idx]
		labels := strings.ReplaceAll(key[idx+1:], ",", ",")
		parts := strings.Split(labels, ",")
		for i, p := range parts {
			kv := strings.SplitN(p, "=", 2)
			if len(kv) == 2 {
				parts[i] = fmt.Sprintf(`%s="%s"`, kv[0], kv[1])
			}
		}
		return fmt.Sprintf("%s{%s} %v", name, strings.Join(parts, ","), val)
	}
	return fmt.Sprintf("%s %v", key, val)
}
