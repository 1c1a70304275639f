package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ProductionLogger is the default Logger: JSON lines to stdout in
// production, a terser text form for local development. It mirrors the
// layered logger of the framework this repository grew out of — console
// output always works, structured fields ride along for aggregation.
type ProductionLogger struct {
	mu        sync.Mutex
	level     string
	debug     bool
	service   string
	component string
	format    string
	output    io.Writer
}

// NewProductionLogger builds the root logger for the process. level is one
// of "debug"|"info"|"warn"|"error" (case-insensitive); format is "json" or
// "text". Both default from GOMIND-style env vars when empty, matching the
// conventions the rest of this codebase already uses for env-driven config.
func NewProductionLogger(service, level, format string) *ProductionLogger {
	if level == "" {
		level = envOr("ORCHESTRATOR_LOG_LEVEL", "info")
	}
	if format == "" {
		format = envOr("ORCHESTRATOR_LOG_FORMAT", "json")
	}
	return &ProductionLogger{
		level:   strings.ToLower(level),
		debug:   strings.ToLower(level) == "debug",
		service: service,
		format:  format,
		output:  os.Stdout,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// WithComponent returns a logger tagged with component; the returned value
// shares the same output and level but carries its own component string.
func (p *ProductionLogger) WithComponent(component string) Logger {
	clone := *p
	clone.component = component
	return &clone
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.write("INFO", msg, fields, nil)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.write("ERROR", msg, fields, nil)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.write("WARN", msg, fields, nil)
}
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.write("DEBUG", msg, fields, nil)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.write("INFO", msg, fields, ctx)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.write("ERROR", msg, fields, ctx)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.write("WARN", msg, fields, ctx)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.write("DEBUG", msg, fields, ctx)
	}
}

// RequestIDContextKey is looked up opportunistically so stage logs carry the
// orchestrator's correlation id without every package importing the
// orchestrator package (which would be a layering cycle).
type requestIDKeyType struct{}

var RequestIDContextKey = requestIDKeyType{}

func (p *ProductionLogger) write(level, msg string, fields map[string]interface{}, ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"level":     level,
			"service":   p.service,
			"component": p.component,
			"message":   msg,
		}
		if ctx != nil {
			if rid, ok := ctx.Value(RequestIDContextKey).(string); ok && rid != "" {
				entry["request_id"] = rid
			}
		}
		for k, v := range fields {
			entry[k] = v
		}
		enc, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(p.output, "%s [%s] %s (marshal error: %v)\n", time.Now().Format(time.RFC3339), level, msg, err)
			return
		}
		fmt.Fprintln(p.output, string(enc))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s: %s", time.Now().Format(time.RFC3339), level, p.component, msg)
	for k, v := range fields {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	fmt.Fprintln(p.output, b.String())
}

var _ ComponentAwareLogger = (*ProductionLogger)(nil)
