// Package httpapi implements the HTTP Surface (spec.md §6): the
// chat-completions endpoint plus session/health/metrics endpoints over
// stdlib net/http.ServeMux, grounded on this codebase's BaseAgent HTTP
// server (core/agent.go: mux + panic-recovery/logging middleware stack,
// a health endpoint returning a JSON status object) and its inbound
// semaphore-bounded concurrency limiter style
// (orchestration/executor.go's `semaphore chan struct{}`), generalized
// here to gate whole incoming requests rather than internal fan-out
// steps.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/nlqa/orchestrator/adapters"
	"github.com/nlqa/orchestrator/cache"
	"github.com/nlqa/orchestrator/core"
	"github.com/nlqa/orchestrator/llm"
	"github.com/nlqa/orchestrator/orchestrator"
	"github.com/nlqa/orchestrator/session"
	"github.com/nlqa/orchestrator/telemetry"
)

// chatRequestBody is the POST /v1/chat/completions body shape.
type chatRequestBody struct {
	Messages  []orchestrator.Message `json:"messages"`
	SessionID string                 `json:"session_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// errorBody is the {error: {...}} shape from spec.md §6.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Stage     string `json:"stage,omitempty"`
	Retryable bool   `json:"retryable"`
}

// HealthStatus mirrors the GET /health contract.
type HealthStatus struct {
	Status     string          `json:"status"`
	Components ComponentHealth `json:"components"`
}

type ComponentHealth struct {
	LLM      bool            `json:"llm"`
	Config   bool            `json:"config"`
	Cache    bool            `json:"cache"`
	Adapters map[string]bool `json:"adapters"`
}

// Server wires the orchestrator and its collaborators behind stdlib
// net/http, with an inbound concurrency limiter (see Handler) gating every
// route per spec.md §5's backpressure requirement.
type Server struct {
	mux *http.ServeMux

	orch             *orchestrator.Orchestrator
	sessions         session.Store
	adapters         *adapters.Registry
	requestCache     cache.Cache
	llmHealthy       func() bool
	configHealthy    func() bool
	telemetry        *telemetry.Telemetry
	logger           core.Logger
	requestCeiling   time.Duration
	inboundSemaphore chan struct{}
	limiter          *rate.Limiter
}

// Option configures a Server at construction time.
type Option func(*Server)

func WithLogger(l core.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(s *Server) { s.telemetry = t }
}

func WithRequestCeiling(d time.Duration) Option {
	return func(s *Server) { s.requestCeiling = d }
}

func WithLLMHealthCheck(fn func() bool) Option {
	return func(s *Server) { s.llmHealthy = fn }
}

func WithConfigHealthCheck(fn func() bool) Option {
	return func(s *Server) { s.configHealthy = fn }
}

// WithRateLimit caps sustained inbound request rate with a token bucket,
// ahead of the concurrency semaphore: it sheds sustained overload before
// a request ever occupies a semaphore slot. ratePerSecond <= 0 disables
// rate limiting (the semaphore remains the only gate).
func WithRateLimit(ratePerSecond float64, burst int) Option {
	return func(s *Server) {
		if ratePerSecond <= 0 {
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
}

// New builds a Server. concurrency is the inbound semaphore capacity
// (default 3-10 per spec.md §5); 0 uses the default of 10.
func New(orch *orchestrator.Orchestrator, sessions session.Store, adapterRegistry *adapters.Registry, responseCache cache.Cache, concurrency int, opts ...Option) *Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	s := &Server{
		mux:              http.NewServeMux(),
		orch:             orch,
		sessions:         sessions,
		adapters:         adapterRegistry,
		requestCache:     responseCache,
		logger:           core.NoOpLogger{},
		requestCeiling:   30 * time.Second,
		inboundSemaphore: make(chan struct{}, concurrency),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = core.WithComponent(s.logger, "httpapi")
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("/session/", s.handleSessionByID)
	s.mux.HandleFunc("/sessions", s.handleSessions)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/metrics", s.handleMetrics)
}

// Handler returns the fully wrapped http.Handler: panic recovery, then
// the inbound concurrency gate, then routing, matching the teacher's
// middleware-stack-around-a-mux shape.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.backpressureMiddleware(h)
	h = s.recoveryMiddleware(h)
	return h
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.ErrorWithContext(r.Context(), "panic recovered in http handler", map[string]interface{}{
					"panic": rec, "stack": string(debug.Stack()),
				})
				writeError(w, http.StatusInternalServerError, core.ErrCodeInternal, "internal error", "", false)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// backpressureMiddleware implements spec.md §5's inbound concurrency
// limiter: an optional token-bucket sheds sustained overload first, then
// a semaphore bounds concurrent in-flight requests; either gate rejects
// with a retryable 503 rather than queuing indefinitely.
func (s *Server) backpressureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusServiceUnavailable, core.ErrCodeOverloaded, "request rate limit exceeded", "", true)
			return
		}
		select {
		case s.inboundSemaphore <- struct{}{}:
			defer func() { <-s.inboundSemaphore }()
			next.ServeHTTP(w, r)
		default:
			writeError(w, http.StatusServiceUnavailable, core.ErrCodeOverloaded, "inbound concurrency limit reached", "", true)
		}
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, core.ErrCodeBadRequest, "method not allowed", "", false)
		return
	}

	var body chatRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, core.ErrCodeBadRequest, "malformed request body", "", false)
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, core.ErrCodeBadRequest, "messages must not be empty", "", false)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestCeiling)
	defer cancel()

	req := orchestrator.Request{
		Messages:  body.Messages,
		SessionID: body.SessionID,
		UserID:    body.UserID,
		Options:   parseOptions(body.Metadata),
	}

	resp, err := s.orch.Run(ctx, req)
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// parseOptions reads the recognized metadata keys from spec.md §6;
// unknown keys are ignored.
func parseOptions(metadata map[string]interface{}) orchestrator.Options {
	var opts orchestrator.Options
	if metadata == nil {
		return opts
	}
	if v, ok := metadata["bypass_cache"].(bool); ok {
		opts.BypassCache = v
	}
	if v, ok := metadata["trace"].(bool); ok {
		opts.Trace = v
	}
	if v, ok := metadata["model_tier"].(string); ok {
		switch v {
		case "small":
			opts.ModelTier = llm.TierSmall
		case "medium":
			opts.ModelTier = llm.TierMedium
		case "large":
			opts.ModelTier = llm.TierLarge
		}
	}
	if v, ok := metadata["max_history_turns"].(float64); ok && v >= 0 {
		opts.MaxHistoryTurns = int(v)
	}
	return opts
}

func (s *Server) writeOrchestratorError(w http.ResponseWriter, err error) {
	stageErr, ok := err.(*core.StageError)
	if !ok {
		writeError(w, http.StatusInternalServerError, core.ErrCodeInternal, err.Error(), "", false)
		return
	}

	status := http.StatusInternalServerError
	switch stageErr.Code {
	case core.ErrCodeOverloaded:
		status = http.StatusServiceUnavailable
	case core.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	case core.ErrCodeBadRequest:
		status = http.StatusBadRequest
	case core.ErrCodeCancelled:
		status = statusClientClosedRequest
	}
	writeError(w, status, stageErr.Code, stageErr.Error(), stageErr.Stage, stageErr.Retryable)
}

// statusClientClosedRequest is the de-facto (nginx-originated, not in
// net/http) status for a request the client itself cancelled before a
// response was produced.
const statusClientClosedRequest = 499

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/session/"):]
	if id == "" {
		writeError(w, http.StatusBadRequest, core.ErrCodeBadRequest, "session id required", "", false)
		return
	}
	sess, ok, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, core.ErrCodeInternal, err.Error(), "", false)
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, core.ErrCodeBadRequest, "session not found", "", false)
		return
	}
	writeJSON(w, http.StatusOK, sess.Summary())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	summaries, err := s.sessions.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, core.ErrCodeInternal, err.Error(), "", false)
		return
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthStatus{Status: "healthy", Components: ComponentHealth{
		LLM:    s.checkLLM(),
		Config: s.checkConfig(),
		Cache:  s.requestCache != nil,
	}}
	if s.adapters != nil {
		health.Components.Adapters = s.adapters.Health()
	}

	if !health.Components.LLM {
		health.Status = "degraded"
	}
	for _, ok := range health.Components.Adapters {
		if !ok {
			health.Status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, health)
}

func (s *Server) checkLLM() bool {
	if s.llmHealthy == nil {
		return true
	}
	return s.llmHealthy()
}

func (s *Server) checkConfig() bool {
	if s.configHealthy == nil {
		return true
	}
	return s.configHealthy()
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(s.telemetry.Registry().RenderPrometheus()))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code core.ErrorCode, message, stage string, retryable bool) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: string(code), Message: message, Stage: stage, Retryable: retryable}})
}
