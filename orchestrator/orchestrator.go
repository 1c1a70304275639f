// Package orchestrator implements the Orchestrator State Machine
// (spec.md §4.1): the request-scoped conductor that sequences
// classify -> route -> retrieve -> synthesize -> validate -> finalize,
// enforcing a per-stage budget and fallback at each step. Grounded on
// this codebase's ProcessRequest/ProcessRequestStreaming shape
// (orchestration/orchestrator.go) and its explicit per-request
// correlation-id context key pattern, and on its workflow state struct
// (orchestration/workflow_engine.go) for the explicit State enum.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nlqa/orchestrator/adapters"
	"github.com/nlqa/orchestrator/cache"
	"github.com/nlqa/orchestrator/classify"
	"github.com/nlqa/orchestrator/config"
	"github.com/nlqa/orchestrator/core"
	"github.com/nlqa/orchestrator/llm"
	"github.com/nlqa/orchestrator/search"
	"github.com/nlqa/orchestrator/session"
	"github.com/nlqa/orchestrator/telemetry"
	"github.com/nlqa/orchestrator/validate"
)

// orchestratorContextKey namespaces context values this package owns, the
// same collision-avoidance convention the teacher's orchestrator.go uses.
type orchestratorContextKey string

const requestIDContextKey orchestratorContextKey = "orchestrator_request_id"

// WithRequestID attaches a correlation id to ctx so every component this
// request touches can tag its logs/telemetry with it.
func WithRequestID(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, core.RequestIDContextKey, id)
	return context.WithValue(ctx, requestIDContextKey, id)
}

// RequestIDFromContext retrieves the correlation id, or "" if unset.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDContextKey).(string); ok {
		return v
	}
	return ""
}

// State is the orchestrator's explicit state-transition enum, per
// spec.md §4.1.
type State string

const (
	StateNew         State = "new"
	StateClassified  State = "classified"
	StateRouted      State = "routed"
	StateRetrieved   State = "retrieved"
	StateSynthesized State = "synthesized"
	StateValidated   State = "validated"
	StateFinalized   State = "finalized"
	StateFailed      State = "failed"
)

// Message is one chat message in the request body, per spec.md §6.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the recognized request metadata keys from spec.md §6.
type Options struct {
	BypassCache     bool
	ModelTier       llm.Tier
	Trace           bool
	MaxHistoryTurns int
}

// Request is the orchestrator's input, per spec.md §3.
type Request struct {
	Messages  []Message
	SessionID string
	UserID    string
	Options   Options
}

// Timings mirrors the response payload's per-stage latency breakdown.
type Timings struct {
	ClassifyMS  int64 `json:"classify_ms"`
	RetrieveMS  int64 `json:"retrieve_ms"`
	SynthMS     int64 `json:"synth_ms"`
	ValidateMS  int64 `json:"validate_ms"`
	TotalMS     int64 `json:"total_ms"`
}

// Choice mirrors an OpenAI-compatible chat-completions choice.
type Choice struct {
	Message Message `json:"message"`
}

// ChatResponse is the orchestrator's output, per spec.md §6.
type ChatResponse struct {
	ID         string        `json:"id"`
	Choices    []Choice      `json:"choices"`
	SessionID  string        `json:"session_id"`
	Sources    []core.Source `json:"sources"`
	Intent     string        `json:"intent"`
	Confidence float64       `json:"confidence"`
	Validated  bool          `json:"validated"`
	ModelUsed  string        `json:"model_used"`
	Timings    Timings       `json:"timings"`
	Degraded   bool          `json:"degraded,omitempty"`
}

// RequestState is the object threaded through the stage graph, per
// spec.md §3. Mutated only by the orchestrator; never shared across
// requests.
type RequestState struct {
	State State

	Query         string
	SessionID     string
	Session       *session.Session
	Intent        core.Intent
	RawIntent     core.Intent
	Confidence    float64
	Entities      core.Entities
	Sources       []core.Source
	Candidate     string
	Verdict       validate.Outcome
	Timings       Timings
	Errs          []error
	Response      *ChatResponse
	ModelTierUsed llm.Tier
	Degraded      bool
}

// Budgets are the per-stage timeouts from spec.md §4.1's defaults.
type Budgets struct {
	Classify       time.Duration
	RetrieveRAG    time.Duration
	RetrieveSearch time.Duration
	Synthesize     time.Duration
	Validate       time.Duration
}

func DefaultBudgets() Budgets {
	return Budgets{
		Classify:       3 * time.Second,
		RetrieveRAG:    10 * time.Second,
		RetrieveSearch: 15 * time.Second,
		Synthesize:     20 * time.Second,
		Validate:       2 * time.Second,
	}
}

// Orchestrator wires every collaborating component together and drives
// the stage graph.
type Orchestrator struct {
	sessions   session.Store
	classifier *classify.Classifier
	llmClient  *llm.Client
	adapters   *adapters.Registry
	search     *search.Engine
	cache      cache.Cache
	config     *config.Client
	telemetry  *telemetry.Telemetry
	logger     core.Logger
	budgets    Budgets
}

// New builds an Orchestrator. Any of cache/search/config may be nil; the
// orchestrator degrades gracefully (cache disabled, no parallel search
// providers, defaults-only config) rather than failing to construct.
func New(
	sessions session.Store,
	classifier *classify.Classifier,
	llmClient *llm.Client,
	adapterRegistry *adapters.Registry,
	searchEngine *search.Engine,
	responseCache cache.Cache,
	configClient *config.Client,
	tel *telemetry.Telemetry,
	logger core.Logger,
) *Orchestrator {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Orchestrator{
		sessions:   sessions,
		classifier: classifier,
		llmClient:  llmClient,
		adapters:   adapterRegistry,
		search:     searchEngine,
		cache:      responseCache,
		config:     configClient,
		telemetry:  tel,
		logger:     core.WithComponent(logger, "orchestrator"),
		budgets:    DefaultBudgets(),
	}
}

// Run implements the orchestrator's contract: input a Request, output a
// ChatResponse. It never returns an error that should reach the HTTP
// surface as anything other than a 200 unless the error is one of
// CancelledByClient, Overloaded, or Internal (core.StageError.Escapes()).
// Per spec.md §5/§8, a request cancelled by its caller is short-circuited
// at the first stage boundary that observes it: no further stage runs,
// no session append and no cache write happen, and a "cancelled"
// telemetry record names the stage at which it was interrupted.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*ChatResponse, error) {
	requestID := uuid.NewString()
	ctx = WithRequestID(ctx, requestID)
	start := time.Now()

	query := lastUserMessage(req.Messages)
	normalized := normalizeQuery(query)

	sess, err := o.sessions.GetOrCreate(ctx, req.SessionID)
	if err != nil {
		return nil, core.NewStageError("session", core.ErrCodeInternal, false, err)
	}

	state := &RequestState{State: StateNew, Query: query, SessionID: sess.ID, Session: sess}

	if cancelErr := o.checkCancelled(ctx, "session"); cancelErr != nil {
		return nil, cancelErr
	}

	// Classify runs first since it is cheap and deterministic (pattern
	// matching, no I/O); this lets the cache short-circuit key on the
	// same (normalized query, intent, entities) tuple that storeCache
	// writes with, while still skipping every expensive stage
	// (retrieve/synthesize/validate) on a hit, per spec.md §4.1.
	o.runClassify(ctx, state)
	intent := state.Intent.Normalize()

	if cancelErr := o.checkCancelled(ctx, "classify"); cancelErr != nil {
		return nil, cancelErr
	}

	if !req.Options.BypassCache && o.cache != nil && o.flagEnabled(ctx, "response_cache", true) {
		lastFp := lastAssistantFingerprint(sess)
		key := cache.Key(normalized, string(intent), entityMap(state.Entities), lastFp)
		if entry, ok, err := o.cache.Get(ctx, key); err == nil && ok {
			var cached ChatResponse
			if err := json.Unmarshal(entry.Payload, &cached); err == nil {
				o.appendTurns(ctx, sess, state, cached)
				o.logger.InfoWithContext(ctx, "cache hit, skipping pipeline", map[string]interface{}{"session_id": sess.ID})
				return &cached, nil
			}
		}
	}

	switch intent {
	case core.IntentControl:
		state.Candidate = "This assistant does not execute device commands directly; please use the device control app."
		state.Verdict = validate.Outcome{Verdict: validate.VerdictPass, Reason: "control handled externally"}
		state.State = StateValidated
	case core.IntentUnknown:
		state.Candidate = "I'm not sure what you're asking — could you rephrase or add a bit more detail?"
		state.Verdict = validate.Outcome{Verdict: validate.VerdictPass, Reason: "clarification short-circuit"}
		state.State = StateValidated
	default:
		o.runRetrieve(ctx, state, intent)
		if cancelErr := o.checkCancelled(ctx, "retrieve"); cancelErr != nil {
			return nil, cancelErr
		}
		o.runSynthesize(ctx, state, req.Options)
		if cancelErr := o.checkCancelled(ctx, "synthesize"); cancelErr != nil {
			return nil, cancelErr
		}
		o.runValidate(ctx, state)
	}

	if cancelErr := o.checkCancelled(ctx, "validate"); cancelErr != nil {
		return nil, cancelErr
	}

	resp := o.finalize(ctx, state, requestID, req, start)

	if cancelErr := o.checkCancelled(ctx, "finalize"); cancelErr != nil {
		return nil, cancelErr
	}

	if !req.Options.BypassCache && o.cache != nil && state.Verdict.Verdict == validate.VerdictPass && o.flagEnabled(ctx, "response_cache", true) {
		o.storeCache(ctx, sess, normalized, string(intent), state.Entities, resp)
	}

	o.appendTurns(ctx, sess, state, *resp)

	return resp, nil
}

// checkCancelled reports a StageError and a "cancelled" telemetry record
// if ctx has been cancelled by its caller, naming the stage at which the
// interruption was observed (spec.md §5). It returns nil otherwise.
func (o *Orchestrator) checkCancelled(ctx context.Context, stage string) *core.StageError {
	if ctx.Err() == nil {
		return nil
	}
	if o.telemetry != nil {
		o.telemetry.RecordStageOutcome(stage, "cancelled")
	}
	o.logger.WarnWithContext(ctx, "request cancelled by client", map[string]interface{}{"stage": stage})
	return core.NewStageError(stage, core.ErrCodeCancelled, false, core.ErrCancelledByClient)
}

func (o *Orchestrator) flagEnabled(ctx context.Context, name string, fallback bool) bool {
	if o.config == nil {
		return fallback
	}
	return o.config.Flag(ctx, name)
}

// runClassify executes the classify stage under its own budget.
func (o *Orchestrator) runClassify(ctx context.Context, state *RequestState) {
	stageStart := time.Now()
	stageCtx, cancel := context.WithTimeout(ctx, o.budgets.Classify)
	defer cancel()

	var history []session.Turn
	if o.flagEnabled(ctx, "conversation_context", true) && state.Session != nil {
		history = state.Session.Recent(3)
	}

	result := o.classifier.Classify(stageCtx, state.Query, history)
	state.RawIntent = result.Intent
	state.Intent = result.Intent
	state.Confidence = result.Confidence
	state.Entities = result.Entities
	state.State = StateClassified
	state.Timings.ClassifyMS = time.Since(stageStart).Milliseconds()

	if stageCtx.Err() != nil {
		o.logger.WarnWithContext(ctx, "classify stage exceeded budget", map[string]interface{}{"budget_ms": o.budgets.Classify.Milliseconds()})
	}
}

// runRetrieve executes the retrieve stage: a single adapter call for a
// RAG-routed intent, or the parallel search engine for general_info.
func (o *Orchestrator) runRetrieve(ctx context.Context, state *RequestState, intent core.Intent) {
	stageStart := time.Now()

	switch intent {
	case core.IntentWeather, core.IntentSports, core.IntentAirports:
		o.retrieveFromAdapter(ctx, state, intent)
	default:
		o.retrieveFromSearch(ctx, state)
	}

	state.State = StateRouted
	state.Timings.RetrieveMS = time.Since(stageStart).Milliseconds()
	state.State = StateRetrieved
}

// retrieveFromAdapter resolves route_decision as a pure function of
// intent plus the routing map pulled from config (spec.md §3, §4.1): the
// adapter name and per-call timeout default to adapterNameFor/
// RetrieveRAG but are overridden by the control plane's RoutingEntry when
// one exists for this intent, and a configured fallback_intent is tried
// before falling all the way back to the parallel search engine.
func (o *Orchestrator) retrieveFromAdapter(ctx context.Context, state *RequestState, intent core.Intent) {
	o.retrieveFromAdapterRouted(ctx, state, intent, intent)
}

// retrieveFromAdapterRouted is retrieveFromAdapter with the originally
// requested intent tracked separately from the intent currently being
// routed: only the original intent's fallback_intent is followed, so at
// most a single fallback hop is taken and routing can't recurse on itself.
func (o *Orchestrator) retrieveFromAdapterRouted(ctx context.Context, state *RequestState, intent, originalIntent core.Intent) {
	if o.adapters == nil || !o.flagEnabled(ctx, string(intent), true) {
		o.demoteRetrieve(ctx, state, "", originalIntent)
		return
	}

	adapterName := adapterNameFor(intent)
	timeout := o.budgets.RetrieveRAG
	var fallbackIntent string
	if entry, ok := o.configRouting(ctx, string(intent)); ok {
		if entry.AdapterName != "" {
			adapterName = entry.AdapterName
		}
		if entry.TimeoutMS > 0 {
			timeout = time.Duration(entry.TimeoutMS) * time.Millisecond
		}
		if intent == originalIntent {
			fallbackIntent = entry.FallbackIntent
		}
	}

	adapter, ok := o.adapters.Get(adapterName)
	if !ok {
		o.demoteRetrieve(ctx, state, fallbackIntent, originalIntent)
		return
	}

	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	operation := "query"
	if state.Entities.ForecastFlag {
		operation = "forecast"
	}

	src, err := adapter.Query(stageCtx, operation, entityParams(state.Entities))
	if err != nil {
		state.Errs = append(state.Errs, err)
		o.logger.WarnWithContext(ctx, "adapter call failed, demoting", map[string]interface{}{
			"adapter": adapterName, "operation": operation, "error": err.Error(),
		})
		o.demoteRetrieve(ctx, state, fallbackIntent, originalIntent)
		return
	}
	state.Sources = append(state.Sources, src)
}

// configRouting looks up the control-plane routing entry for intent; it
// reports not-ok when no config client is wired, matching the graceful
// defaults-only degradation every other config-backed lookup in this
// package follows.
func (o *Orchestrator) configRouting(ctx context.Context, intent string) (config.RoutingEntry, bool) {
	if o.config == nil {
		return config.RoutingEntry{}, false
	}
	return o.config.Routing(ctx, intent)
}

// demoteRetrieve routes to a configured fallback_intent's adapter when
// one exists and isn't the intent that just failed, otherwise falls back
// to the parallel search engine.
func (o *Orchestrator) demoteRetrieve(ctx context.Context, state *RequestState, fallbackIntent string, originalIntent core.Intent) {
	fb := core.Intent(fallbackIntent).Normalize()
	switch fb {
	case core.IntentWeather, core.IntentSports, core.IntentAirports:
		if fb != originalIntent {
			o.retrieveFromAdapterRouted(ctx, state, fb, originalIntent)
			return
		}
	}
	o.retrieveFromSearch(ctx, state)
}

func (o *Orchestrator) retrieveFromSearch(ctx context.Context, state *RequestState) {
	if o.search == nil {
		return
	}
	stageCtx, cancel := context.WithTimeout(ctx, o.budgets.RetrieveSearch)
	defer cancel()

	results := o.search.Search(stageCtx, state.Query)
	state.Sources = append(state.Sources, search.AsSources(results)...)
}

// runSynthesize builds the prompt and invokes the LLM client, falling
// back to a fixed safe message on timeout per spec.md §4.1.
func (o *Orchestrator) runSynthesize(ctx context.Context, state *RequestState, opts Options) {
	stageStart := time.Now()
	defer func() { state.Timings.SynthMS = time.Since(stageStart).Milliseconds() }()

	if o.llmClient == nil {
		state.Candidate = fixedSafeMessage(state)
		state.Degraded = true
		state.State = StateSynthesized
		return
	}

	tier := opts.ModelTier
	if tier == "" {
		tier = llm.SelectTier(state.Intent, state.Confidence, len([]rune(state.Query)))
	}
	state.ModelTierUsed = tier

	prompt := buildPrompt(state)
	result, err := o.llmClient.Generate(ctx, prompt, tier, o.budgets.Synthesize)
	if err != nil {
		state.Errs = append(state.Errs, err)
		state.Candidate = fixedSafeMessage(state)
		state.Degraded = true
		o.logger.WarnWithContext(ctx, "synthesize stage failed, using fixed safe message", map[string]interface{}{"error": err.Error()})
		state.State = StateSynthesized
		return
	}

	state.Candidate = result.Text
	state.State = StateSynthesized
}

// runValidate executes the validator and rewrites the candidate answer
// to an uncertainty template on failure, per spec.md §4.1's "On fail ...
// does not re-synthesize".
func (o *Orchestrator) runValidate(ctx context.Context, state *RequestState) {
	stageStart := time.Now()
	defer func() { state.Timings.ValidateMS = time.Since(stageStart).Milliseconds() }()

	state.Verdict = validate.Validate(state.Candidate, state.Intent, state.Entities, state.Sources)
	if state.Verdict.Verdict != validate.VerdictPass {
		state.Candidate = uncertaintyTemplate(state)
		state.Degraded = true
	}
	state.State = StateValidated
}

// finalize assembles the response payload, per spec.md §4.1/§6.
func (o *Orchestrator) finalize(ctx context.Context, state *RequestState, requestID string, req Request, start time.Time) *ChatResponse {
	state.Timings.TotalMS = time.Since(start).Milliseconds()
	state.State = StateFinalized

	resp := &ChatResponse{
		ID:         requestID,
		Choices:    []Choice{{Message: Message{Role: "assistant", Content: state.Candidate}}},
		SessionID:  state.SessionID,
		Sources:    state.Sources,
		Intent:     string(state.RawIntent),
		Confidence: state.Confidence,
		Validated:  state.Verdict.Verdict == validate.VerdictPass,
		ModelUsed:  string(state.ModelTierUsed),
		Timings:    state.Timings,
		Degraded:   state.Degraded,
	}
	state.Response = resp

	if o.telemetry != nil {
		o.telemetry.RecordStageLatency("classify", time.Duration(state.Timings.ClassifyMS)*time.Millisecond)
		o.telemetry.RecordStageLatency("retrieve", time.Duration(state.Timings.RetrieveMS)*time.Millisecond)
		o.telemetry.RecordStageLatency("synthesize", time.Duration(state.Timings.SynthMS)*time.Millisecond)
		o.telemetry.RecordStageLatency("validate", time.Duration(state.Timings.ValidateMS)*time.Millisecond)
		outcome := "ok"
		if state.Degraded {
			outcome = "degraded"
		}
		o.telemetry.RecordStageOutcome("finalize", outcome)
	}

	return resp
}

func (o *Orchestrator) storeCache(ctx context.Context, sess *session.Session, normalizedQuery, intent string, entities core.Entities, resp *ChatResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	lastFp := lastAssistantFingerprint(sess)
	key := cache.Key(normalizedQuery, intent, entityMap(entities), lastFp)
	_ = o.cache.Set(ctx, key, cache.Entry{Payload: payload, Verdict: string(validate.VerdictPass), StoredAt: time.Now()}, 5*time.Minute)
}

// appendTurns records both halves of the exchange. The user turn carries
// state.Entities (converted to the wire map form) so a later turn's
// classify.resolveFromHistory can coreference-resolve against it — per
// spec.md §8, a "what about tomorrow" follow-up needs the prior turn's
// resolved location/team/airport, not just its intent label.
func (o *Orchestrator) appendTurns(ctx context.Context, sess *session.Session, state *RequestState, resp ChatResponse) {
	sourceTags := make([]string, 0, len(resp.Sources))
	for _, s := range resp.Sources {
		sourceTags = append(sourceTags, s.Provider)
	}
	_ = o.sessions.Append(ctx, sess.ID, session.Turn{
		Role:      session.RoleUser,
		Content:   state.Query,
		Timestamp: time.Now(),
		Intent:    resp.Intent,
		Entities:  entityMap(state.Entities),
	})
	_ = o.sessions.Append(ctx, sess.ID, session.Turn{Role: session.RoleAssistant, Content: firstChoiceText(resp), Timestamp: time.Now(), Sources: sourceTags})
}

func firstChoiceText(resp ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

func lastAssistantFingerprint(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	turn, ok := sess.LastAssistantTurn()
	if !ok {
		return ""
	}
	sum := sha256.Sum256([]byte(turn.Content))
	return hex.EncodeToString(sum[:])
}

func entityMap(e core.Entities) map[string]interface{} {
	m := make(map[string]interface{})
	if e.Location != nil {
		m["location"] = *e.Location
	}
	if e.Team != nil {
		m["team"] = *e.Team
	}
	if e.Airport != nil {
		m["airport"] = *e.Airport
	}
	if e.Timeframe != nil {
		m["timeframe"] = *e.Timeframe
	}
	return m
}

func adapterNameFor(intent core.Intent) string {
	switch intent {
	case core.IntentWeather:
		return "weather"
	case core.IntentSports:
		return "sports"
	case core.IntentAirports:
		return "airports"
	default:
		return ""
	}
}

func entityParams(e core.Entities) map[string][]string {
	out := make(map[string][]string)
	if e.Location != nil {
		out["location"] = []string{*e.Location}
	}
	if e.Team != nil {
		out["team"] = []string{*e.Team}
	}
	if e.Airport != nil {
		out["airport"] = []string{*e.Airport}
	}
	if e.Timeframe != nil {
		out["timeframe"] = []string{*e.Timeframe}
	}
	if e.ForecastFlag {
		out["forecast"] = []string{"true"}
	}
	return out
}

func buildPrompt(state *RequestState) string {
	var b strings.Builder
	b.WriteString("You are a concise conversational assistant. Answer the user's question using only the evidence provided below; if the evidence is insufficient, say so plainly.\n\n")

	if state.Session != nil {
		for _, t := range state.Session.Recent(3) {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}

	fmt.Fprintf(&b, "user: %s\n\nEvidence:\n", state.Query)
	for _, s := range state.Sources {
		payload, _ := json.Marshal(s.Payload)
		fmt.Fprintf(&b, "- [%s/%s] %s\n", s.Provider, s.Kind, string(payload))
	}
	return b.String()
}

func fixedSafeMessage(state *RequestState) string {
	return "I wasn't able to generate a complete answer in time. Here's what I found so far, if anything: " + sourceSummary(state.Sources)
}

func uncertaintyTemplate(state *RequestState) string {
	var b strings.Builder
	b.WriteString("I don't have enough confirmed information to answer that confidently.")
	if len(state.Sources) > 0 {
		b.WriteString(" I consulted: " + sourceSummary(state.Sources) + ".")
	}
	b.WriteString(" You may want to check an authoritative source directly.")
	return b.String()
}

func sourceSummary(sources []core.Source) string {
	if len(sources) == 0 {
		return "no sources were available"
	}
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Provider)
	}
	return strings.Join(names, ", ")
}
