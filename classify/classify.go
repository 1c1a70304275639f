// Package classify implements the Intent Classifier (spec.md §4.2):
// classify(query, history) -> (intent, confidence, entities), a
// deterministic ordered-pattern pre-filter grounded on this codebase's
// ordered-rule resolver style (orchestration/hybrid_resolver.go), with
// coreference resolution and temporal extraction grounded on
// orchestration/contextual_re_resolver.go and
// orchestration/micro_resolver.go's "resolve against recent turns" shape.
package classify

import (
	"context"
	"regexp"
	"strings"

	"github.com/nlqa/orchestrator/core"
	"github.com/nlqa/orchestrator/session"
)

// Turn is the caller-supplied opaque history shape. classify treats the
// caller's session turns as read-only context.
type Turn = session.Turn

// Result is the classify() contract's return shape.
type Result struct {
	Intent     core.Intent
	Confidence float64
	Entities   core.Entities
	// Promoted records whether intent was promoted from unknown by
	// coreference resolution, so the orchestrator can log it explicitly
	// per spec.md §4.2's "this promotion must be explicit and recorded
	// in telemetry" requirement.
	Promoted bool
}

type rule struct {
	pattern *regexp.Regexp
	intent  core.Intent
	// confidence is the fixed confidence assigned when this rule fires.
	confidence float64
}

// patternRules is the ordered pre-filter table. First match wins, matching
// the ordered-rule style this codebase uses for intent/capability
// resolution elsewhere.
var patternRules = []rule{
	{regexp.MustCompile(`(?i)\b(weather|forecast|temperature|rain|snow|sunny|humid)\b`), core.IntentWeather, 0.9},
	{regexp.MustCompile(`(?i)\b(score|game|match|standings|playoffs|roster|team)\b`), core.IntentSports, 0.9},
	{regexp.MustCompile(`(?i)\b(flight|airport|gate|departure|arrival|runway|terminal)\b`), core.IntentAirports, 0.9},
	{regexp.MustCompile(`(?i)\b(stop|cancel|pause|resume|shut up|nevermind)\b`), core.IntentControl, 0.85},
}

var entityPatterns = struct {
	location  *regexp.Regexp
	team      *regexp.Regexp
	airport   *regexp.Regexp
	timeframe *regexp.Regexp
}{
	location:  regexp.MustCompile(`\b[Ii]n ([A-Z][a-zA-Z]+(?: [A-Z][a-zA-Z]+)?)\b`),
	team:      regexp.MustCompile(`(?i)\bthe ([A-Z][a-zA-Z]+)\b`),
	airport:   regexp.MustCompile(`(?i)\b([A-Z]{3})\b`),
	timeframe: regexp.MustCompile(`(?i)\b(today|tonight|tomorrow|this week|next week|weekend|this month|next month)\b`),
}

var futureTimeframes = map[string]bool{
	"tonight": true, "tomorrow": true, "this week": true, "next week": true,
	"weekend": true, "this month": true, "next month": true,
}

// referringExpressions are pronoun/ellipsis markers that trigger
// coreference resolution per spec.md §4.2.
var referringExpressions = regexp.MustCompile(`(?i)\b(it|there|them|that|those|same|again)\b`)

// Classifier is the pattern-pre-filter classifier. An optional LLM path can
// be layered in front of it by a caller (the orchestrator), since the LLM
// path has no determinism guarantee and is out of scope for this type's
// deterministic contract.
type Classifier struct {
	logger core.Logger
}

func New(logger core.Logger) *Classifier {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Classifier{logger: core.WithComponent(logger, "classify")}
}

// Classify implements classify(query, history) -> (intent, confidence,
// entities). It is a pure function of its inputs: deterministic for a
// given (query, history) pair, per spec.md §4.2.
func (c *Classifier) Classify(ctx context.Context, query string, history []Turn) Result {
	intent, confidence := matchPattern(query)
	entities := extractEntities(query)

	promoted := false
	if intent == core.IntentUnknown && len(history) > 0 {
		if promotedIntent, ok := promoteFromHistory(history); ok {
			intent = promotedIntent
			promoted = true
			c.logger.InfoWithContext(ctx, "intent promoted from history", map[string]interface{}{
				"promoted_intent": string(intent),
			})
		}
	}

	if referringExpressions.MatchString(query) && len(history) > 0 {
		resolveFromHistory(&entities, intent, history)
	}

	return Result{Intent: intent, Confidence: confidence, Entities: entities, Promoted: promoted}
}

func matchPattern(query string) (core.Intent, float64) {
	for _, r := range patternRules {
		if r.pattern.MatchString(query) {
			return r.intent, r.confidence
		}
	}
	return core.IntentUnknown, 0.3
}

func extractEntities(query string) core.Entities {
	var e core.Entities

	if m := entityPatterns.location.FindStringSubmatch(query); len(m) > 1 {
		loc := m[1]
		e.Location = &loc
	}
	if m := entityPatterns.team.FindStringSubmatch(query); len(m) > 1 {
		team := m[1]
		e.Team = &team
	}
	if m := entityPatterns.airport.FindStringSubmatch(query); len(m) > 1 {
		code := strings.ToUpper(m[1])
		e.Airport = &code
	}
	if m := entityPatterns.timeframe.FindStringSubmatch(query); len(m) > 1 {
		tf := strings.ToLower(m[1])
		e.Timeframe = &tf
		if futureTimeframes[tf] {
			e.ForecastFlag = true
		}
	}

	return e
}

// resolveFromHistory implements the coreference resolution rule: scan
// turns most-recent-first, and the first turn whose recognized entity
// type matches the current intent's expected entity type supplies the
// resolution.
func resolveFromHistory(e *core.Entities, intent core.Intent, history []Turn) {
	field := expectedEntityField(intent)
	if field == "" || e.IsResolved(field) {
		return
	}
	if fieldPopulated(e, field) {
		return
	}

	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		if turn.Entities == nil {
			continue
		}
		if v, ok := turn.Entities[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				assignField(e, field, s)
				e.MarkResolved(field)
				return
			}
		}
	}
}

func expectedEntityField(intent core.Intent) string {
	switch intent {
	case core.IntentWeather:
		return "location"
	case core.IntentSports:
		return "team"
	case core.IntentAirports:
		return "airport"
	default:
		return ""
	}
}

func fieldPopulated(e *core.Entities, field string) bool {
	switch field {
	case "location":
		return e.Location != nil
	case "team":
		return e.Team != nil
	case "airport":
		return e.Airport != nil
	default:
		return false
	}
}

func assignField(e *core.Entities, field, value string) {
	switch field {
	case "location":
		e.Location = &value
	case "team":
		e.Team = &value
	case "airport":
		e.Airport = &value
	}
}

// promoteFromHistory finds the most recent turn with a recognized intent
// and returns it, implementing the "promote unknown to the intent of the
// most recent matching turn" rule.
func promoteFromHistory(history []Turn) (core.Intent, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Intent != "" && history[i].Intent != string(core.IntentUnknown) {
			return core.Intent(history[i].Intent).Normalize(), true
		}
	}
	return "", false
}
