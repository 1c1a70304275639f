// Package validate implements the Validator (spec.md §4.6): a pure
// function of (candidate text, intent, entities, sources) with no I/O,
// grounded on this codebase's error analyzer (orchestration/error_analyzer.go's
// pure classification-of-a-result shape) and its hallucination-detection
// test suite's token-normalization style
// (orchestration/hallucination_detection_test.go, which already
// normalizes identifiers to lowercase before comparing them) —
// generalized here from "did a tool call hallucinate an agent name" to
// "does a synthesized claim appear in the gathered evidence".
package validate

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nlqa/orchestrator/core"
)

// Verdict is the validator's closed outcome set.
type Verdict string

const (
	VerdictPass            Verdict = "pass"
	VerdictFailUnsupported Verdict = "fail-unsupported"
	VerdictFailUnsafe      Verdict = "fail-unsafe"
)

// Outcome is the Validate() return shape.
type Outcome struct {
	Verdict Verdict
	Reason  string
}

var (
	numberPattern    = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	properNounPattern = regexp.MustCompile(`\b[A-Z][a-zA-Z]{2,}\b`)
	pricePattern     = regexp.MustCompile(`[$€£]\s?\d+(?:\.\d{2})?`)
	datePattern      = regexp.MustCompile(`(?i)\b(\d{4}-\d{2}-\d{2}|january|february|march|april|may|june|july|august|september|october|november|december)\b`)
)

// Validate implements the §4.6 contract. It must run in under a few
// milliseconds and performs no I/O: every input is already in memory.
func Validate(candidate string, intent core.Intent, entities core.Entities, sources []core.Source) Outcome {
	if intent == core.IntentControl {
		// a device-control query that leaked into an info path is the
		// fail-unsafe path the spec reserves; always degrades.
		return Outcome{Verdict: VerdictFailUnsafe, Reason: "control intent reached validator"}
	}

	claims := extractClaims(candidate)
	if len(claims) == 0 {
		return Outcome{Verdict: VerdictPass, Reason: "no specific factual claims to ground"}
	}

	if !hasGroundableSource(sources) {
		return Outcome{Verdict: VerdictFailUnsupported, Reason: "candidate contains factual claims but no grounded sources were retrieved"}
	}

	evidence := buildEvidenceIndex(sources)
	for _, claim := range claims {
		if !evidence[normalizeToken(claim)] {
			return Outcome{Verdict: VerdictFailUnsupported, Reason: "claim \"" + claim + "\" has no matching token in any source payload"}
		}
	}

	return Outcome{Verdict: VerdictPass, Reason: "all claims grounded in sources"}
}

// hasGroundableSource reports whether sources contains at least one
// non-llm_knowledge source, per spec.md §4.6's "Sources is empty or all
// Sources are of kind llm_knowledge" rule.
func hasGroundableSource(sources []core.Source) bool {
	for _, s := range sources {
		if s.Kind != core.SourceKindLLMKnowledge {
			return true
		}
	}
	return false
}

// extractClaims pulls out numbers, proper nouns, prices, and dates — the
// named-entity claim types spec.md §4.6 names.
func extractClaims(text string) []string {
	var claims []string
	claims = append(claims, numberPattern.FindAllString(text, -1)...)
	claims = append(claims, properNounPattern.FindAllString(text, -1)...)
	claims = append(claims, pricePattern.FindAllString(text, -1)...)
	claims = append(claims, datePattern.FindAllString(text, -1)...)
	return claims
}

// buildEvidenceIndex flattens every source payload's values into a set of
// normalized tokens for loose matching.
func buildEvidenceIndex(sources []core.Source) map[string]bool {
	index := make(map[string]bool)
	for _, s := range sources {
		for _, v := range s.Payload {
			for _, tok := range tokenize(v) {
				index[normalizeToken(tok)] = true
			}
		}
	}
	return index
}

func tokenize(v interface{}) []string {
	switch val := v.(type) {
	case string:
		return strings.Fields(val)
	case float64:
		return []string{strconv.FormatFloat(val, 'f', -1, 64)}
	case int:
		return []string{strconv.Itoa(val)}
	case bool:
		return []string{strconv.FormatBool(val)}
	default:
		return nil
	}
}

// normalizeToken implements the validator's "loose normalization": strip
// surrounding punctuation, a leading currency symbol, and fold to
// lowercase, so "$72" grounds "72" and "Austin," grounds "austin".
func normalizeToken(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.')
	})
	return strings.ToLower(s)
}
