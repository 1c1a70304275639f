package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nlqa/orchestrator/core"
)

func TestValidatePassesWithNoFactualClaims(t *testing.T) {
	out := Validate("I'm not sure, could you clarify?", core.IntentGeneralInfo, core.Entities{}, nil)
	assert.Equal(t, VerdictPass, out.Verdict)
}

func TestValidateFailsUnsupportedWithNoSources(t *testing.T) {
	out := Validate("It's 72 degrees in Austin today.", core.IntentWeather, core.Entities{}, nil)
	assert.Equal(t, VerdictFailUnsupported, out.Verdict)
}

func TestValidateFailsUnsupportedWhenOnlyLLMKnowledge(t *testing.T) {
	sources := []core.Source{{Provider: "llm", Kind: core.SourceKindLLMKnowledge, Payload: map[string]interface{}{"note": "72 Austin"}}}
	out := Validate("It's 72 degrees in Austin today.", core.IntentWeather, core.Entities{}, sources)
	assert.Equal(t, VerdictFailUnsupported, out.Verdict)
}

func TestValidatePassesWhenClaimsAreGrounded(t *testing.T) {
	sources := []core.Source{
		{Provider: "weather", Kind: core.SourceKindRAG, Payload: map[string]interface{}{
			"temperature_f": float64(72),
			"city":          "Austin",
		}},
	}
	out := Validate("It's 72 degrees in Austin today.", core.IntentWeather, core.Entities{}, sources)
	assert.Equal(t, VerdictPass, out.Verdict)
}

func TestValidateFailsUnsupportedWhenClaimNotInSources(t *testing.T) {
	sources := []core.Source{
		{Provider: "weather", Kind: core.SourceKindRAG, Payload: map[string]interface{}{
			"temperature_f": float64(50),
			"city":          "Austin",
		}},
	}
	out := Validate("It's 99 degrees in Austin today.", core.IntentWeather, core.Entities{}, sources)
	assert.Equal(t, VerdictFailUnsupported, out.Verdict)
}

func TestValidateFailsUnsafeForControlIntent(t *testing.T) {
	out := Validate("Turning off the lights now.", core.IntentControl, core.Entities{}, nil)
	assert.Equal(t, VerdictFailUnsafe, out.Verdict)
}
