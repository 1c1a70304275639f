package classify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlqa/orchestrator/core"
)

func TestClassifyWeatherIntent(t *testing.T) {
	c := New(nil)
	result := c.Classify(context.Background(), "what's the weather in Austin tomorrow", nil)

	assert.Equal(t, core.IntentWeather, result.Intent)
	assert.True(t, result.Confidence >= 0.8)
	require.NotNil(t, result.Entities.Location)
	assert.Equal(t, "Austin", *result.Entities.Location)
	require.NotNil(t, result.Entities.Timeframe)
	assert.True(t, result.Entities.ForecastFlag)
}

func TestClassifyIsDeterministic(t *testing.T) {
	c := New(nil)
	a := c.Classify(context.Background(), "flight status for gate B12", nil)
	b := c.Classify(context.Background(), "flight status for gate B12", nil)
	assert.Equal(t, a.Intent, b.Intent)
	assert.Equal(t, a.Confidence, b.Confidence)
}

func TestClassifyUnknownWithNoHistory(t *testing.T) {
	c := New(nil)
	result := c.Classify(context.Background(), "tell me something interesting", nil)
	assert.Equal(t, core.IntentUnknown, result.Intent)
	assert.False(t, result.Promoted)
}

func TestClassifyPromotesFromHistory(t *testing.T) {
	c := New(nil)
	history := []Turn{
		{Role: "user", Content: "how's the weather in Denver", Intent: "weather"},
		{Role: "assistant", Content: "sunny and 72"},
	}
	result := c.Classify(context.Background(), "what about tomorrow", history)
	assert.Equal(t, core.IntentWeather, result.Intent)
	assert.True(t, result.Promoted)
}

func TestClassifyResolvesCoreferenceFromHistory(t *testing.T) {
	c := New(nil)
	history := []Turn{
		{Role: "user", Content: "weather in Chicago", Intent: "weather", Entities: map[string]interface{}{"location": "Chicago"}},
		{Role: "assistant", Content: "cloudy and cold"},
	}
	result := c.Classify(context.Background(), "what about it this weekend", history)
	require.NotNil(t, result.Entities.Location)
	assert.Equal(t, "Chicago", *result.Entities.Location)
	assert.True(t, result.Entities.IsResolved("location"))
}
