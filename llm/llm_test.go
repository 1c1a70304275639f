package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlqa/orchestrator/core"
	"github.com/nlqa/orchestrator/resilience"
)

type fakeBackend struct {
	calls   int
	failN   int
	sleep   time.Duration
	resp    Result
	failErr error
}

func (f *fakeBackend) Generate(ctx context.Context, prompt string, tier Tier) (Result, error) {
	f.calls++
	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if f.calls <= f.failN {
		return Result{}, f.failErr
	}
	return f.resp, nil
}

func fastRetryConfig() *resilience.RetryConfig {
	return &resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
}

func TestClientGenerateRetriesOnce(t *testing.T) {
	backend := &fakeBackend{failN: 1, failErr: errors.New("transient"), resp: Result{Text: "ok", TokensUsed: 10}}
	client := New(backend, WithRetryConfig(fastRetryConfig()))

	result, err := client.Generate(context.Background(), "hello", TierSmall, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, 2, backend.calls)
}

func TestClientGenerateSurfacesUpstreamError(t *testing.T) {
	backend := &fakeBackend{failN: 5, failErr: errors.New("down")}
	client := New(backend, WithRetryConfig(fastRetryConfig()))

	_, err := client.Generate(context.Background(), "hello", TierSmall, time.Second)
	require.Error(t, err)
	var stageErr *core.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, core.ErrCodeUpstreamUnavailable, stageErr.Code)
}

func TestClientGenerateBudgetExhaustedReturnsTypedTimeout(t *testing.T) {
	backend := &fakeBackend{sleep: 50 * time.Millisecond, resp: Result{Text: "too late"}}
	client := New(backend, WithRetryConfig(fastRetryConfig()))

	_, err := client.Generate(context.Background(), "hello", TierSmall, 5*time.Millisecond)
	require.Error(t, err)
	var stageErr *core.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, core.ErrCodeTimeout, stageErr.Code)
}

func TestSelectTierRules(t *testing.T) {
	assert.Equal(t, TierSmall, SelectTier(core.IntentWeather, 0.95, 20))
	assert.Equal(t, TierMedium, SelectTier(core.IntentWeather, 0.5, 20))
	assert.Equal(t, TierMedium, SelectTier(core.IntentGeneralInfo, 0.95, 20))
	assert.Equal(t, TierMedium, SelectTier(core.IntentSports, 0.9, 500))
}
