package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(name string) *Config {
	cfg := DefaultConfig(name)
	cfg.VolumeThreshold = 2
	cfg.SleepWindow = 20 * time.Millisecond
	cfg.HalfOpenRequests = 1
	cfg.WindowSize = time.Second
	cfg.BucketCount = 4
	return cfg
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb, err := New(testConfig("weather"))
	require.NoError(t, err)

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		err := cb.Execute(context.Background(), func() error { return boom })
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, "open", cb.GetState())
	err = cb.Execute(context.Background(), func() error { return nil })
	require.Error(t, err)
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	cb, err := New(testConfig("sports"))
	require.NoError(t, err)

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	require.Equal(t, "open", cb.GetState())

	time.Sleep(30 * time.Millisecond)
	require.True(t, cb.CanExecute())

	err = cb.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", cb.GetState())
}

func TestCircuitBreakerStaysClosedOnSuccess(t *testing.T) {
	cb, err := New(testConfig("airports"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		err := cb.Execute(context.Background(), func() error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, "closed", cb.GetState())
}

func TestCircuitBreakerTimeout(t *testing.T) {
	cb, err := New(testConfig("slow-provider"))
	require.NoError(t, err)

	err = cb.ExecuteWithTimeout(context.Background(), 10*time.Millisecond, func() error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
