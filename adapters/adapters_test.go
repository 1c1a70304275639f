package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlqa/orchestrator/core"
)

func TestAdapterQuerySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"temperature_f": 72, "condition": "sunny"}`))
	}))
	defer srv.Close()

	a, err := New(Config{Name: "weather", BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	src, err := a.Query(context.Background(), "forecast", url.Values{"city": {"Austin"}})
	require.NoError(t, err)
	assert.Equal(t, "weather", src.Provider)
	assert.Equal(t, core.SourceKindRAG, src.Kind)
	assert.Equal(t, float64(72), src.Payload["temperature_f"])
}

func TestAdapterQueryUpstreamErrorIsTagged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a, err := New(Config{Name: "sports", BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	_, err = a.Query(context.Background(), "scores", nil)
	require.Error(t, err)
	var stageErr *core.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, core.ErrCodeUpstreamUnavailable, stageErr.Code)
}

func TestRegistryGetAndHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	a, err := New(Config{Name: "airports", BaseURL: srv.URL, Timeout: time.Second})
	require.NoError(t, err)

	reg := NewRegistry()
	reg.Register(a)

	got, ok := reg.Get("airports")
	require.True(t, ok)
	assert.Same(t, a, got)

	health := reg.Health()
	assert.True(t, health["airports"])
}
