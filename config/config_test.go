package config

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagServesControlPlaneValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]FeatureFlag{{ID: 1, Name: "response_cache", Enabled: false}})
	}))
	defer srv.Close()

	c := New(srv.URL, "token", WithDefaults(Defaults{Flags: map[string]bool{"response_cache": true}, FlagTTL: time.Minute, RouteTTL: time.Minute}))
	assert.False(t, c.Flag(context.Background(), "response_cache"))
}

func TestFlagFailsOpenToDefaultWhenBackendUnavailable(t *testing.T) {
	c := New("http://127.0.0.1:1", "token", WithDefaults(Defaults{Flags: map[string]bool{"response_cache": true}, FlagTTL: time.Minute, RouteTTL: time.Minute}))
	assert.True(t, c.Flag(context.Background(), "response_cache"))
}

func TestRequiredFlagCannotBeDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]FeatureFlag{{ID: 2, Name: "core_safety", Enabled: false, Required: true}})
	}))
	defer srv.Close()

	c := New(srv.URL, "token", WithDefaults(Defaults{FlagTTL: time.Minute, RouteTTL: time.Minute}))
	assert.True(t, c.Flag(context.Background(), "core_safety"))
}

func TestRoutingServesLastKnownGoodOnFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			json.NewEncoder(w).Encode([]RoutingEntry{{Intent: "weather", AdapterName: "weather-rag", TimeoutMS: 10000}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "token", WithDefaults(Defaults{FlagTTL: time.Millisecond, RouteTTL: time.Millisecond}))

	entry, ok := c.Routing(context.Background(), "weather")
	require.True(t, ok)
	assert.Equal(t, "weather-rag", entry.AdapterName)

	time.Sleep(5 * time.Millisecond)
	entry, ok = c.Routing(context.Background(), "weather")
	require.True(t, ok)
	assert.Equal(t, "weather-rag", entry.AdapterName)
}

func TestExternalKeyReturnsFalseWhenNeverFetched(t *testing.T) {
	c := New("http://127.0.0.1:1", "token")
	_, ok := c.ExternalKey(context.Background(), "weather-provider")
	assert.False(t, ok)
}
