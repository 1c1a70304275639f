package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nlqa/orchestrator/adapters"
	"github.com/nlqa/orchestrator/cache"
	"github.com/nlqa/orchestrator/classify"
	"github.com/nlqa/orchestrator/llm"
	"github.com/nlqa/orchestrator/orchestrator"
	"github.com/nlqa/orchestrator/session"
)

type fakeBackend struct{}

func (fakeBackend) Generate(ctx context.Context, prompt string, tier llm.Tier) (llm.Result, error) {
	return llm.Result{Text: "a fine answer", ModelID: "fake"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sessions := session.NewMemoryStore(session.DefaultOptions(), nil)
	classifier := classify.New(nil)
	llmClient := llm.New(fakeBackend{})
	registry := adapters.NewRegistry()
	c := cache.NewMemoryCache(100, time.Minute)
	t.Cleanup(c.Close)

	orch := orchestrator.New(sessions, classifier, llmClient, registry, nil, c, nil, nil, nil)
	return New(orch, sessions, registry, c, 5)
}

func TestHandleChatCompletionsHappyPath(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "please stop"}},
	})
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded orchestrator.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	assert.Equal(t, "control", decoded.Intent)
	assert.NotEmpty(t, decoded.SessionID)
}

func TestHandleChatCompletionsRejectsEmptyMessages(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]interface{}{"messages": []map[string]string{}})
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleHealthReportsHealthy(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
}

func TestHandleSessionsListsRecent(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(map[string]interface{}{
		"session_id": "s1",
		"messages":   []map[string]string{{"role": "user", "content": "please stop"}},
	})
	resp, err := http.Post(ts.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	listResp, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	defer listResp.Body.Close()
	assert.Equal(t, http.StatusOK, listResp.StatusCode)
}

func TestHandleChatCompletionsMapsCancelledRequestTo499(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "please stop"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req = req.WithContext(ctx)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, 499, w.Code)
}

func TestBackpressureRejectsBeyondCapacity(t *testing.T) {
	sessions := session.NewMemoryStore(session.DefaultOptions(), nil)
	classifier := classify.New(nil)
	llmClient := llm.New(fakeBackend{})
	registry := adapters.NewRegistry()
	c := cache.NewMemoryCache(100, time.Minute)
	defer c.Close()
	orch := orchestrator.New(sessions, classifier, llmClient, registry, nil, c, nil, nil, nil)
	srv := New(orch, sessions, registry, c, 1)

	// Fill the single capacity slot directly.
	srv.inboundSemaphore <- struct{}{}
	defer func() { <-srv.inboundSemaphore }()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
