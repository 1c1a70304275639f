package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// HTTPBackend is a Backend grounded directly on this codebase's OpenAI
// client (ai/client.go's OpenAIClient.GenerateResponse): a chat-completions
// style HTTP call, generalized to take a tier-to-model map instead of a
// single hardcoded model.
type HTTPBackend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	models     map[Tier]string
}

// HTTPBackendOption configures an HTTPBackend.
type HTTPBackendOption func(*HTTPBackend)

func WithBaseURL(url string) HTTPBackendOption {
	return func(b *HTTPBackend) { b.baseURL = url }
}

func WithModelMap(models map[Tier]string) HTTPBackendOption {
	return func(b *HTTPBackend) {
		for tier, model := range models {
			b.models[tier] = model
		}
	}
}

func WithHTTPClient(client *http.Client) HTTPBackendOption {
	return func(b *HTTPBackend) { b.httpClient = client }
}

// NewHTTPBackend builds an HTTPBackend. apiKey falls back to
// ORCHESTRATOR_LLM_API_KEY when empty, matching the teacher's
// env-fallback-on-empty-key convention.
func NewHTTPBackend(apiKey string, opts ...HTTPBackendOption) *HTTPBackend {
	if apiKey == "" {
		apiKey = os.Getenv("ORCHESTRATOR_LLM_API_KEY")
	}
	b := &HTTPBackend{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		models: map[Tier]string{
			TierSmall:  "gpt-4o-mini",
			TierMedium: "gpt-4o",
			TierLarge:  "gpt-4.1",
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *HTTPBackend) modelFor(tier Tier) string {
	if model, ok := b.models[tier]; ok {
		return model
	}
	return b.models[TierMedium]
}

func (b *HTTPBackend) Generate(ctx context.Context, prompt string, tier Tier) (Result, error) {
	if b.apiKey == "" {
		return Result{}, fmt.Errorf("llm backend: no API key configured")
	}

	model := b.modelFor(tier)
	reqBody := map[string]interface{}{
		"model": model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0.2,
		"max_tokens":  1024,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("llm backend: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("llm backend: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("llm backend: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("llm backend: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("llm backend: upstream status %d: %s", resp.StatusCode, string(body))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{}, fmt.Errorf("llm backend: parse response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return Result{}, fmt.Errorf("llm backend: empty response")
	}

	return Result{
		Text:       decoded.Choices[0].Message.Content,
		TokensUsed: decoded.Usage.TotalTokens,
		ModelID:    decoded.Model,
	}, nil
}

var _ Backend = (*HTTPBackend)(nil)
