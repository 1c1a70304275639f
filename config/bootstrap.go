package config

import (
	"os"
	"strconv"
	"time"
)

// Bootstrap holds the env-driven startup configuration read once at
// process start (spec.md §6 "Environment inputs ... read once at
// startup plus on config refresh; none are re-read per request"),
// grounded on this codebase's Config/NewConfig env-tag conventions
// (core/config.go), simplified here to explicit getenv calls over
// reflection-based tag parsing.
type Bootstrap struct {
	Port int

	ConfigPlaneURL     string
	ConfigServiceToken string
	DefaultsFile       string

	LLMBaseURL string
	LLMAPIKey  string

	RedisAddr string

	SessionMaxTurns int
	SessionTTL      time.Duration

	CacheTTL      time.Duration
	CacheMaxItems int

	InboundConcurrency int
	RequestCeiling     time.Duration
	RequestRateLimit   float64

	ClassifyBudget   time.Duration
	RetrieveRAGBudget time.Duration
	RetrieveSearchBudget time.Duration
	SynthesizeBudget time.Duration
	ValidateBudget   time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads Bootstrap from the environment, applying the same defaults
// the spec documents throughout §4-§5.
func Load() Bootstrap {
	return Bootstrap{
		Port: envInt("ORCHESTRATOR_PORT", 8080),

		ConfigPlaneURL:     envOr("ORCHESTRATOR_CONFIG_PLANE_URL", ""),
		ConfigServiceToken: envOr("ORCHESTRATOR_CONFIG_SERVICE_TOKEN", ""),
		DefaultsFile:       envOr("ORCHESTRATOR_DEFAULTS_FILE", ""),

		LLMBaseURL: envOr("ORCHESTRATOR_LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:  envOr("ORCHESTRATOR_LLM_API_KEY", ""),

		RedisAddr: envOr("ORCHESTRATOR_REDIS_ADDR", ""),

		SessionMaxTurns: envInt("ORCHESTRATOR_SESSION_MAX_TURNS", 20),
		SessionTTL:      envDuration("ORCHESTRATOR_SESSION_TTL", time.Hour),

		CacheTTL:      envDuration("ORCHESTRATOR_CACHE_TTL", 5*time.Minute),
		CacheMaxItems: envInt("ORCHESTRATOR_CACHE_MAX_ITEMS", 10_000),

		InboundConcurrency: envInt("ORCHESTRATOR_INBOUND_CONCURRENCY", 10),
		RequestCeiling:     envDuration("ORCHESTRATOR_REQUEST_CEILING", 30*time.Second),
		RequestRateLimit:   envFloat("ORCHESTRATOR_REQUEST_RATE_LIMIT", 0),

		ClassifyBudget:       envDuration("ORCHESTRATOR_CLASSIFY_BUDGET", 3*time.Second),
		RetrieveRAGBudget:    envDuration("ORCHESTRATOR_RETRIEVE_RAG_BUDGET", 10*time.Second),
		RetrieveSearchBudget: envDuration("ORCHESTRATOR_RETRIEVE_SEARCH_BUDGET", 15*time.Second),
		SynthesizeBudget:     envDuration("ORCHESTRATOR_SYNTHESIZE_BUDGET", 20*time.Second),
		ValidateBudget:       envDuration("ORCHESTRATOR_VALIDATE_BUDGET", 2*time.Second),

		LogLevel:  envOr("ORCHESTRATOR_LOG_LEVEL", "info"),
		LogFormat: envOr("ORCHESTRATOR_LOG_FORMAT", "json"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
