// Command server boots the conversational query orchestrator: it wires
// the Session Store, LLM Client, Retrieval Adapter Registry, Response
// Cache, Config Client, and Intent Classifier into an Orchestrator, then
// serves the HTTP Surface. No Parallel Search Engine is constructed: the
// Orchestrator receives a nil search engine. Grounded on this
// codebase's cmd/example/main.go bootstrap shape (construct components,
// Initialize, Start), generalized from a single tool to the full
// orchestrator wiring graph.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nlqa/orchestrator/adapters"
	"github.com/nlqa/orchestrator/cache"
	"github.com/nlqa/orchestrator/classify"
	"github.com/nlqa/orchestrator/config"
	"github.com/nlqa/orchestrator/core"
	"github.com/nlqa/orchestrator/httpapi"
	"github.com/nlqa/orchestrator/llm"
	"github.com/nlqa/orchestrator/orchestrator"
	"github.com/nlqa/orchestrator/session"
	"github.com/nlqa/orchestrator/telemetry"
)

func main() {
	boot := config.Load()

	logger := core.NewProductionLogger("orchestrator", boot.LogLevel, boot.LogFormat)
	tel := telemetry.New("orchestrator")

	var sessionStore session.Store
	var responseCache cache.Cache

	if boot.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: boot.RedisAddr})
		sessionStore = session.NewRedisStore(redisClient, session.Options{MaxTurns: boot.SessionMaxTurns, TTL: boot.SessionTTL}, logger)
		responseCache = cache.NewRedisCache(redisClient)
		logger.Info("using redis-backed session store and response cache", map[string]interface{}{"addr": boot.RedisAddr})
	} else {
		sessionStore = session.NewMemoryStore(session.Options{MaxTurns: boot.SessionMaxTurns, TTL: boot.SessionTTL}, logger)
		memCache := cache.NewMemoryCache(boot.CacheMaxItems, boot.CacheTTL)
		defer memCache.Close()
		responseCache = memCache
		logger.Info("using in-memory session store and response cache", nil)
	}

	classifier := classify.New(logger)

	llmBackend := llm.NewHTTPBackend(boot.LLMAPIKey, llm.WithBaseURL(boot.LLMBaseURL))
	llmClient := llm.New(llmBackend, llm.WithLogger(logger), llm.WithTelemetry(tel))

	adapterRegistry := adapters.NewRegistry()

	var configClient *config.Client
	if boot.ConfigPlaneURL != "" {
		defaults, err := config.LoadDefaultsFile(boot.DefaultsFile)
		if err != nil {
			logger.Warn("failed to load local defaults file, using compiled-in defaults", map[string]interface{}{"path": boot.DefaultsFile, "error": err.Error()})
			defaults = config.DefaultDefaults()
		}
		configClient = config.New(boot.ConfigPlaneURL, boot.ConfigServiceToken, config.WithLogger(logger), config.WithDefaults(defaults))
	}

	orch := orchestrator.New(sessionStore, classifier, llmClient, adapterRegistry, nil, responseCache, configClient, tel, logger)

	server := httpapi.New(orch, sessionStore, adapterRegistry, responseCache, boot.InboundConcurrency,
		httpapi.WithLogger(logger),
		httpapi.WithTelemetry(tel),
		httpapi.WithRequestCeiling(boot.RequestCeiling),
		httpapi.WithRateLimit(boot.RequestRateLimit, boot.InboundConcurrency*2),
	)

	httpServer := &http.Server{
		Addr:              addr(boot.Port),
		Handler:           telemetry.WrapHandler("orchestrator", server.Handler()),
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting http server", map[string]interface{}{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", map[string]interface{}{"error": err.Error()})
	}
}

func addr(port int) string {
	return ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
