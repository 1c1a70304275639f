// Package config implements the Config Client (spec.md §4.8): TTL-cached
// feature flags, routing map, and external credentials pulled from an
// admin control plane, failing open to the last known good value and then
// to a hardcoded default. Grounded on this codebase's service discovery
// client (core/discovery.go / core/redis_discovery.go: poll an external
// store, cache the result, keep serving it across a backend hiccup),
// generalized from service records to flags/routing/credentials.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nlqa/orchestrator/core"
)

// FeatureFlag mirrors spec.md §3.
type FeatureFlag struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Required bool   `json:"required"`
}

// RoutingEntry mirrors spec.md §3.
type RoutingEntry struct {
	Intent         string `json:"intent"`
	AdapterName    string `json:"adapter_name"`
	TimeoutMS      int    `json:"timeout_ms"`
	FallbackIntent string `json:"fallback_intent,omitempty"`
}

// Credential mirrors spec.md §3's external API credential.
type Credential struct {
	ServiceName string `json:"service_name"`
	APIKey      string `json:"api_key"`
	EndpointURL string `json:"endpoint_url"`
	RateLimit   int    `json:"rate_limit,omitempty"`
}

// Defaults are the hardcoded fallback values served when no last-known-good
// value exists yet, per spec.md §4.8.
type Defaults struct {
	Flags    map[string]bool
	Routing  map[string]RoutingEntry
	FlagTTL  time.Duration
	RouteTTL time.Duration
}

func DefaultDefaults() Defaults {
	return Defaults{
		Flags: map[string]bool{
			"conversation_context":               true,
			"enable_llm_intent_classification":   false,
			"response_cache":                     true,
		},
		Routing:  map[string]RoutingEntry{},
		FlagTTL:  60 * time.Second,
		RouteTTL: 60 * time.Second,
	}
}

// Client is the Config Client: flag(name) -> bool, routing(intent) ->
// RoutingEntry, external_key(service) -> Credential?.
type Client struct {
	baseURL         string
	serviceToken    string
	httpClient      *http.Client
	logger          core.Logger
	defaults        Defaults

	mu             sync.RWMutex
	flags          map[string]bool
	flagsFetchedAt time.Time
	routing        map[string]RoutingEntry
	routingAt      time.Time
	credentials    map[string]cachedCredential
}

type cachedCredential struct {
	cred      Credential
	fetchedAt time.Time
}

// Option configures a Client at construction time.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithLogger(l core.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func WithDefaults(d Defaults) Option {
	return func(cl *Client) { cl.defaults = d }
}

// New builds a Config Client against the admin control plane at baseURL,
// authenticating with a single shared service token per spec.md §6.
func New(baseURL, serviceToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:      baseURL,
		serviceToken: serviceToken,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		logger:       core.NoOpLogger{},
		defaults:     DefaultDefaults(),
		flags:        make(map[string]bool),
		routing:      make(map[string]RoutingEntry),
		credentials:  make(map[string]cachedCredential),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = core.WithComponent(c.logger, "config")
	return c
}

// Flag implements flag(name) -> bool. required flags can never be
// disabled at runtime per spec.md §3, so the control plane's "enabled"
// value is ignored for a flag marked required=true and true is returned.
func (c *Client) Flag(ctx context.Context, name string) bool {
	c.refreshFlagsIfStale(ctx)

	c.mu.RLock()
	v, ok := c.flags[name]
	c.mu.RUnlock()
	if ok {
		return v
	}

	if d, ok := c.defaults.Flags[name]; ok {
		return d
	}
	return false
}

func (c *Client) refreshFlagsIfStale(ctx context.Context) {
	c.mu.RLock()
	stale := time.Since(c.flagsFetchedAt) > c.defaults.FlagTTL
	c.mu.RUnlock()
	if !stale {
		return
	}

	fetched, err := c.fetchFlags(ctx)
	if err != nil {
		c.logger.WarnWithContext(ctx, "config backend unavailable, serving last known good flags", map[string]interface{}{"error": err.Error()})
		return
	}

	c.mu.Lock()
	for _, f := range fetched {
		c.flags[f.Name] = f.Enabled || f.Required
	}
	c.flagsFetchedAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) fetchFlags(ctx context.Context) ([]FeatureFlag, error) {
	var flags []FeatureFlag
	if err := c.getJSON(ctx, "/features/public", &flags); err != nil {
		return nil, err
	}
	return flags, nil
}

// Routing implements routing(intent) -> RoutingEntry.
func (c *Client) Routing(ctx context.Context, intent string) (RoutingEntry, bool) {
	c.refreshRoutingIfStale(ctx)

	c.mu.RLock()
	entry, ok := c.routing[intent]
	c.mu.RUnlock()
	if ok {
		return entry, true
	}

	entry, ok = c.defaults.Routing[intent]
	return entry, ok
}

func (c *Client) refreshRoutingIfStale(ctx context.Context) {
	c.mu.RLock()
	stale := time.Since(c.routingAt) > c.defaults.RouteTTL
	c.mu.RUnlock()
	if !stale {
		return
	}

	var entries []RoutingEntry
	if err := c.getJSON(ctx, "/routing/public", &entries); err != nil {
		c.logger.WarnWithContext(ctx, "config backend unavailable, serving last known good routing", map[string]interface{}{"error": err.Error()})
		return
	}

	c.mu.Lock()
	for _, e := range entries {
		c.routing[e.Intent] = e
	}
	c.routingAt = time.Now()
	c.mu.Unlock()
}

// ExternalKey implements external_key(service) -> Credential?. Credentials
// are fetched lazily on first use and cached for the flag TTL; the
// decrypted value is retained only in memory, per spec.md §3.
func (c *Client) ExternalKey(ctx context.Context, service string) (Credential, bool) {
	c.mu.RLock()
	cached, ok := c.credentials[service]
	fresh := ok && time.Since(cached.fetchedAt) <= c.defaults.FlagTTL
	c.mu.RUnlock()
	if fresh {
		return cached.cred, true
	}

	var cred Credential
	if err := c.getJSON(ctx, "/external-api-keys/public/"+service+"/key", &cred); err != nil {
		if ok {
			c.logger.WarnWithContext(ctx, "config backend unavailable, serving last known good credential", map[string]interface{}{"service": service, "error": err.Error()})
			return cached.cred, true
		}
		return Credential{}, false
	}

	c.mu.Lock()
	c.credentials[service] = cachedCredential{cred: cred, fetchedAt: time.Now()}
	c.mu.Unlock()
	return cred, true
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Service-Credential", c.serviceToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("config client: %s returned status %d", path, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}
