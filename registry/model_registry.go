// Package registry provides concrete adapters for the two external,
// read-only collaborators the orchestration core consumes by name: the
// model registry (provider_tag, model_id) -> LLMClient, and the tool
// registry (name) -> ToolHandle. Both are swappable interfaces-only
// collaborators at the call sites that use them; this package is the
// default implementation, using a Redis-backed lookup with an in-process
// cache fallback and ai/provider.go's provider factories.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/agentmesh/orchestrator/ai"
	"github.com/agentmesh/orchestrator/core"
)

// ModelEntry is one registered (provider_tag, model_id) binding with the
// credentials/endpoint needed to construct a client for it.
type ModelEntry struct {
	ProviderTag string
	ModelID     string
	APIKey      string
	BaseURL     string
	Region      string // for bedrock
}

// ModelRegistry resolves model_refs to core.AIClient instances. Entries are
// cached in-process and refreshed from Redis, falling back to the local
// cache when Redis is briefly unavailable.
type ModelRegistry struct {
	redis  *redis.Client
	mu     sync.RWMutex
	cache  map[string]ModelEntry // key: providerTag+"/"+modelID
	logger core.ComponentAwareLogger
}

// NewModelRegistry builds a registry backed by rdb (may be nil for a
// pure in-memory registry, useful in tests).
func NewModelRegistry(rdb *redis.Client, logger core.ComponentAwareLogger) *ModelRegistry {
	if logger != nil {
		logger = logger.WithComponent("orchestration/registry").(core.ComponentAwareLogger)
	}
	return &ModelRegistry{redis: rdb, cache: make(map[string]ModelEntry), logger: logger}
}

// Register adds or replaces a model entry, writing through to both the
// in-process cache and the backing Redis hash.
func (r *ModelRegistry) Register(ctx context.Context, entry ModelEntry) error {
	key := entry.ProviderTag + "/" + entry.ModelID
	r.mu.Lock()
	r.cache[key] = entry
	r.mu.Unlock()

	if r.redis != nil {
		hkey := "gomind:orchestration:models:" + key
		if err := r.redis.HSet(ctx, hkey, map[string]interface{}{
			"provider_tag": entry.ProviderTag,
			"model_id":     entry.ModelID,
			"api_key":      entry.APIKey,
			"base_url":     entry.BaseURL,
			"region":       entry.Region,
		}).Err(); err != nil {
			return fmt.Errorf("register model %s in redis: %w", key, err)
		}
	}
	return nil
}

// ResolveModel implements core.ModelRegistry.
func (r *ModelRegistry) ResolveModel(ctx context.Context, providerTag string, modelID string) (core.AIClient, error) {
	key := providerTag + "/" + modelID

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()

	if !ok && r.redis != nil {
		hkey := "gomind:orchestration:models:" + key
		vals, err := r.redis.HGetAll(ctx, hkey).Result()
		if err == nil && len(vals) > 0 {
			entry = ModelEntry{
				ProviderTag: vals["provider_tag"],
				ModelID:     vals["model_id"],
				APIKey:      vals["api_key"],
				BaseURL:     vals["base_url"],
				Region:      vals["region"],
			}
			ok = true
			r.mu.Lock()
			r.cache[key] = entry
			r.mu.Unlock()
		}
	}

	if !ok {
		return nil, core.NewFrameworkError("ModelRegistry.ResolveModel", core.KindNotFound,
			fmt.Errorf("no model registered for provider=%q model=%q", providerTag, modelID))
	}

	factory, exists := ai.GetProvider(entry.ProviderTag)
	if !exists {
		return nil, core.NewFrameworkError("ModelRegistry.ResolveModel", core.KindNotFound,
			fmt.Errorf("no provider factory registered for %q", entry.ProviderTag))
	}

	cfg := &ai.AIConfig{
		Provider:   entry.ProviderTag,
		APIKey:     entry.APIKey,
		BaseURL:    entry.BaseURL,
		Model:      entry.ModelID,
		Timeout:    30 * time.Second,
		MaxRetries: 0, // retry policy is owned by agentstep, not the raw client
		Extra:      map[string]interface{}{"region": entry.Region},
	}
	client := factory.Create(cfg)
	if client == nil {
		return nil, core.NewFrameworkError("ModelRegistry.ResolveModel", core.KindInternal,
			fmt.Errorf("provider factory %q returned nil client", entry.ProviderTag))
	}
	return client, nil
}
