package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agentmesh/orchestrator/core"
)

// ToolFunc is the callable producing a text/JSON result for a single tool
// invocation: a tool capability is just a name mapped to a callable that
// produces a text result.
type ToolFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// handle adapts a ToolFunc to core.ToolHandle.
type handle struct {
	name string
	fn   ToolFunc
}

func (h *handle) Name() string { return h.name }
func (h *handle) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return h.fn(ctx, input)
}

// ToolRegistry is an in-process name->callable registry. A production
// deployment would back this with the same Redis catalog pattern as
// ModelRegistry; tools are typically process-local callables (HTTP clients,
// shell wrappers, SDKs) registered at startup, so no remote lookup is
// required by default.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]*handle
	logger core.ComponentAwareLogger
}

// NewToolRegistry builds an empty registry.
func NewToolRegistry(logger core.ComponentAwareLogger) *ToolRegistry {
	if logger != nil {
		logger = logger.WithComponent("orchestration/registry").(core.ComponentAwareLogger)
	}
	return &ToolRegistry{tools: make(map[string]*handle), logger: logger}
}

// Register binds name to fn. Re-registering a name replaces the prior binding.
func (r *ToolRegistry) Register(name string, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = &handle{name: name, fn: fn}
}

// ResolveTool implements core.ToolRegistry.
func (r *ToolRegistry) ResolveTool(ctx context.Context, name string) (core.ToolHandle, error) {
	r.mu.RLock()
	h, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, core.NewFrameworkError("ToolRegistry.ResolveTool", core.KindNotFound,
			fmt.Errorf("no tool registered with name %q", name))
	}
	return h, nil
}
