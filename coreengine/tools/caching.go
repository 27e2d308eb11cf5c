package tools

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/cache"
)

// CachingExecutor serves deterministic tools from the tool cache. Other
// tools, failed results and a disabled cache all go straight to the
// registry, so a miss is indistinguishable from no cache at all.
type CachingExecutor struct {
	registry ToolRegistry
	cache    *cache.DomainCache
	calls    atomic.Int64
}

// NewCachingExecutor wraps registry with c. A nil cache disables caching.
func NewCachingExecutor(registry ToolRegistry, c *cache.DomainCache) *CachingExecutor {
	return &CachingExecutor{registry: registry, cache: c}
}

// Execute runs toolName, consulting the cache for deterministic tools.
func (e *CachingExecutor) Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	def := e.registry.GetDefinition(toolName)
	if def == nil || !def.Deterministic {
		return e.run(ctx, toolName, params)
	}

	// Deterministic results are returned in their JSON form whether or not
	// they came from the cache.
	fp, fpErr := cache.Fingerprint(cache.DomainTool, map[string]any{"tool": toolName, "params": params})
	cacheable := fpErr == nil && e.cache != nil && e.cache.Enabled()

	if cacheable {
		if raw, ok := e.cache.Get(ctx, fp); ok {
			var out map[string]any
			if err := json.Unmarshal(raw, &out); err == nil {
				return out, nil
			}
		}
	}

	out, err := e.run(ctx, toolName, params)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return out, nil
	}
	var normalized map[string]any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return out, nil
	}
	if cacheable && Normalize(normalized).Status == ToolStatusSuccess {
		e.cache.Put(ctx, fp, raw, cache.Metadata{Source: toolName})
	}
	return normalized, nil
}

func (e *CachingExecutor) run(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	e.calls.Add(1)
	return e.registry.Execute(ctx, toolName, params)
}

// GetDefinition implements ToolRegistry.
func (e *CachingExecutor) GetDefinition(toolName string) *ToolDefinition {
	return e.registry.GetDefinition(toolName)
}

// Has implements ToolRegistry.
func (e *CachingExecutor) Has(toolName string) bool {
	return e.registry.Has(toolName)
}

// List implements ToolRegistry.
func (e *CachingExecutor) List() []string {
	return e.registry.List()
}

// Calls returns how many executions reached the registry.
func (e *CachingExecutor) Calls() int64 {
	return e.calls.Load()
}

// Ensure CachingExecutor implements ToolRegistry.
var _ ToolRegistry = (*CachingExecutor)(nil)
