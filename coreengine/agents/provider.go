package agents

import (
	"context"
	"sync/atomic"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/cache"
)

// CachedProvider serves repeated generation calls from the generation
// cache. A miss, a disabled cache or a fingerprint failure all fall through
// to the wrapped provider, so results never depend on the cache.
type CachedProvider struct {
	inner LLMProvider
	cache *cache.DomainCache
	calls atomic.Int64
}

// NewCachedProvider wraps inner with c.
func NewCachedProvider(inner LLMProvider, c *cache.DomainCache) *CachedProvider {
	return &CachedProvider{inner: inner, cache: c}
}

// Generate implements LLMProvider.
func (p *CachedProvider) Generate(ctx context.Context, model string, prompt string, options map[string]any) (string, error) {
	fp, err := cache.Fingerprint(cache.DomainGeneration, map[string]any{
		"model":   model,
		"prompt":  prompt,
		"options": options,
	})
	if err == nil && p.cache != nil {
		if v, ok := p.cache.Get(ctx, fp); ok {
			return string(v), nil
		}
	}

	p.calls.Add(1)
	text, genErr := p.inner.Generate(ctx, model, prompt, options)
	if genErr != nil {
		return "", genErr
	}
	if err == nil && p.cache != nil {
		p.cache.Put(ctx, fp, []byte(text), cache.Metadata{Source: model})
	}
	return text, nil
}

// Calls returns how many calls reached the wrapped provider.
func (p *CachedProvider) Calls() int64 {
	return p.calls.Load()
}

// Ensure CachedProvider implements LLMProvider.
var _ LLMProvider = (*CachedProvider)(nil)
