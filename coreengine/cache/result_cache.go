package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/store"
)

// ResultCache exposes the three domains through one Get/Put/Stats surface.
type ResultCache struct {
	generation *DomainCache
	tool       *DomainCache
	session    *SessionLog
}

// New builds a ResultCache from core configuration. durable backs the
// session domain and the durable tier of the other two.
func New(cfg *config.CoreConfig, durable store.Store, logger observability.Logger) *ResultCache {
	if cfg == nil {
		cfg = config.DefaultCoreConfig()
	}
	return &ResultCache{
		generation: NewDomainCache(DomainGeneration, DomainOptions{
			Enabled:  cfg.EnableGenerationCache,
			MaxBytes: cfg.GenerationCacheBytes,
			MaxAge:   cfg.CacheMaxAge(),
			Durable:  durable,
			Logger:   logger,
		}),
		tool: NewDomainCache(DomainTool, DomainOptions{
			Enabled:  cfg.EnableToolCache,
			MaxBytes: cfg.ToolCacheBytes,
			MaxAge:   cfg.CacheMaxAge(),
			Durable:  durable,
			Logger:   logger,
		}),
		session: NewSessionLog(durable, logger),
	}
}

// Generation returns the generation-call domain.
func (c *ResultCache) Generation() *DomainCache { return c.generation }

// Tool returns the deterministic-tool domain.
func (c *ResultCache) Tool() *DomainCache { return c.tool }

// Session returns the handoff-session log.
func (c *ResultCache) Session() *SessionLog { return c.session }

// Get looks up fingerprint in domain. For the session domain the
// fingerprint is a workflow id and the value is its JSON history.
func (c *ResultCache) Get(ctx context.Context, domain Domain, fingerprint string) ([]byte, bool) {
	switch domain {
	case DomainGeneration:
		return c.generation.Get(ctx, fingerprint)
	case DomainTool:
		return c.tool.Get(ctx, fingerprint)
	case DomainSession:
		records, err := c.session.History(ctx, fingerprint)
		if err != nil || len(records) == 0 {
			return nil, false
		}
		raw, err := json.Marshal(records)
		if err != nil {
			return nil, false
		}
		return raw, true
	}
	return nil, false
}

// Put stores value in domain. For the session domain the fingerprint is a
// workflow id and value is an encoded packet that is appended.
func (c *ResultCache) Put(ctx context.Context, domain Domain, fingerprint string, value []byte, md Metadata) error {
	switch domain {
	case DomainGeneration:
		c.generation.Put(ctx, fingerprint, value, md)
		return nil
	case DomainTool:
		c.tool.Put(ctx, fingerprint, value, md)
		return nil
	case DomainSession:
		p, err := handoff.Decode(value)
		if err != nil {
			return err
		}
		_, err = c.session.Append(ctx, fingerprint, p)
		return err
	}
	return fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
}

// Stats returns accounting for domain.
func (c *ResultCache) Stats(domain Domain) Stats {
	switch domain {
	case DomainGeneration:
		return c.generation.Stats()
	case DomainTool:
		return c.tool.Stats()
	case DomainSession:
		return c.session.Stats()
	}
	return Stats{}
}

// AllStats returns Stats keyed by domain.
func (c *ResultCache) AllStats() map[Domain]Stats {
	out := make(map[Domain]Stats, len(AllDomains))
	for _, d := range AllDomains {
		out[d] = c.Stats(d)
	}
	return out
}

// Sweep drops expired entries from the generation and tool domains.
func (c *ResultCache) Sweep(ctx context.Context) int {
	return c.generation.Sweep(ctx) + c.tool.Sweep(ctx)
}
