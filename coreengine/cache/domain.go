package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/store"
)

// Metadata describes the producer of a cached value.
type Metadata struct {
	Source string            `json:"source,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Entry is one cached result.
type Entry struct {
	Fingerprint string    `json:"fingerprint"`
	Value       []byte    `json:"value"`
	Metadata    Metadata  `json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
	HitCount    int64     `json:"hit_count"`
	Size        int64     `json:"size"`
}

// Stats reports accounting for one domain.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hit_rate"`
	BytesUsed int64   `json:"bytes_used"`
	Entries   int     `json:"entries"`
	Evictions int64   `json:"evictions"`
	Errors    int64   `json:"errors"`
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// DomainOptions configures a DomainCache.
type DomainOptions struct {
	Enabled bool
	// MaxBytes bounds both tiers: an entry evicted from memory is deleted
	// from the durable tier too, and entries larger than the budget are not
	// cached at all.
	MaxBytes int64
	// MaxAge expires entries; zero disables expiry.
	MaxAge time.Duration
	// Durable, when set, is used read-through and write-through.
	Durable store.Store
	Logger  observability.Logger
	Now     func() time.Time
}

// DomainCache is a byte-budgeted LRU for the generation or tool domain.
type DomainCache struct {
	domain  Domain
	opts    DomainOptions
	logger  observability.Logger
	mu      sync.Mutex
	ll      *list.List
	items   map[string]*list.Element
	bytes   int64
	hits    int64
	misses  int64
	evicted int64
	errors  int64
}

// NewDomainCache creates a DomainCache.
func NewDomainCache(domain Domain, opts DomainOptions) *DomainCache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &DomainCache{
		domain: domain,
		opts:   opts,
		logger: observability.OrNop(opts.Logger).Bind("cache_domain", string(domain)),
		ll:     list.New(),
		items:  make(map[string]*list.Element),
	}
}

// Domain returns the domain this cache serves.
func (c *DomainCache) Domain() Domain {
	return c.domain
}

// Enabled reports whether lookups can hit.
func (c *DomainCache) Enabled() bool {
	return c.opts.Enabled
}

func (c *DomainCache) durableKey(fp string) string {
	return store.Join("cache", string(c.domain), fp)
}

// Get returns the cached value for fingerprint.
func (c *DomainCache) Get(ctx context.Context, fingerprint string) ([]byte, bool) {
	if !c.opts.Enabled {
		c.recordMiss()
		return nil, false
	}

	c.mu.Lock()
	if el, ok := c.items[fingerprint]; ok {
		entry := el.Value.(*Entry)
		if c.expired(entry) {
			// The durable copy is expired as well; readThrough deletes it.
			c.removeElement(el, "expired")
		} else {
			c.ll.MoveToFront(el)
			entry.HitCount++
			c.hits++
			value := append([]byte(nil), entry.Value...)
			c.mu.Unlock()
			observability.RecordCacheLookup(string(c.domain), "hit")
			return value, true
		}
	}
	c.mu.Unlock()

	if c.opts.Durable != nil {
		if entry, ok := c.readThrough(ctx, fingerprint); ok {
			c.mu.Lock()
			entry.HitCount++
			_, evicted := c.insert(entry)
			c.hits++
			c.mu.Unlock()
			c.dropDurable(ctx, evicted)
			observability.RecordCacheLookup(string(c.domain), "hit")
			return append([]byte(nil), entry.Value...), true
		}
	}

	c.recordMiss()
	return nil, false
}

func (c *DomainCache) readThrough(ctx context.Context, fp string) (*Entry, bool) {
	raw, err := c.opts.Durable.Get(ctx, c.durableKey(fp))
	if errors.Is(err, store.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		c.fail(NewCacheError(c.domain, "get", fp, err))
		return nil, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.fail(NewCacheError(c.domain, "decode", fp, err))
		return nil, false
	}
	if c.expired(&entry) {
		_ = c.opts.Durable.Delete(ctx, c.durableKey(fp))
		return nil, false
	}
	return &entry, true
}

// Put stores value under fingerprint. Backend failures are logged and
// counted, never returned.
func (c *DomainCache) Put(ctx context.Context, fingerprint string, value []byte, md Metadata) {
	if !c.opts.Enabled {
		return
	}

	entry := &Entry{
		Fingerprint: fingerprint,
		Value:       append([]byte(nil), value...),
		Metadata:    md,
		CreatedAt:   c.opts.Now().UTC(),
		Size:        int64(len(value) + len(fingerprint)),
	}

	c.mu.Lock()
	kept, evicted := c.insert(entry)
	c.mu.Unlock()
	c.dropDurable(ctx, evicted)

	if kept && c.opts.Durable != nil {
		raw, err := json.Marshal(entry)
		if err != nil {
			c.fail(NewCacheError(c.domain, "encode", fingerprint, err))
			return
		}
		if err := c.opts.Durable.Put(ctx, c.durableKey(fingerprint), raw); err != nil {
			c.fail(NewCacheError(c.domain, "put", fingerprint, err))
		}
	}
}

// insert adds entry to the LRU and evicts down to the budget. It reports
// whether entry fits the budget and which fingerprints were evicted for
// size. Caller holds mu.
func (c *DomainCache) insert(entry *Entry) (bool, []string) {
	if el, ok := c.items[entry.Fingerprint]; ok {
		c.removeElement(el, "")
	}
	if c.opts.MaxBytes > 0 && entry.Size > c.opts.MaxBytes {
		return false, nil
	}

	c.items[entry.Fingerprint] = c.ll.PushFront(entry)
	c.bytes += entry.Size

	var evicted []string
	for c.opts.MaxBytes > 0 && c.bytes > c.opts.MaxBytes {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		evicted = append(evicted, oldest.Value.(*Entry).Fingerprint)
		c.removeElement(oldest, "size")
	}
	observability.SetCacheBytes(string(c.domain), c.bytes)
	return true, evicted
}

// dropDurable deletes the durable copies of fingerprints.
func (c *DomainCache) dropDurable(ctx context.Context, fingerprints []string) {
	if c.opts.Durable == nil {
		return
	}
	for _, fp := range fingerprints {
		if err := c.opts.Durable.Delete(ctx, c.durableKey(fp)); err != nil {
			c.fail(NewCacheError(c.domain, "delete", fp, err))
		}
	}
}

// removeElement drops el. An empty reason means replacement, not eviction.
func (c *DomainCache) removeElement(el *list.Element, reason string) {
	entry := el.Value.(*Entry)
	c.ll.Remove(el)
	delete(c.items, entry.Fingerprint)
	c.bytes -= entry.Size
	if reason != "" {
		c.evicted++
		observability.RecordCacheEviction(string(c.domain), reason)
	}
}

func (c *DomainCache) expired(entry *Entry) bool {
	return c.opts.MaxAge > 0 && c.opts.Now().Sub(entry.CreatedAt) > c.opts.MaxAge
}

func (c *DomainCache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	observability.RecordCacheLookup(string(c.domain), "miss")
}

func (c *DomainCache) fail(err *CacheError) {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
	observability.RecordCacheLookup(string(c.domain), "error")
	c.logger.Warn("cache_error", "op", err.Op, "fingerprint", err.Fingerprint, "error", err.Err)
}

// Sweep removes expired entries from both tiers and returns how many were
// removed.
func (c *DomainCache) Sweep(ctx context.Context) int {
	c.mu.Lock()
	var expired []string
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if entry := el.Value.(*Entry); c.expired(entry) {
			expired = append(expired, entry.Fingerprint)
			c.removeElement(el, "expired")
		}
		el = prev
	}
	observability.SetCacheBytes(string(c.domain), c.bytes)
	c.mu.Unlock()

	c.dropDurable(ctx, expired)
	return len(expired)
}

// Stats returns accounting for this domain.
func (c *DomainCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		HitRate:   hitRate(c.hits, c.misses),
		BytesUsed: c.bytes,
		Entries:   c.ll.Len(),
		Evictions: c.evicted,
		Errors:    c.errors,
	}
}
