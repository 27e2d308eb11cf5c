package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/config"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FINGERPRINT TESTS
// =============================================================================

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := map[string]any{"model": "m", "options": map[string]any{"temperature": 0.2, "top_p": 1}, "prompt": "p"}
	b := map[string]any{"prompt": "p", "options": map[string]any{"top_p": 1, "temperature": 0.2}, "model": "m"}

	fa, err := Fingerprint(DomainGeneration, a)
	require.NoError(t, err)
	fb, err := Fingerprint(DomainGeneration, b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64)
}

func TestFingerprintSeparatesDomainsAndInputs(t *testing.T) {
	input := map[string]any{"tool": "grep", "params": map[string]any{"q": "x"}}

	tests := []struct {
		name string
		a, b string
	}{
		{"domain", MustFingerprint(DomainGeneration, input), MustFingerprint(DomainTool, input)},
		{"value", MustFingerprint(DomainTool, input), MustFingerprint(DomainTool, map[string]any{"tool": "grep", "params": map[string]any{"q": "y"}})},
		{"list order is significant", MustFingerprint(DomainTool, []int{1, 2}), MustFingerprint(DomainTool, []int{2, 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, tt.a, tt.b)
		})
	}
}

func TestFingerprintStructAndMapAgree(t *testing.T) {
	type input struct {
		Tool   string `json:"tool"`
		Params int    `json:"params"`
	}
	fs := MustFingerprint(DomainTool, input{Tool: "ls", Params: 3})
	fm := MustFingerprint(DomainTool, map[string]any{"params": 3, "tool": "ls"})
	assert.Equal(t, fs, fm)
}

func TestFingerprintRejectsUnserializable(t *testing.T) {
	_, err := Fingerprint(DomainTool, map[string]any{"fn": func() {}})
	assert.Error(t, err)
}

// =============================================================================
// DOMAIN CACHE TESTS
// =============================================================================

func TestDomainCacheHitAndMiss(t *testing.T) {
	ctx := context.Background()
	c := NewDomainCache(DomainGeneration, DomainOptions{Enabled: true, MaxBytes: 1 << 10})

	_, ok := c.Get(ctx, "fp1")
	assert.False(t, ok)

	c.Put(ctx, "fp1", []byte("result"), Metadata{Source: "test"})
	v, ok := c.Get(ctx, "fp1")
	require.True(t, ok)
	assert.Equal(t, "result", string(v))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(len("result")+len("fp1")), stats.BytesUsed)
}

func TestDomainCacheLRUEviction(t *testing.T) {
	ctx := context.Background()
	// Each entry is 2 (fp) + 8 (value) = 10 bytes.
	c := NewDomainCache(DomainTool, DomainOptions{Enabled: true, MaxBytes: 30})

	c.Put(ctx, "f1", []byte("aaaaaaaa"), Metadata{})
	c.Put(ctx, "f2", []byte("bbbbbbbb"), Metadata{})
	c.Put(ctx, "f3", []byte("cccccccc"), Metadata{})

	// Touch f1 so f2 becomes least recently used.
	_, ok := c.Get(ctx, "f1")
	require.True(t, ok)

	c.Put(ctx, "f4", []byte("dddddddd"), Metadata{})

	_, ok = c.Get(ctx, "f2")
	assert.False(t, ok, "least recently used entry is evicted")
	for _, fp := range []string{"f1", "f3", "f4"} {
		_, ok := c.Get(ctx, fp)
		assert.True(t, ok, fp)
	}

	stats := c.Stats()
	assert.LessOrEqual(t, stats.BytesUsed, int64(30))
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestDomainCacheOversizedEntrySkipsMemory(t *testing.T) {
	ctx := context.Background()
	c := NewDomainCache(DomainTool, DomainOptions{Enabled: true, MaxBytes: 4})
	c.Put(ctx, "big", []byte("0123456789"), Metadata{})
	_, ok := c.Get(ctx, "big")
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Stats().BytesUsed)
}

func TestDomainCacheReplaceKeepsAccounting(t *testing.T) {
	ctx := context.Background()
	c := NewDomainCache(DomainTool, DomainOptions{Enabled: true, MaxBytes: 100})
	c.Put(ctx, "k", []byte("one"), Metadata{})
	c.Put(ctx, "k", []byte("three"), Metadata{})
	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(len("three")+1), stats.BytesUsed)
	assert.Equal(t, int64(0), stats.Evictions)
}

func TestDomainCacheMaxAge(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewDomainCache(DomainGeneration, DomainOptions{
		Enabled: true, MaxBytes: 100, MaxAge: time.Minute,
		Now: func() time.Time { return now },
	})

	c.Put(ctx, "k", []byte("v"), Metadata{})
	_, ok := c.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestDomainCacheSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewDomainCache(DomainTool, DomainOptions{
		Enabled: true, MaxBytes: 100, MaxAge: time.Minute,
		Now: func() time.Time { return now },
	})
	c.Put(ctx, "old", []byte("v"), Metadata{})
	now = now.Add(90 * time.Second)
	c.Put(ctx, "new", []byte("v"), Metadata{})

	assert.Equal(t, 1, c.Sweep(ctx))
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestDomainCacheDisabled(t *testing.T) {
	ctx := context.Background()
	c := NewDomainCache(DomainTool, DomainOptions{Enabled: false, MaxBytes: 100})
	c.Put(ctx, "k", []byte("v"), Metadata{})
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestDomainCacheDurableReadThrough(t *testing.T) {
	ctx := context.Background()
	durable := store.NewMemoryStore()

	first := NewDomainCache(DomainGeneration, DomainOptions{Enabled: true, MaxBytes: 100, Durable: durable})
	first.Put(ctx, "fp", []byte("persisted"), Metadata{Source: "provider"})

	_, err := durable.Get(ctx, "cache/generation/fp")
	require.NoError(t, err)

	// A fresh process sees the entry through the durable tier.
	second := NewDomainCache(DomainGeneration, DomainOptions{Enabled: true, MaxBytes: 100, Durable: durable})
	v, ok := second.Get(ctx, "fp")
	require.True(t, ok)
	assert.Equal(t, "persisted", string(v))
	assert.Equal(t, 1, second.Stats().Entries)
}

func TestDomainCacheEvictionBoundsDurableTier(t *testing.T) {
	ctx := context.Background()
	durable := store.NewMemoryStore()
	// Each entry is 2 (fp) + 8 (value) = 10 bytes.
	c := NewDomainCache(DomainGeneration, DomainOptions{Enabled: true, MaxBytes: 30, Durable: durable})

	for i := 1; i <= 6; i++ {
		c.Put(ctx, fmt.Sprintf("f%d", i), []byte("vvvvvvvv"), Metadata{})
	}

	keys, err := durable.Keys(ctx, "cache/generation/")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache/generation/f4", "cache/generation/f5", "cache/generation/f6"}, keys)

	_, ok := c.Get(ctx, "f1")
	assert.False(t, ok, "evicted entries are not read back from the durable tier")

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Evictions)
	assert.Equal(t, int64(30), stats.BytesUsed)

	c.Put(ctx, "huge", []byte("0123456789012345678901234567890123456789"), Metadata{})
	_, err = durable.Get(ctx, "cache/generation/huge")
	assert.ErrorIs(t, err, store.ErrNotFound, "entries over the budget are not cached")
}

func TestDomainCacheSweepDeletesDurableCopies(t *testing.T) {
	ctx := context.Background()
	durable := store.NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewDomainCache(DomainTool, DomainOptions{
		Enabled: true, MaxBytes: 100, MaxAge: time.Minute, Durable: durable,
		Now: func() time.Time { return now },
	})
	c.Put(ctx, "old", []byte("v"), Metadata{})
	now = now.Add(90 * time.Second)

	assert.Equal(t, 1, c.Sweep(ctx))
	_, err := durable.Get(ctx, "cache/tool/old")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type failingStore struct {
	store.Store
}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("backend down")
}

func (failingStore) Put(context.Context, string, []byte) error {
	return errors.New("backend down")
}

func (failingStore) Delete(context.Context, string) error {
	return errors.New("backend down")
}

func (failingStore) Keys(context.Context, string) ([]string, error) {
	return nil, errors.New("backend down")
}

func TestDomainCacheBackendErrorsAreMisses(t *testing.T) {
	ctx := context.Background()
	c := NewDomainCache(DomainTool, DomainOptions{Enabled: true, MaxBytes: 100, Durable: failingStore{}})

	_, ok := c.Get(ctx, "absent")
	assert.False(t, ok)

	c.Put(ctx, "k", []byte("v"), Metadata{})
	v, ok := c.Get(ctx, "k")
	require.True(t, ok, "memory tier still serves after a failed write-through")
	assert.Equal(t, "v", string(v))
	assert.Equal(t, int64(2), c.Stats().Errors)
}

// =============================================================================
// SESSION LOG TESTS
// =============================================================================

func newPacket(t *testing.T, taskID, worker string, hint handoff.NextStepHint) handoff.Packet {
	t.Helper()
	return handoff.NewPacket(taskID, worker, handoff.StatusSuccess, hint, handoff.WithWorkflow("wf-1"))
}

func TestSessionLogAppendAndHistory(t *testing.T) {
	ctx := context.Background()
	durable := store.NewMemoryStore()
	log := NewSessionLog(durable, nil)

	for i := 0; i < 3; i++ {
		seq, err := log.Append(ctx, "wf-1", newPacket(t, fmt.Sprintf("t-%d", i), "analyst", handoff.HintNeedsDesign))
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}

	records, err := log.History(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, fmt.Sprintf("t-%d", i), rec.Packet.TaskID)
		assert.Equal(t, int64(i), rec.Seq)
	}

	stats := log.Stats()
	assert.Equal(t, 3, stats.Entries)
	assert.Positive(t, stats.BytesUsed)
}

func TestSessionLogIsWriteAhead(t *testing.T) {
	ctx := context.Background()
	durable := store.NewMemoryStore()
	log := NewSessionLog(durable, nil)

	_, err := log.Append(ctx, "wf-1", newPacket(t, "t-1", "analyst", handoff.HintNeedsDesign))
	require.NoError(t, err)

	keys, err := durable.Keys(ctx, "session/wf-1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"session/wf-1/0000000000"}, keys)
}

func TestSessionLogResumesSequenceAfterRestart(t *testing.T) {
	ctx := context.Background()
	durable := store.NewMemoryStore()

	first := NewSessionLog(durable, nil)
	_, err := first.Append(ctx, "wf-1", newPacket(t, "t-1", "analyst", handoff.HintNeedsDesign))
	require.NoError(t, err)
	_, err = first.Append(ctx, "wf-1", newPacket(t, "t-2", "designer", handoff.HintNeedsImplementation))
	require.NoError(t, err)

	second := NewSessionLog(durable, nil)
	seq, err := second.Append(ctx, "wf-1", newPacket(t, "t-3", "implementer", handoff.HintNeedsReview))
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	packets, err := second.Packets(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, packets, 3)
}

func TestSessionLogWriteErrorsPropagate(t *testing.T) {
	log := NewSessionLog(failingStore{}, nil)
	_, err := log.Append(context.Background(), "wf-1", newPacket(t, "t-1", "analyst", handoff.HintNeedsDesign))
	require.Error(t, err)
	var cacheErr *CacheError
	assert.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, DomainSession, cacheErr.Domain)
}

func TestSessionLogArchive(t *testing.T) {
	ctx := context.Background()
	durable := store.NewMemoryStore()
	log := NewSessionLog(durable, nil)

	_, err := log.Append(ctx, "wf-1", newPacket(t, "t-1", "analyst", handoff.HintNeedsDesign))
	require.NoError(t, err)
	_, err = log.Append(ctx, "wf-2", newPacket(t, "t-1", "analyst", handoff.HintNeedsDesign))
	require.NoError(t, err)

	n, err := log.Archive(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	records, err := log.History(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, records)

	records, err = log.History(ctx, "wf-2")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// =============================================================================
// RESULT CACHE TESTS
// =============================================================================

func TestResultCacheDomains(t *testing.T) {
	ctx := context.Background()
	rc := New(config.DefaultCoreConfig(), store.NewMemoryStore(), nil)

	require.NoError(t, rc.Put(ctx, DomainGeneration, "g", []byte("gen"), Metadata{}))
	require.NoError(t, rc.Put(ctx, DomainTool, "g", []byte("tool"), Metadata{}))

	v, ok := rc.Get(ctx, DomainGeneration, "g")
	require.True(t, ok)
	assert.Equal(t, "gen", string(v))

	v, ok = rc.Get(ctx, DomainTool, "g")
	require.True(t, ok)
	assert.Equal(t, "tool", string(v), "domains are independent")

	raw, err := handoff.Encode(newPacket(t, "t-1", "analyst", handoff.HintNeedsDesign))
	require.NoError(t, err)
	require.NoError(t, rc.Put(ctx, DomainSession, "wf-1", raw, Metadata{}))

	v, ok = rc.Get(ctx, DomainSession, "wf-1")
	require.True(t, ok)
	var records []SessionRecord
	require.NoError(t, json.Unmarshal(v, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "t-1", records[0].Packet.TaskID)

	_, ok = rc.Get(ctx, DomainSession, "wf-unknown")
	assert.False(t, ok)

	all := rc.AllStats()
	assert.Equal(t, int64(1), all[DomainGeneration].Hits)
	assert.Equal(t, int64(1), all[DomainSession].Hits)
	assert.Equal(t, int64(1), all[DomainSession].Misses)
}

func TestResultCacheRejectsInvalidSessionPacket(t *testing.T) {
	rc := New(nil, store.NewMemoryStore(), nil)
	err := rc.Put(context.Background(), DomainSession, "wf-1", []byte(`{"task_id":""}`), Metadata{})
	assert.Error(t, err)
}

func TestResultCacheUnknownDomain(t *testing.T) {
	rc := New(nil, store.NewMemoryStore(), nil)
	err := rc.Put(context.Background(), Domain("other"), "x", nil, Metadata{})
	assert.ErrorIs(t, err, ErrUnknownDomain)
}

func TestResultCacheDisabledToolDomain(t *testing.T) {
	cfg := config.DefaultCoreConfig()
	cfg.EnableToolCache = false
	rc := New(cfg, store.NewMemoryStore(), nil)
	ctx := context.Background()

	require.NoError(t, rc.Put(ctx, DomainTool, "k", []byte("v"), Metadata{}))
	_, ok := rc.Get(ctx, DomainTool, "k")
	assert.False(t, ok)
}
