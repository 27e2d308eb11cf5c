package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/observability"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/store"
)

// SessionRecord is one entry of a workflow's handoff session.
type SessionRecord struct {
	WorkflowID string         `json:"workflow_id"`
	Seq        int64          `json:"seq"`
	Packet     handoff.Packet `json:"packet"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// SessionLog is the append-only handoff history of every workflow. Each
// Append is durable before it returns. Records are removed only by Archive.
type SessionLog struct {
	durable store.Store
	logger  observability.Logger
	now     func() time.Time

	mu     sync.Mutex
	next   map[string]int64
	bytes  map[string]int64
	counts map[string]int
	hits   int64
	misses int64
}

// NewSessionLog creates a SessionLog over durable.
func NewSessionLog(durable store.Store, logger observability.Logger) *SessionLog {
	return &SessionLog{
		durable: durable,
		logger:  observability.OrNop(logger).Bind("cache_domain", string(DomainSession)),
		now:     time.Now,
		next:    make(map[string]int64),
		bytes:   make(map[string]int64),
		counts:  make(map[string]int),
	}
}

func sessionKey(workflowID string, seq int64) string {
	return store.Join("session", workflowID, fmt.Sprintf("%010d", seq))
}

func sessionPrefix(workflowID string) string {
	return store.Prefix("session", workflowID)
}

// Append durably records p and returns its sequence number.
func (s *SessionLog) Append(ctx context.Context, workflowID string, p handoff.Packet) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.next[workflowID]
	if !ok {
		last, err := s.lastSeq(ctx, workflowID)
		if err != nil {
			return 0, NewCacheError(DomainSession, "append", workflowID, err)
		}
		seq = last + 1
	}

	rec := SessionRecord{WorkflowID: workflowID, Seq: seq, Packet: p.Clone(), RecordedAt: s.now().UTC()}
	raw, err := json.Marshal(rec)
	if err != nil {
		return 0, NewCacheError(DomainSession, "encode", workflowID, err)
	}
	if err := s.durable.Put(ctx, sessionKey(workflowID, seq), raw); err != nil {
		return 0, NewCacheError(DomainSession, "append", workflowID, err)
	}

	s.next[workflowID] = seq + 1
	s.bytes[workflowID] += int64(len(raw))
	s.counts[workflowID]++
	s.publishBytes()
	return seq, nil
}

// lastSeq returns the highest persisted sequence, or -1. Caller holds mu.
func (s *SessionLog) lastSeq(ctx context.Context, workflowID string) (int64, error) {
	keys, err := s.durable.Keys(ctx, sessionPrefix(workflowID))
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return -1, nil
	}
	last := keys[len(keys)-1]
	seq, err := strconv.ParseInt(last[strings.LastIndex(last, "/")+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse session key %s: %w", last, err)
	}
	return seq, nil
}

// History returns every record for workflowID in append order.
func (s *SessionLog) History(ctx context.Context, workflowID string) ([]SessionRecord, error) {
	keys, err := s.durable.Keys(ctx, sessionPrefix(workflowID))
	if err != nil {
		return nil, NewCacheError(DomainSession, "history", workflowID, err)
	}

	records := make([]SessionRecord, 0, len(keys))
	var size int64
	for _, key := range keys {
		raw, err := s.durable.Get(ctx, key)
		if err != nil {
			return nil, NewCacheError(DomainSession, "history", workflowID, err)
		}
		var rec SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, NewCacheError(DomainSession, "decode", key, err)
		}
		size += int64(len(raw))
		records = append(records, rec)
	}

	s.mu.Lock()
	if len(records) > 0 {
		s.hits++
		s.bytes[workflowID] = size
		s.counts[workflowID] = len(records)
	} else {
		s.misses++
	}
	s.publishBytes()
	s.mu.Unlock()

	if len(records) > 0 {
		observability.RecordCacheLookup(string(DomainSession), "hit")
	} else {
		observability.RecordCacheLookup(string(DomainSession), "miss")
	}
	return records, nil
}

// Packets returns the packets of workflowID in append order.
func (s *SessionLog) Packets(ctx context.Context, workflowID string) ([]handoff.Packet, error) {
	records, err := s.History(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	packets := make([]handoff.Packet, len(records))
	for i, rec := range records {
		packets[i] = rec.Packet
	}
	return packets, nil
}

// Archive removes the whole session of workflowID.
func (s *SessionLog) Archive(ctx context.Context, workflowID string) (int, error) {
	n, err := store.DeletePrefix(ctx, s.durable, sessionPrefix(workflowID))

	s.mu.Lock()
	delete(s.next, workflowID)
	delete(s.bytes, workflowID)
	delete(s.counts, workflowID)
	s.publishBytes()
	s.mu.Unlock()

	if err != nil {
		return n, NewCacheError(DomainSession, "archive", workflowID, err)
	}
	s.logger.Debug("session_archived", "workflow_id", workflowID, "records", n)
	return n, nil
}

// publishBytes exports the byte gauge. Caller holds mu.
func (s *SessionLog) publishBytes() {
	observability.SetCacheBytes(string(DomainSession), s.bytesUsed())
}

func (s *SessionLog) bytesUsed() int64 {
	var total int64
	for _, b := range s.bytes {
		total += b
	}
	return total
}

// Stats returns accounting for the session domain.
func (s *SessionLog) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := 0
	for _, n := range s.counts {
		entries += n
	}
	return Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		HitRate:   hitRate(s.hits, s.misses),
		BytesUsed: s.bytesUsed(),
		Entries:   entries,
	}
}
