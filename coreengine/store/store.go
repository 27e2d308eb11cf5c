// Package store provides the durable key-value contract used for workflow
// snapshots, the handoff-session log, checkpoints and cache entries.
//
// Backends:
//   - MemoryStore: in-process, for tests and single-node development
//   - RedisStore: go-redis, any redis.Cmdable
//   - NATSStore: NATS JetStream key-value bucket
//   - PostgresStore: a single pgx-backed table
//
// Every backend gives read-your-writes per key, which is all callers need.
package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// Store is a durable key-value store.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes value under key. It returns once the write is durable.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists the keys with the given prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Join builds a key from path segments ("ckpt", "wf-1", "t-2" -> "ckpt/wf-1/t-2").
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Prefix builds a listing prefix that matches whole segments.
func Prefix(segments ...string) string {
	return strings.Join(segments, "/") + "/"
}

// DeletePrefix removes every key under prefix.
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

// =============================================================================
// MemoryStore
// =============================================================================

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = v
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys implements Store.
func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
