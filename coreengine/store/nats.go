package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go/jetstream"
)

// kvBucket is the subset of a JetStream key-value bucket NATSStore needs.
type kvBucket interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// NATSStore stores keys in a NATS JetStream key-value bucket.
//
// JetStream keys are restricted to [-/_=.a-zA-Z0-9], so keys are stored
// hex-encoded. Hex encoding preserves both prefixes and byte ordering.
type NATSStore struct {
	bucket kvBucket
}

// NewNATSStore opens the named bucket, creating it when absent.
func NewNATSStore(ctx context.Context, js jetstream.JetStream, bucket string) (*NATSStore, error) {
	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	return &NATSStore{bucket: jetstreamBucket{kv: kv}}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "Handoff workflow state",
		History:     1,
	})
}

func encodeKey(k string) string {
	return hex.EncodeToString([]byte(k))
}

func decodeKey(k string) (string, error) {
	b, err := hex.DecodeString(k)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Get implements Store.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.bucket.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("nats get %s: %w", key, err)
	}
	return v, nil
}

// Put implements Store.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.bucket.Put(ctx, encodeKey(key), value); err != nil {
		return fmt.Errorf("nats put %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, encodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("nats delete %s: %w", key, err)
	}
	return nil
}

// Keys implements Store.
func (s *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	encoded, err := s.bucket.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("nats keys: %w", err)
	}

	want := encodeKey(prefix)
	keys := make([]string, 0)
	for _, ek := range encoded {
		if len(ek) < len(want) || ek[:len(want)] != want {
			continue
		}
		k, err := decodeKey(ek)
		if err != nil {
			// Not written by this store.
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// jetstreamBucket adapts jetstream.KeyValue to kvBucket.
type jetstreamBucket struct {
	kv jetstream.KeyValue
}

func (b jetstreamBucket) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (b jetstreamBucket) Put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return err
}

func (b jetstreamBucket) Delete(ctx context.Context, key string) error {
	return b.kv.Delete(ctx, key)
}

func (b jetstreamBucket) Keys(ctx context.Context) ([]string, error) {
	return b.kv.Keys(ctx)
}

// Ensure NATSStore implements Store.
var _ Store = (*NATSStore)(nil)
