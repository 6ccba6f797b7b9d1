// Package kvstore stores values under caller-chosen keys while also
// exposing every entry through a dense integer index. Indices freed by
// deletion go onto a free list and are recycled by later inserts, so the
// index space stays compact across churn.
package kvstore

import (
	"context"
	"encoding/json"
	"io"

	"github.com/lodestar-ai/ragstore/storeerr"
)

// Store is the indexed key-value contract, generic over key and value
// types. Implementations: RedisStore (remote) and MemStore (for tests).
type Store[K comparable, V any] interface {
	io.Closer

	// Upsert writes keys[i] -> values[i]. A new key takes an index from
	// the free list when one is available, otherwise the next fresh
	// index. An existing key keeps its index.
	Upsert(ctx context.Context, keys []K, values []V) error

	// Get returns one entry per key, nil where the key is absent.
	Get(ctx context.Context, keys []K) ([]*V, error)

	// GetByIndex returns one entry per index, nil where unassigned.
	GetByIndex(ctx context.Context, indices []int) ([]*V, error)

	// GetIndex returns each key's index, nil where the key is absent.
	GetIndex(ctx context.Context, keys []K) ([]*int, error)

	// Delete removes entries and pushes their indices onto the free
	// list. Absent keys are skipped silently.
	Delete(ctx context.Context, keys []K) error

	// MaskNew reports, per key, whether the key is NOT yet stored.
	MaskNew(ctx context.Context, keys []K) ([]bool, error)

	// Size reports the number of stored entries.
	Size(ctx context.Context) (int, error)

	// Lifecycle. The Start hooks load index metadata; InsertDone
	// persists it.
	InsertStart(ctx context.Context) error
	InsertDone(ctx context.Context) error
	QueryStart(ctx context.Context) error
	QueryDone(ctx context.Context) error
}

// indexBook tracks the allocation state of the dense index space: the next
// fresh index and the recycled free list. Free indices hand out in LIFO
// order.
type indexBook struct {
	maxIndex int
	free     []int
}

func (b *indexBook) alloc() int {
	if n := len(b.free); n > 0 {
		idx := b.free[n-1]
		b.free = b.free[:n-1]
		return idx
	}
	idx := b.maxIndex
	b.maxIndex++
	return idx
}

func (b *indexBook) release(idx int) {
	b.free = append(b.free, idx)
}

// encodeKey renders a key as a stable string field. String keys pass
// through; every other key type serializes as JSON.
func encodeKey[K comparable](op string, key K) (string, error) {
	if s, ok := any(key).(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(key)
	if err != nil {
		return "", storeerr.Wrapf(err, storeerr.KindSerialization, op, "encode key %v", key)
	}
	return string(raw), nil
}

func encodeValue[V any](op string, value V) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", storeerr.Wrap(err, storeerr.KindSerialization, op)
	}
	return string(raw), nil
}

func decodeValue[V any](op, raw string) (*V, error) {
	var v V
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindSerialization, op)
	}
	return &v, nil
}
