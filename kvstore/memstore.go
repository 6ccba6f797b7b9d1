package kvstore

import (
	"context"
	"sync"

	"github.com/lodestar-ai/ragstore/storeerr"
)

// Compile-time check that MemStore satisfies Store.
var _ Store[string, string] = (*MemStore[string, string])(nil)

// MemStore implements Store with Go maps. Values round-trip through the
// same JSON codec as the remote store so type behavior matches. Thread-safe
// via sync.Mutex.
type MemStore[K comparable, V any] struct {
	mu      sync.Mutex
	byKey   map[string]int
	byIndex map[int]string
	book    indexBook
}

// NewMemStore returns an empty in-memory indexed key-value store.
func NewMemStore[K comparable, V any]() *MemStore[K, V] {
	return &MemStore[K, V]{
		byKey:   make(map[string]int),
		byIndex: make(map[int]string),
	}
}

func (s *MemStore[K, V]) Close() error { return nil }

// Lifecycle hooks are no-ops: the store owns its metadata for its whole
// lifetime.
func (s *MemStore[K, V]) InsertStart(context.Context) error { return nil }
func (s *MemStore[K, V]) InsertDone(context.Context) error  { return nil }
func (s *MemStore[K, V]) QueryStart(context.Context) error  { return nil }
func (s *MemStore[K, V]) QueryDone(context.Context) error   { return nil }

func (s *MemStore[K, V]) Upsert(_ context.Context, keys []K, values []V) error {
	const op = "kvstore.Upsert"
	if len(keys) != len(values) {
		return storeerr.Newf(storeerr.KindValidation, op,
			"keys has %d entries but values has %d", len(keys), len(values))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range keys {
		field, err := encodeKey(op, k)
		if err != nil {
			return err
		}
		raw, err := encodeValue(op, values[i])
		if err != nil {
			return err
		}
		idx, ok := s.byKey[field]
		if !ok {
			idx = s.book.alloc()
			s.byKey[field] = idx
		}
		s.byIndex[idx] = raw
	}
	return nil
}

func (s *MemStore[K, V]) Get(_ context.Context, keys []K) ([]*V, error) {
	const op = "kvstore.Get"
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*V, len(keys))
	for i, k := range keys {
		field, err := encodeKey(op, k)
		if err != nil {
			return nil, err
		}
		idx, ok := s.byKey[field]
		if !ok {
			continue
		}
		v, err := decodeValue[V](op, s.byIndex[idx])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *MemStore[K, V]) GetByIndex(_ context.Context, indices []int) ([]*V, error) {
	const op = "kvstore.GetByIndex"
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*V, len(indices))
	for i, idx := range indices {
		raw, ok := s.byIndex[idx]
		if !ok {
			continue
		}
		v, err := decodeValue[V](op, raw)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *MemStore[K, V]) GetIndex(_ context.Context, keys []K) ([]*int, error) {
	const op = "kvstore.GetIndex"
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*int, len(keys))
	for i, k := range keys {
		field, err := encodeKey(op, k)
		if err != nil {
			return nil, err
		}
		if idx, ok := s.byKey[field]; ok {
			idx := idx
			out[i] = &idx
		}
	}
	return out, nil
}

func (s *MemStore[K, V]) Delete(_ context.Context, keys []K) error {
	const op = "kvstore.Delete"
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		field, err := encodeKey(op, k)
		if err != nil {
			return err
		}
		idx, ok := s.byKey[field]
		if !ok {
			continue
		}
		delete(s.byKey, field)
		delete(s.byIndex, idx)
		s.book.release(idx)
	}
	return nil
}

func (s *MemStore[K, V]) MaskNew(_ context.Context, keys []K) ([]bool, error) {
	const op = "kvstore.MaskNew"
	s.mu.Lock()
	defer s.mu.Unlock()

	mask := make([]bool, len(keys))
	for i, k := range keys {
		field, err := encodeKey(op, k)
		if err != nil {
			return nil, err
		}
		_, exists := s.byKey[field]
		mask[i] = !exists
	}
	return mask, nil
}

func (s *MemStore[K, V]) Size(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey), nil
}
