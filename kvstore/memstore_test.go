package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ai/ragstore/storeerr"
)

type chunk struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

func TestMemStore_UpsertGetRoundTrip(t *testing.T) {
	s := NewMemStore[string, chunk]()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx,
		[]string{"doc-1", "doc-2"},
		[]chunk{{Text: "alpha", Tokens: 3}, {Text: "beta", Tokens: 5}},
	))

	got, err := s.Get(ctx, []string{"doc-1", "missing", "doc-2"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.NotNil(t, got[0])
	assert.Equal(t, "alpha", got[0].Text)
	assert.Nil(t, got[1], "absent key yields nil, not an error")
	require.NotNil(t, got[2])
	assert.Equal(t, 5, got[2].Tokens)
}

func TestMemStore_IndexRecycling(t *testing.T) {
	s := NewMemStore[string, string]()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []string{"a", "b", "c"}, []string{"1", "2", "3"}))

	indices, err := s.GetIndex(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 0, *indices[0])
	assert.Equal(t, 1, *indices[1])
	assert.Equal(t, 2, *indices[2])

	// Deleting "b" frees index 1; the next new key takes it back.
	require.NoError(t, s.Delete(ctx, []string{"b"}))
	require.NoError(t, s.Upsert(ctx, []string{"d"}, []string{"4"}))

	indices, err = s.GetIndex(ctx, []string{"d"})
	require.NoError(t, err)
	require.NotNil(t, indices[0])
	assert.Equal(t, 1, *indices[0], "freed index is recycled before a fresh one")

	// With the free list drained, allocation resumes at max_index.
	require.NoError(t, s.Upsert(ctx, []string{"e"}, []string{"5"}))
	indices, err = s.GetIndex(ctx, []string{"e"})
	require.NoError(t, err)
	assert.Equal(t, 3, *indices[0])
}

func TestMemStore_UpsertExistingKeepsIndex(t *testing.T) {
	s := NewMemStore[string, string]()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []string{"a"}, []string{"old"}))
	require.NoError(t, s.Upsert(ctx, []string{"a"}, []string{"new"}))

	indices, err := s.GetIndex(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 0, *indices[0])

	got, err := s.Get(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, "new", *got[0])

	size, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestMemStore_GetByIndex(t *testing.T) {
	s := NewMemStore[string, string]()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []string{"a", "b"}, []string{"1", "2"}))

	got, err := s.GetByIndex(ctx, []int{1, 7, 0})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "2", *got[0])
	assert.Nil(t, got[1], "unassigned index yields nil")
	assert.Equal(t, "1", *got[2])
}

func TestMemStore_MaskNew(t *testing.T) {
	s := NewMemStore[string, string]()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []string{"a", "b"}, []string{"1", "2"}))

	mask, err := s.MaskNew(ctx, []string{"a", "x", "b", "y"})
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, false, true}, mask)

	// Deleted keys read as new again.
	require.NoError(t, s.Delete(ctx, []string{"a"}))
	mask, err = s.MaskNew(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, mask)
}

func TestMemStore_DeleteAbsentIsNoop(t *testing.T) {
	s := NewMemStore[string, string]()
	ctx := context.Background()

	require.NoError(t, s.Delete(ctx, []string{"ghost"}))

	size, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestMemStore_NonStringKeys(t *testing.T) {
	s := NewMemStore[int, string]()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []int{10, 20}, []string{"ten", "twenty"}))

	got, err := s.Get(ctx, []int{20, 30})
	require.NoError(t, err)
	assert.Equal(t, "twenty", *got[0])
	assert.Nil(t, got[1])
}

func TestMemStore_UpsertLengthMismatch(t *testing.T) {
	s := NewMemStore[string, string]()
	err := s.Upsert(context.Background(), []string{"a", "b"}, []string{"1"})
	require.Error(t, err)
	assert.Equal(t, storeerr.KindValidation, storeerr.KindOf(err))
}

func TestIndexBook_LIFORecycling(t *testing.T) {
	var b indexBook

	assert.Equal(t, 0, b.alloc())
	assert.Equal(t, 1, b.alloc())
	assert.Equal(t, 2, b.alloc())

	b.release(0)
	b.release(2)

	// Most recently freed hands out first.
	assert.Equal(t, 2, b.alloc())
	assert.Equal(t, 0, b.alloc())
	assert.Equal(t, 3, b.alloc())
}
