//go:build cgo

package graphstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestKuzu creates a fresh in-memory KuzuStore and registers a cleanup
// to close it when the test finishes.
func newTestKuzu(t *testing.T) *KuzuStore {
	t.Helper()
	s, err := NewKuzuStore(nil)
	require.NoError(t, err, "NewKuzuStore should not fail")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKuzuStore_NodeRoundTrip(t *testing.T) {
	s := newTestKuzu(t)
	ctx := context.Background()

	seq, err := s.UpsertNode(ctx, Node{Name: "alice", Attrs: map[string]any{
		"description": "a researcher",
		"profile":     map[string]any{"age": float64(30)},
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, seq)

	got, gotSeq, err := s.GetNode(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, gotSeq)
	assert.Equal(t, "a researcher", got.Attrs["description"])
	assert.Equal(t, map[string]any{"age": float64(30)}, got.Attrs["profile"])

	byIdx, err := s.GetNodeByIndex(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, byIdx)
	assert.Equal(t, "alice", byIdx.Name)
}

func TestKuzuStore_GetNode_Absent(t *testing.T) {
	s := newTestKuzu(t)

	got, seq, err := s.GetNode(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, -1, seq)
}

func TestKuzuStore_UpsertExistingKeepsID(t *testing.T) {
	s := newTestKuzu(t)
	ctx := context.Background()

	first, err := s.UpsertNode(ctx, Node{Name: "alice", Attrs: map[string]any{"a": "1"}}, nil)
	require.NoError(t, err)

	again, err := s.UpsertNode(ctx, Node{Name: "alice", Attrs: map[string]any{"b": "2"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	got, _, err := s.GetNode(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Attrs["a"])
	assert.Equal(t, "2", got.Attrs["b"])

	next, err := s.UpsertNode(ctx, Node{Name: "bob"}, nil)
	require.NoError(t, err)
	assert.Equal(t, first+1, next, "re-upsert must not burn sequence ids")
}

func TestKuzuStore_EdgesAndNeighbours(t *testing.T) {
	s := newTestKuzu(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := s.UpsertNode(ctx, Node{Name: name}, nil)
		require.NoError(t, err)
	}
	seqs, err := s.InsertEdges(ctx, []Edge{
		{Source: "alice", Target: "bob", Attrs: map[string]any{"description": "knows"}},
		{Source: "alice", Target: "bob", Attrs: map[string]any{"description": "mentors"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, seqs)

	edges, err := s.GetEdges(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "knows", edges[0].Edge.Attrs["description"])
	assert.Equal(t, "mentors", edges[1].Edge.Attrs["description"])

	// Reversed endpoints still count as neighbours.
	ok, err := s.AreNeighbours(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AreNeighbours(ctx, "alice", "carol")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKuzuStore_MissingEndpointRejected(t *testing.T) {
	s := newTestKuzu(t)
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, Node{Name: "alice"}, nil)
	require.NoError(t, err)

	_, err = s.UpsertEdge(ctx, Edge{Source: "alice", Target: "ghost"}, nil)
	require.Error(t, err)
}

func TestKuzuStore_DeleteEdgesByIndex(t *testing.T) {
	s := newTestKuzu(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		_, err := s.UpsertNode(ctx, Node{Name: name}, nil)
		require.NoError(t, err)
	}
	seqs, err := s.InsertEdges(ctx, []Edge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "a"},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteEdgesByIndex(ctx, []int{seqs[0]}))

	count, err := s.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	survivor, err := s.GetEdgeByIndex(ctx, seqs[1])
	require.NoError(t, err)
	require.NotNil(t, survivor)
}

func TestKuzuStore_ScoreNodesUsesFallback(t *testing.T) {
	s := newTestKuzu(t)
	ctx := context.Background()

	for _, name := range []string{"hub", "l1", "l2", "l3"} {
		_, err := s.UpsertNode(ctx, Node{Name: name}, nil)
		require.NoError(t, err)
	}
	_, err := s.InsertEdges(ctx, []Edge{
		{Source: "hub", Target: "l1"},
		{Source: "hub", Target: "l2"},
		{Source: "hub", Target: "l3"},
	})
	require.NoError(t, err)

	scores, err := s.ScoreNodes(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 4, scores.Len())

	dense := scores.Dense()
	assert.InDelta(t, 1.0, dense[0], 1e-6, "hub has the maximum degree")
	assert.InDelta(t, 1.0/3.0, dense[1], 1e-6)
}

func TestKuzuStore_EntityToRelationshipMap(t *testing.T) {
	s := newTestKuzu(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		_, err := s.UpsertNode(ctx, Node{Name: name}, nil)
		require.NoError(t, err)
	}
	_, err := s.InsertEdges(ctx, []Edge{
		{Source: "a", Target: "b"},
		{Source: "b", Target: "c"},
	})
	require.NoError(t, err)

	m, err := s.EntityToRelationshipMap(ctx)
	require.NoError(t, err)

	rows, cols := m.Dims()
	assert.Equal(t, 3, rows)
	assert.Equal(t, 2, cols)
	assert.Equal(t, float32(1), m.At(0, 0))
	assert.Equal(t, float32(1), m.At(1, 0))
	assert.Equal(t, float32(1), m.At(1, 1))
	assert.Equal(t, float32(0), m.At(0, 1))
}

func TestKuzuStore_InsertStartReseeds(t *testing.T) {
	s := newTestKuzu(t)
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, Node{Name: "a"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.InsertStart(ctx))

	seq, err := s.UpsertNode(ctx, Node{Name: "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, seq, "reseeding must not rewind the counter")
}
