package graphstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-ai/ragstore/storeerr"
)

// seedGraph inserts a small fixture: alice -> bob -> carol plus a second
// alice -> bob edge. Returns the edge sequence ids in insertion order.
func seedGraph(t *testing.T, s *MemStore) []int {
	t.Helper()
	ctx := context.Background()

	for _, name := range []string{"alice", "bob", "carol"} {
		_, err := s.UpsertNode(ctx, Node{Name: name}, nil)
		require.NoError(t, err)
	}
	seqs, err := s.InsertEdges(ctx, []Edge{
		{Source: "alice", Target: "bob", Attrs: map[string]any{"description": "knows"}},
		{Source: "bob", Target: "carol", Attrs: map[string]any{"description": "works with"}},
		{Source: "alice", Target: "bob", Attrs: map[string]any{"description": "mentors"}},
	})
	require.NoError(t, err)
	return seqs
}

func TestMemStore_SequenceIDsAreDenseAndMonotonic(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		seq, err := s.UpsertNode(ctx, Node{Name: fmt.Sprintf("node-%d", i)}, nil)
		require.NoError(t, err)
		assert.Equal(t, i, seq, "fresh node ids must be 0,1,2,...")
	}

	// Re-upserting an existing name keeps its id and burns nothing.
	seq, err := s.UpsertNode(ctx, Node{Name: "node-3", Attrs: map[string]any{"touched": true}}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, seq)

	seq, err = s.UpsertNode(ctx, Node{Name: "node-10"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, seq, "next fresh node continues the sequence")
}

func TestMemStore_NodeRoundTrip(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()

	in := Node{Name: "alice", Attrs: map[string]any{
		"description": "a researcher",
		"aliases":     []string{"al"},
		"profile":     map[string]any{"age": float64(30)},
	}}
	seq, err := s.UpsertNode(ctx, in, nil)
	require.NoError(t, err)

	got, gotSeq, err := s.GetNode(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, seq, gotSeq)
	assert.Equal(t, "a researcher", got.Attrs["description"])
	assert.Equal(t, map[string]any{"age": float64(30)}, got.Attrs["profile"])

	byIdx, err := s.GetNodeByIndex(ctx, seq)
	require.NoError(t, err)
	require.NotNil(t, byIdx)
	assert.Equal(t, "alice", byIdx.Name)
}

func TestMemStore_GetNode_Absent(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()

	got, seq, err := s.GetNode(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, -1, seq)

	byIdx, err := s.GetNodeByIndex(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, byIdx)
}

func TestMemStore_UpsertNode_MergesAttrs(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, Node{Name: "alice", Attrs: map[string]any{"a": "1", "b": "2"}}, nil)
	require.NoError(t, err)
	_, err = s.UpsertNode(ctx, Node{Name: "alice", Attrs: map[string]any{"b": "3", "c": "4"}}, nil)
	require.NoError(t, err)

	got, _, err := s.GetNode(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Attrs["a"])
	assert.Equal(t, "3", got.Attrs["b"])
	assert.Equal(t, "4", got.Attrs["c"])
}

func TestMemStore_UpsertNode_ByIndexNotFound(t *testing.T) {
	s := NewMemStore(nil)
	idx := 99
	_, err := s.UpsertNode(context.Background(), Node{Name: "ghost"}, &idx)
	require.Error(t, err)
	assert.True(t, storeerr.IsNotFound(err))
}

func TestMemStore_EdgeEndpointsMustExist(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()

	_, err := s.UpsertNode(ctx, Node{Name: "alice"}, nil)
	require.NoError(t, err)

	_, err = s.UpsertEdge(ctx, Edge{Source: "alice", Target: "ghost"}, nil)
	require.Error(t, err)
	assert.True(t, storeerr.IsNotFound(err))

	_, err = s.InsertEdges(ctx, []Edge{{Source: "ghost", Target: "alice"}})
	require.Error(t, err)
	assert.True(t, storeerr.IsNotFound(err))
}

func TestMemStore_ParallelEdgesKeepDistinctIDs(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	seqs := seedGraph(t, s)

	assert.Equal(t, []int{0, 1, 2}, seqs)

	edges, err := s.GetEdges(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, edges, 2, "parallel edges are distinct records")
	assert.Equal(t, 0, edges[0].Index)
	assert.Equal(t, 2, edges[1].Index)
	assert.Equal(t, "knows", edges[0].Edge.Attrs["description"])
	assert.Equal(t, "mentors", edges[1].Edge.Attrs["description"])
}

func TestMemStore_InsertEdgesByIndex(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	seedGraph(t, s)

	seqs, err := s.InsertEdgesByIndex(ctx, [][2]int{{0, 2}, {2, 1}}, map[string]any{"description": "derived"})
	require.NoError(t, err)
	require.Len(t, seqs, 2)

	e, err := s.GetEdgeByIndex(ctx, seqs[0])
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "alice", e.Source)
	assert.Equal(t, "carol", e.Target)
	assert.Equal(t, "derived", e.Attrs["description"])

	_, err = s.InsertEdgesByIndex(ctx, [][2]int{{0, 99}}, nil)
	require.Error(t, err)
	assert.True(t, storeerr.IsNotFound(err))
}

func TestMemStore_AreNeighbours_Undirected(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	seedGraph(t, s)

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}, {"carol", "bob"}} {
		ok, err := s.AreNeighbours(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, ok, "%s and %s should be neighbours", pair[0], pair[1])
	}

	ok, err := s.AreNeighbours(ctx, "alice", "carol")
	require.NoError(t, err)
	assert.False(t, ok, "two hops apart is not adjacent")
}

func TestMemStore_DeleteEdgesDoesNotRenumber(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	seqs := seedGraph(t, s)

	require.NoError(t, s.DeleteEdgesByIndex(ctx, []int{seqs[0]}))

	count, err := s.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Survivors keep their ids; the freed id is never reused.
	e, err := s.GetEdgeByIndex(ctx, seqs[2])
	require.NoError(t, err)
	require.NotNil(t, e)

	gone, err := s.GetEdgeByIndex(ctx, seqs[0])
	require.NoError(t, err)
	assert.Nil(t, gone)

	next, err := s.UpsertEdge(ctx, Edge{Source: "alice", Target: "carol"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, next, "new edge continues past the deleted id")
}

func TestMemStore_ScoreNodes_HubOutranksLeaves(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()

	// Star: hub connected to three leaves.
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
	require.Equal(t, 4, scores.Len(), "one score per sequence id")

	dense := scores.Dense()
	assert.Greater(t, dense[0], dense[1])
	assert.InDelta(t, dense[1], dense[2], 1e-6)
	assert.InDelta(t, dense[2], dense[3], 1e-6)
}

func TestMemStore_ScoreNodes_EmptyGraph(t *testing.T) {
	s := NewMemStore(nil)
	scores, err := s.ScoreNodes(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, scores.Len())
}

func TestMemStore_EntityToRelationshipMap(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	seedGraph(t, s)

	m, err := s.EntityToRelationshipMap(ctx)
	require.NoError(t, err)

	rows, cols := m.Dims()
	assert.Equal(t, 3, rows, "one row per node sequence id")
	assert.Equal(t, 3, cols, "one column per edge sequence id")

	// alice (0) touches edges 0 and 2; bob (1) touches all three;
	// carol (2) touches edge 1 only.
	assert.Equal(t, float32(1), m.At(0, 0))
	assert.Equal(t, float32(0), m.At(0, 1))
	assert.Equal(t, float32(1), m.At(0, 2))
	assert.Equal(t, float32(1), m.At(1, 0))
	assert.Equal(t, float32(1), m.At(1, 1))
	assert.Equal(t, float32(1), m.At(1, 2))
	assert.Equal(t, float32(0), m.At(2, 0))
	assert.Equal(t, float32(1), m.At(2, 1))
	assert.Equal(t, float32(0), m.At(2, 2))
}

func TestMemStore_RelationshipAttrs(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		_, err := s.UpsertNode(ctx, Node{Name: name}, nil)
		require.NoError(t, err)
	}
	_, err := s.InsertEdges(ctx, []Edge{
		{Source: "a", Target: "b", Attrs: map[string]any{"chunks": []string{"c1", "c2"}}},
		{Source: "b", Target: "a", Attrs: map[string]any{"weight": 0.5}},
		{Source: "a", Target: "b"},
	})
	require.NoError(t, err)

	vals, err := s.RelationshipAttrs(ctx, "chunks")
	require.NoError(t, err)
	require.Len(t, vals, 3, "one slot per edge sequence id")
	assert.Equal(t, []any{"c1", "c2"}, vals[0])
	assert.Empty(t, vals[1])
	assert.Empty(t, vals[2])

	vals, err = s.RelationshipAttrs(ctx, "weight")
	require.NoError(t, err)
	assert.Empty(t, vals[0])
	assert.Equal(t, []any{0.5}, vals[1])

	_, err = s.RelationshipAttrs(ctx, "bad key")
	require.Error(t, err)
	assert.True(t, storeerr.IsValidation(err))
}

func TestMemStore_RelationshipAttrsListElementTypes(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		_, err := s.UpsertNode(ctx, Node{Name: name}, nil)
		require.NoError(t, err)
	}
	_, err := s.InsertEdges(ctx, []Edge{
		{Source: "a", Target: "b", Attrs: map[string]any{
			"flags":   []bool{true, false},
			"weights": []float32{0.25, 0.75},
		}},
	})
	require.NoError(t, err)

	vals, err := s.RelationshipAttrs(ctx, "flags")
	require.NoError(t, err)
	assert.Equal(t, []any{true, false}, vals[0])

	vals, err = s.RelationshipAttrs(ctx, "weights")
	require.NoError(t, err)
	assert.Equal(t, []any{float32(0.25), float32(0.75)}, vals[0])
}

func TestMemStore_CountsTrackWrites(t *testing.T) {
	s := NewMemStore(nil)
	ctx := context.Background()
	seedGraph(t, s)

	nodes, err := s.NodeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, nodes)

	edges, err := s.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, edges)
}
