// Package graphstore persists retrieval-pipeline entities and relationships
// in a property-graph backend while exposing them through a dense integer
// index space.
//
// Backend identifiers (Neo4j element ids, Kuzu internal ids) are neither
// dense nor stable across backends, so every node and relationship is
// stamped with a process-assigned sequence_id property at creation time.
// The per-class counters are seeded from MAX(sequence_id) when a store
// attaches to a pre-populated backend, so numbering resumes instead of
// colliding. Allocation is an in-process atomic increment; writers in
// separate processes sharing one backend can still race on the seed, and
// single-writer operation per backend is the supported mode.
//
// Implementations: Neo4jStore (production, remote), KuzuStore (embedded,
// requires cgo), MemStore (in-memory, tests and small pipelines).
package graphstore

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/lodestar-ai/ragstore/sparse"
)

// Node is an externally-keyed graph entity. Name is unique in the backend;
// Attrs is a free-form attribute bag (see the codec for what survives a
// round trip through the backend's property model).
type Node struct {
	Name  string
	Attrs map[string]any
}

// Edge is a directed relationship between two nodes identified by name.
// Both endpoints must exist before the edge is created. Adjacency checks
// match edges in either direction.
type Edge struct {
	Source string
	Target string
	Attrs  map[string]any
}

// IndexedEdge pairs an edge with its sequence id.
type IndexedEdge struct {
	Edge  Edge
	Index int
}

// Store is the contract the retrieval pipeline depends on. All mutating and
// reading operations go through the dense sequence-id index space.
type Store interface {
	io.Closer

	// Lifecycle hooks, called by the pipeline at batch boundaries.
	// InsertStart ensures backend constraints exist and reseeds the
	// sequence counters from the backend.
	InsertStart(ctx context.Context) error
	InsertDone(ctx context.Context) error
	QueryStart(ctx context.Context) error
	QueryDone(ctx context.Context) error

	NodeCount(ctx context.Context) (int, error)
	EdgeCount(ctx context.Context) (int, error)

	// UpsertNode merge-creates by unique name when index is nil, stamping
	// the next node sequence id on create, or updates the node at the
	// given index. Returns the node's sequence id.
	UpsertNode(ctx context.Context, node Node, index *int) (int, error)

	// UpsertEdge creates a new directed relationship stamped with the next
	// edge sequence id when index is nil, or updates the edge at the given
	// index. Both endpoints must already exist.
	UpsertEdge(ctx context.Context, edge Edge, index *int) (int, error)

	// InsertEdges batch-creates edges; the returned sequence ids follow
	// the input ordering.
	InsertEdges(ctx context.Context, edges []Edge) ([]int, error)

	// InsertEdgesByIndex batch-creates edges between nodes addressed by
	// sequence id, applying the same attribute bag to every edge.
	InsertEdgesByIndex(ctx context.Context, pairs [][2]int, attrs map[string]any) ([]int, error)

	// GetNode returns the node and its sequence id, or (nil, -1, nil)
	// when no node has that name.
	GetNode(ctx context.Context, name string) (*Node, int, error)
	GetNodeByIndex(ctx context.Context, index int) (*Node, error)

	// GetEdges returns all directed edges from source to target.
	GetEdges(ctx context.Context, source, target string) ([]IndexedEdge, error)
	GetEdgeByIndex(ctx context.Context, index int) (*Edge, error)

	// AreNeighbours reports whether any relationship exists between a and
	// b in either direction.
	AreNeighbours(ctx context.Context, a, b string) (bool, error)

	// DeleteEdgesByIndex removes edges. Remaining edges keep their
	// sequence ids; the freed ids are not reused.
	DeleteEdgesByIndex(ctx context.Context, indices []int) error

	// ScoreNodes returns one importance score per node, ordered by
	// sequence id ascending with gaps filled by zero. The primary damped
	// random-walk computation degrades to normalized degree centrality on
	// any failure; degradation is logged, never returned as an error.
	ScoreNodes(ctx context.Context, initialWeights *sparse.Vector) (*sparse.Vector, error)

	// EntityToRelationshipMap returns the node-to-edge incidence matrix:
	// row i holds a 1 for every edge index incident to node i, both
	// directions, deduplicated.
	EntityToRelationshipMap(ctx context.Context) (*sparse.Matrix, error)

	// RelationshipAttrs returns the decoded value of the given attribute
	// for every edge, indexed by edge sequence id. Scalars come back as
	// single-element lists; absent values as empty lists.
	RelationshipAttrs(ctx context.Context, key string) ([][]any, error)
}

// sequence allocates dense sequence ids for one entity class. Allocation is
// an atomic increment; Seed moves the counter forward to resume numbering
// over a pre-populated backend and never moves it backwards.
type sequence struct {
	next atomic.Int64
}

// Seed positions the counter after the highest id observed in the backend.
// Pass -1 for an empty backend.
func (s *sequence) Seed(maxSeen int64) {
	for {
		cur := s.next.Load()
		if maxSeen+1 <= cur {
			return
		}
		if s.next.CompareAndSwap(cur, maxSeen+1) {
			return
		}
	}
}

// Alloc returns the next sequence id.
func (s *sequence) Alloc() int64 {
	return s.next.Add(1) - 1
}
