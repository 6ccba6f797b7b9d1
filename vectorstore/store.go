// Package vectorstore persists embedding vectors keyed by external string
// ids and answers nearest-neighbour and all-pairs similarity queries.
//
// A collection has one fixed embedding dimension. Opening a store against a
// collection whose dimension no longer matches the configured one is
// resolved destructively: the collection is dropped and recreated empty at
// the new dimension. Callers that need the old points must re-upsert them.
package vectorstore

import (
	"context"
	"io"
	"math"

	"github.com/lodestar-ai/ragstore/sparse"
	"github.com/lodestar-ai/ragstore/storeerr"
)

// DistanceMetric selects the similarity function for a collection.
type DistanceMetric string

const (
	DistanceCosine    DistanceMetric = "cosine"
	DistanceDot       DistanceMetric = "dot"
	DistanceEuclidean DistanceMetric = "euclidean"
)

// NoThreshold disables score filtering in ScoreAll.
var NoThreshold = float32(math.Inf(-1))

// payloadOriginalID is the payload field carrying the caller's external id.
const payloadOriginalID = "original_id"

// CollectionInfo is a debugging snapshot of collection state.
type CollectionInfo struct {
	Name      string
	Dimension int
	Points    int
	Segments  int
	Status    string
}

// Store is the vector collection contract. Implementations: QdrantStore
// (remote, gRPC) and MemStore (brute force, for tests and small pipelines).
type Store interface {
	io.Closer

	// Size reports the number of stored points. It never returns an
	// error: an unreachable backend yields the last cached value, a
	// missing collection yields zero.
	Size(ctx context.Context) int

	// Upsert writes ids[i] -> embeddings[i] with metadata[i] attached as
	// payload. metadata may be nil. All slices sharing index i must have
	// equal length; embeddings must match the collection dimension.
	Upsert(ctx context.Context, ids []string, embeddings [][]float32, metadata []map[string]any) error

	// GetKNN returns, per query, the external ids and similarity scores
	// of the topK closest points. topK is clipped to the collection
	// size; an empty collection produces empty per-query results.
	GetKNN(ctx context.Context, queries [][]float32, topK int) ([][]string, [][]float32, error)

	// ScoreAll scores every query against every stored point and
	// returns a (len(queries), Size) sparse matrix. Per query, only the
	// topK best scores at or above threshold are kept; pass NoThreshold
	// to keep all topK. Columns are stable point positions.
	ScoreAll(ctx context.Context, queries [][]float32, topK int, threshold float32) (*sparse.Matrix, error)

	// Lifecycle hooks. The Start hooks ensure the collection exists and
	// reconcile its dimension; see the package comment for the
	// destructive-recreate contract.
	InsertStart(ctx context.Context) error
	InsertDone(ctx context.Context) error
	QueryStart(ctx context.Context) error
	QueryDone(ctx context.Context) error

	// DeleteCollection drops the collection and all points.
	DeleteCollection(ctx context.Context) error

	// RecreateCollection drops and recreates the collection empty at
	// dim. Destructive.
	RecreateCollection(ctx context.Context, dim int) error

	// CollectionInfo reports current collection state.
	CollectionInfo(ctx context.Context) (*CollectionInfo, error)
}

// validateBatch checks the parallel-slice contract shared by every backend
// before any network call happens.
func validateBatch(op string, ids []string, embeddings [][]float32, metadata []map[string]any, dim int) error {
	if len(ids) != len(embeddings) {
		return storeerr.Newf(storeerr.KindValidation, op,
			"ids has %d entries but embeddings has %d", len(ids), len(embeddings))
	}
	if metadata != nil && len(metadata) != len(ids) {
		return storeerr.Newf(storeerr.KindValidation, op,
			"ids has %d entries but metadata has %d", len(ids), len(metadata))
	}
	for i, e := range embeddings {
		if len(e) != dim {
			return storeerr.Newf(storeerr.KindDimensionMismatch, op,
				"embedding %d has %d dims, collection expects %d", i, len(e), dim)
		}
	}
	return nil
}

func validateQueries(op string, queries [][]float32, dim int) error {
	for i, q := range queries {
		if len(q) != dim {
			return storeerr.Newf(storeerr.KindDimensionMismatch, op,
				"query %d has %d dims, collection expects %d", i, len(q), dim)
		}
	}
	return nil
}
