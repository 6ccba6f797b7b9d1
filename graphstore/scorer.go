package graphstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/lodestar-ai/ragstore/metrics"
	"github.com/lodestar-ai/ragstore/sparse"
	"github.com/lodestar-ai/ragstore/storeerr"
)

// NodeScorer computes one importance score per node, ordered by sequence id.
// A Store carries two of these: a primary scorer backed by the backend's
// graph-analytics capability and a fallback scorer that only needs degree
// counts. Selection is by result: a primary error activates the fallback.
type NodeScorer interface {
	Name() string
	ScoreNodes(ctx context.Context, initialWeights *sparse.Vector) (*sparse.Vector, error)
}

// DegreeSource supplies the per-node incident-relationship counts used by
// the fallback scorer: sequence id → count of incident edges in either
// direction, plus the highest node sequence id seen (-1 when empty).
type DegreeSource interface {
	NodeDegrees(ctx context.Context) (degrees map[int]int, maxSeq int, err error)
}

// FallbackScorer scores nodes by normalized degree centrality: incident
// relationship count divided by the maximum such count. Zero-degree nodes
// and sequence-id gaps score 0.
type FallbackScorer struct {
	Source DegreeSource
}

func (f *FallbackScorer) Name() string { return "degree-centrality" }

func (f *FallbackScorer) ScoreNodes(ctx context.Context, _ *sparse.Vector) (*sparse.Vector, error) {
	const op = "graphstore.FallbackScorer"
	degrees, maxSeq, err := f.Source.NodeDegrees(ctx)
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindAnalytics, op)
	}
	if maxSeq < 0 {
		return sparse.NewVector(0), nil
	}

	maxDegree := 0
	for _, d := range degrees {
		if d > maxDegree {
			maxDegree = d
		}
	}
	scores := make(map[int]float32, len(degrees))
	if maxDegree > 0 {
		for seq, d := range degrees {
			scores[seq] = float32(d) / float32(maxDegree)
		}
	}
	return denseScores(scores, maxSeq), nil
}

// unavailableScorer is the primary scorer for backends without a native
// random-walk capability; it always hands control to the fallback.
type unavailableScorer struct {
	reason string
}

func (u unavailableScorer) Name() string { return "unavailable" }

func (u unavailableScorer) ScoreNodes(context.Context, *sparse.Vector) (*sparse.Vector, error) {
	return nil, storeerr.New(storeerr.KindAnalytics, "graphstore.ScoreNodes", u.reason)
}

// resolveScores runs the primary scorer and, on any failure, logs the
// degradation and runs the fallback. A fallback failure is the only error
// callers see.
func resolveScores(ctx context.Context, primary, fallback NodeScorer, initial *sparse.Vector, storeLabel string, log *zap.Logger) (*sparse.Vector, error) {
	scores, err := primary.ScoreNodes(ctx, initial)
	if err == nil {
		return scores, nil
	}
	log.Warn("primary node scoring failed, using fallback",
		zap.String("primary", primary.Name()),
		zap.String("fallback", fallback.Name()),
		zap.Error(err))
	metrics.ObserveDegradation(storeLabel, "score_fallback")
	return fallback.ScoreNodes(ctx, initial)
}

// denseScores builds a sequence-id-ordered score vector of length maxSeq+1,
// filling unmapped ordinals with zero.
func denseScores(scores map[int]float32, maxSeq int) *sparse.Vector {
	dense := make([]float32, maxSeq+1)
	for seq, s := range scores {
		if seq >= 0 && seq <= maxSeq {
			dense[seq] = s
		}
	}
	return sparse.VectorFromDense(dense)
}

// powerIteration runs a damped random walk over an undirected adjacency
// list: rank flows along incident edges, damped teleport mass returns to
// the start distribution. Dangling nodes shed their mass uniformly. This is
// the analytics engine of the in-memory store and the reference for what
// the remote primary scorers compute.
//
// nodes maps ordinal position -> sequence id; adj holds, per ordinal,
// the ordinals of its neighbours (one entry per incident edge).
func powerIteration(adj [][]int, initial []float32, damping float64, iterations int) []float64 {
	n := len(adj)
	if n == 0 {
		return nil
	}

	teleport := make([]float64, n)
	if len(initial) == n {
		var sum float64
		for _, w := range initial {
			sum += float64(w)
		}
		if sum > 0 {
			for i, w := range initial {
				teleport[i] = float64(w) / sum
			}
		}
	}
	var hasTeleport bool
	for _, t := range teleport {
		if t > 0 {
			hasTeleport = true
			break
		}
	}
	if !hasTeleport {
		for i := range teleport {
			teleport[i] = 1 / float64(n)
		}
	}

	rank := make([]float64, n)
	copy(rank, teleport)
	next := make([]float64, n)

	for it := 0; it < iterations; it++ {
		var dangling float64
		for i := range next {
			next[i] = 0
		}
		for i, neighbours := range adj {
			if len(neighbours) == 0 {
				dangling += rank[i]
				continue
			}
			share := rank[i] / float64(len(neighbours))
			for _, j := range neighbours {
				next[j] += share
			}
		}
		danglingShare := dangling / float64(n)
		for i := range next {
			next[i] = (1-damping)*teleport[i] + damping*(next[i]+danglingShare)
		}
		rank, next = next, rank
	}
	return rank
}
