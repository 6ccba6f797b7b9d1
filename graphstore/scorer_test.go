package graphstore

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lodestar-ai/ragstore/sparse"
	"github.com/lodestar-ai/ragstore/storeerr"
)

// stubDegrees implements DegreeSource with a fixed degree map.
type stubDegrees struct {
	degrees map[int]int
	maxSeq  int
	err     error
}

func (s stubDegrees) NodeDegrees(context.Context) (map[int]int, int, error) {
	return s.degrees, s.maxSeq, s.err
}

// stubScorer implements NodeScorer with a canned result.
type stubScorer struct {
	name   string
	scores *sparse.Vector
	err    error
	calls  int
}

func (s *stubScorer) Name() string { return s.name }

func (s *stubScorer) ScoreNodes(context.Context, *sparse.Vector) (*sparse.Vector, error) {
	s.calls++
	return s.scores, s.err
}

func TestFallbackScorer_NormalizedDegree(t *testing.T) {
	// A star graph: node 0 touches all three edges, each leaf touches one.
	f := &FallbackScorer{Source: stubDegrees{
		degrees: map[int]int{0: 3, 1: 1, 2: 1, 3: 1},
		maxSeq:  3,
	}}

	scores, err := f.ScoreNodes(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 4, scores.Len())

	dense := scores.Dense()
	assert.InDelta(t, 1.0, dense[0], 1e-6)
	assert.InDelta(t, 1.0/3.0, dense[1], 1e-6)
	assert.InDelta(t, 1.0/3.0, dense[2], 1e-6)
	assert.InDelta(t, 1.0/3.0, dense[3], 1e-6)
}

func TestFallbackScorer_GapsScoreZero(t *testing.T) {
	// Sequence ids 0 and 4 exist; 1-3 were never assigned or their nodes
	// carry no edges. Positions must still be present and zero.
	f := &FallbackScorer{Source: stubDegrees{
		degrees: map[int]int{0: 2, 4: 2},
		maxSeq:  4,
	}}

	scores, err := f.ScoreNodes(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 5, scores.Len())

	dense := scores.Dense()
	assert.InDelta(t, 1.0, dense[0], 1e-6)
	assert.Zero(t, dense[1])
	assert.Zero(t, dense[2])
	assert.Zero(t, dense[3])
	assert.InDelta(t, 1.0, dense[4], 1e-6)
}

func TestFallbackScorer_EmptyGraph(t *testing.T) {
	f := &FallbackScorer{Source: stubDegrees{maxSeq: -1}}

	scores, err := f.ScoreNodes(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, scores.Len())
}

func TestResolveScores_PrimaryWins(t *testing.T) {
	want := sparse.VectorFromDense([]float32{0.5, 0.5})
	primary := &stubScorer{name: "primary", scores: want}
	fallback := &stubScorer{name: "fallback"}

	got, err := resolveScores(context.Background(), primary, fallback, nil, "graph.test", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 0, fallback.calls, "fallback must not run when primary succeeds")
}

func TestResolveScores_FallbackOnPrimaryError(t *testing.T) {
	want := sparse.VectorFromDense([]float32{1, 0})
	primary := &stubScorer{
		name: "primary",
		err:  storeerr.New(storeerr.KindAnalytics, "test", "gds plugin missing"),
	}
	fallback := &stubScorer{name: "fallback", scores: want}

	got, err := resolveScores(context.Background(), primary, fallback, nil, "graph.test", zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestResolveScores_FallbackErrorPropagates(t *testing.T) {
	primary := &stubScorer{name: "primary", err: storeerr.New(storeerr.KindAnalytics, "test", "down")}
	fallback := &stubScorer{name: "fallback", err: storeerr.New(storeerr.KindStorage, "test", "also down")}

	_, err := resolveScores(context.Background(), primary, fallback, nil, "graph.test", zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, storeerr.KindStorage, storeerr.KindOf(err))
}

func TestPowerIteration_UniformOnSymmetricGraph(t *testing.T) {
	// A triangle is vertex-transitive: every node must converge to the
	// same rank.
	adj := [][]int{{1, 2}, {0, 2}, {0, 1}}

	rank := powerIteration(adj, nil, 0.85, 50)
	require.Len(t, rank, 3)
	assert.InDelta(t, rank[0], rank[1], 1e-9)
	assert.InDelta(t, rank[1], rank[2], 1e-9)

	var sum float64
	for _, r := range rank {
		sum += r
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestPowerIteration_HubOutranksLeaves(t *testing.T) {
	// Star graph: ordinal 0 is the hub.
	adj := [][]int{{1, 2, 3}, {0}, {0}, {0}}

	rank := powerIteration(adj, nil, 0.85, 50)
	require.Len(t, rank, 4)
	assert.Greater(t, rank[0], rank[1])
	assert.InDelta(t, rank[1], rank[2], 1e-9)
	assert.InDelta(t, rank[2], rank[3], 1e-9)
}

func TestPowerIteration_TeleportBiasesTowardInitialWeights(t *testing.T) {
	// Two disconnected dyads. With all teleport mass on ordinal 0, its
	// component must hold essentially all the rank.
	adj := [][]int{{1}, {0}, {3}, {2}}
	initial := []float32{1, 0, 0, 0}

	rank := powerIteration(adj, initial, 0.85, 50)
	require.Len(t, rank, 4)
	assert.Greater(t, rank[0]+rank[1], rank[2]+rank[3])
	assert.InDelta(t, 0, rank[2]+rank[3], 1e-6)
}

func TestPowerIteration_DanglingMassRedistributed(t *testing.T) {
	// Ordinal 1 has no neighbours; total rank must still sum to 1.
	adj := [][]int{{2}, {}, {0}}

	rank := powerIteration(adj, nil, 0.85, 50)
	require.Len(t, rank, 3)

	var sum float64
	for _, r := range rank {
		sum += r
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.False(t, math.IsNaN(rank[1]))
}

func TestDenseScores_IgnoresOutOfRange(t *testing.T) {
	v := denseScores(map[int]float32{0: 0.5, 2: 0.25, 7: 0.1, -1: 0.9}, 2)
	require.Equal(t, 3, v.Len())
	dense := v.Dense()
	assert.Equal(t, float32(0.5), dense[0])
	assert.Equal(t, float32(0), dense[1])
	assert.Equal(t, float32(0.25), dense[2])
}
