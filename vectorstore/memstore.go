package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lodestar-ai/ragstore/sparse"
	"github.com/lodestar-ai/ragstore/storeerr"
)

// Compile-time check that MemStore satisfies Store.
var _ Store = (*MemStore)(nil)

// MemStore implements Store with brute-force scoring over an in-memory
// point list. Matrix columns are insertion positions, which is exactly the
// stable point-to-column mapping the remote store reconstructs by scroll.
// Thread-safe via sync.RWMutex.
type MemStore struct {
	mu     sync.RWMutex
	dim    int
	metric DistanceMetric

	created bool
	ids     []string
	index   map[string]int
	vectors [][]float32
	payload []map[string]any

	log *zap.Logger
}

// NewMemStore returns an empty in-memory vector store with the given
// embedding dimension and metric. A nil logger is replaced with a no-op
// logger.
func NewMemStore(dim int, metric DistanceMetric, log *zap.Logger) *MemStore {
	if log == nil {
		log = zap.NewNop()
	}
	if metric == "" {
		metric = DistanceCosine
	}
	return &MemStore{
		dim:    dim,
		metric: metric,
		index:  make(map[string]int),
		log:    log,
	}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) Size(context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// ensureCollection reconciles the collection dimension against dim. A
// mismatch drops every point and recreates the collection empty; this
// mirrors the remote store's destructive recreate.
func (s *MemStore) ensureCollection(dim int) {
	if !s.created {
		s.created = true
		s.dim = dim
		return
	}
	if dim != s.dim {
		s.log.Warn("collection dimension changed, recreating empty",
			zap.Int("old", s.dim), zap.Int("new", dim))
		s.reset(dim)
	}
}

func (s *MemStore) reset(dim int) {
	s.dim = dim
	s.ids = nil
	s.vectors = nil
	s.payload = nil
	s.index = make(map[string]int)
	s.created = true
}

func (s *MemStore) InsertStart(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCollection(s.dim)
	return nil
}

func (s *MemStore) InsertDone(context.Context) error { return nil }

func (s *MemStore) QueryStart(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureCollection(s.dim)
	return nil
}

func (s *MemStore) QueryDone(context.Context) error { return nil }

func (s *MemStore) DeleteCollection(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(s.dim)
	s.created = false
	return nil
}

func (s *MemStore) RecreateCollection(_ context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(dim)
	return nil
}

func (s *MemStore) CollectionInfo(context.Context) (*CollectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := "green"
	if !s.created {
		status = "absent"
	}
	return &CollectionInfo{
		Name:      "memory",
		Dimension: s.dim,
		Points:    len(s.ids),
		Segments:  1,
		Status:    status,
	}, nil
}

func (s *MemStore) Upsert(_ context.Context, ids []string, embeddings [][]float32, metadata []map[string]any) error {
	const op = "vectorstore.Upsert"
	if len(ids) == 0 {
		return nil
	}
	if len(embeddings) == 0 {
		return storeerr.Newf(storeerr.KindValidation, op, "ids has %d entries but embeddings is empty", len(ids))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The first embedding of the batch is the dimension sample.
	s.ensureCollection(len(embeddings[0]))
	if err := validateBatch(op, ids, embeddings, metadata, s.dim); err != nil {
		return err
	}

	for i, id := range ids {
		vec := make([]float32, len(embeddings[i]))
		copy(vec, embeddings[i])
		var meta map[string]any
		if metadata != nil {
			meta = metadata[i]
		}
		if pos, ok := s.index[id]; ok {
			s.vectors[pos] = vec
			s.payload[pos] = meta
			continue
		}
		s.index[id] = len(s.ids)
		s.ids = append(s.ids, id)
		s.vectors = append(s.vectors, vec)
		s.payload = append(s.payload, meta)
	}
	return nil
}

func (s *MemStore) GetKNN(_ context.Context, queries [][]float32, topK int) ([][]string, [][]float32, error) {
	const op = "vectorstore.GetKNN"
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Shape checks come before the empty-result shortcuts so a malformed
	// query fails the same way regardless of collection size.
	if s.dim > 0 {
		if err := validateQueries(op, queries, s.dim); err != nil {
			return nil, nil, err
		}
	}
	outIDs := make([][]string, len(queries))
	outScores := make([][]float32, len(queries))
	if len(s.ids) == 0 || topK <= 0 {
		for i := range queries {
			outIDs[i] = []string{}
			outScores[i] = []float32{}
		}
		return outIDs, outScores, nil
	}
	if topK > len(s.ids) {
		topK = len(s.ids)
	}

	for qi, q := range queries {
		ranked := s.rank(q)
		outIDs[qi] = make([]string, topK)
		outScores[qi] = make([]float32, topK)
		for i := 0; i < topK; i++ {
			outIDs[qi][i] = s.ids[ranked[i].pos]
			outScores[qi][i] = ranked[i].score
		}
	}
	return outIDs, outScores, nil
}

func (s *MemStore) ScoreAll(_ context.Context, queries [][]float32, topK int, threshold float32) (*sparse.Matrix, error) {
	const op = "vectorstore.ScoreAll"
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dim > 0 {
		if err := validateQueries(op, queries, s.dim); err != nil {
			return nil, err
		}
	}
	m := sparse.NewMatrix(len(queries), len(s.ids))
	if len(s.ids) == 0 || topK <= 0 {
		return m, nil
	}
	if topK > len(s.ids) {
		topK = len(s.ids)
	}

	for qi, q := range queries {
		ranked := s.rank(q)
		for i := 0; i < topK; i++ {
			if ranked[i].score < threshold {
				break
			}
			m.Set(qi, ranked[i].pos, ranked[i].score)
		}
	}
	return m, nil
}

type rankedPoint struct {
	pos   int
	score float32
}

// rank scores the query against every point, best first. Ties break on
// insertion position so results are deterministic.
func (s *MemStore) rank(q []float32) []rankedPoint {
	ranked := make([]rankedPoint, len(s.vectors))
	for i, v := range s.vectors {
		ranked[i] = rankedPoint{pos: i, score: similarity(s.metric, q, v)}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked
}

// similarity scores two vectors under the given metric; higher is always
// better. Euclidean distance maps through 1/(1+d) to keep that orientation.
func similarity(metric DistanceMetric, a, b []float32) float32 {
	switch metric {
	case DistanceDot:
		return dot(a, b)
	case DistanceEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i] - b[i])
			sum += d * d
		}
		return float32(1 / (1 + math.Sqrt(sum)))
	default: // cosine
		na, nb := norm(a), norm(b)
		if na == 0 || nb == 0 {
			return 0
		}
		return dot(a, b) / (na * nb)
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(v []float32) float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return float32(math.Sqrt(sum))
}

// ParseMetric maps a config string onto a DistanceMetric, defaulting to
// cosine for anything unrecognized.
func ParseMetric(s string) DistanceMetric {
	switch DistanceMetric(s) {
	case DistanceDot:
		return DistanceDot
	case DistanceEuclidean:
		return DistanceEuclidean
	default:
		return DistanceCosine
	}
}
