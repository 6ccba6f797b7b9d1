package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lodestar-ai/ragstore/metrics"
	"github.com/lodestar-ai/ragstore/sparse"
	"github.com/lodestar-ai/ragstore/storeerr"
)

const qdrantLabel = "vector.qdrant"

// defaultBatchSize is the upsert batch size when the config leaves it zero.
const defaultBatchSize = 100

// knnParallelism caps concurrent KNN queries per GetKNN call.
const knnParallelism = 4

// pointIDNamespace is the UUIDv5 namespace for deriving point ids from
// external string ids. Changing it orphans every existing point.
var pointIDNamespace = uuid.MustParse("9f2d4b66-30ab-5a1f-8c3e-7d15a9e40b21")

// QdrantConfig holds connection and collection settings for the
// Qdrant-backed store.
type QdrantConfig struct {
	Host   string `yaml:"host" envconfig:"HOST"`
	Port   int    `yaml:"port" envconfig:"PORT"`
	APIKey string `yaml:"api_key" envconfig:"API_KEY"`
	UseTLS bool   `yaml:"use_tls" envconfig:"USE_TLS"`

	Collection string `yaml:"collection" envconfig:"COLLECTION"`
	// Namespace suffixes the collection name per logical dataset.
	Namespace string `yaml:"namespace" envconfig:"NAMESPACE"`
	Dimension int    `yaml:"dimension" envconfig:"DIMENSION"`
	Metric    string `yaml:"metric" envconfig:"METRIC"`
	BatchSize int    `yaml:"batch_size" envconfig:"BATCH_SIZE"`

	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// QdrantTuning carries backend tuning passed through opaquely at collection
// creation. All fields are optional.
type QdrantTuning struct {
	HNSW         *qdrant.HnswConfigDiff
	Quantization *qdrant.QuantizationConfig
	WAL          *qdrant.WalConfigDiff
	Optimizers   *qdrant.OptimizersConfigDiff
}

// Compile-time check that QdrantStore satisfies Store.
var _ Store = (*QdrantStore)(nil)

// QdrantStore implements Store against a remote Qdrant server over gRPC.
// External string ids map to deterministic UUIDv5 point ids; the original
// id rides in point payload under original_id. Decimal ids pass through as
// numeric point ids.
type QdrantStore struct {
	client *qdrant.Client
	cfg    QdrantConfig
	tuning QdrantTuning

	collection string
	distance   qdrant.Distance
	batchSize  int

	sizeMu     sync.Mutex
	cachedSize int

	log *zap.Logger
}

// NewQdrantStore connects to Qdrant and verifies the server is reachable.
// A connection failure is fatal; there is no degraded mode.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, tuning QdrantTuning, log *zap.Logger) (*QdrantStore, error) {
	const op = "vectorstore.NewQdrantStore"
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, storeerr.Wrapf(err, storeerr.KindConnection, op, "create client for %s:%d", cfg.Host, cfg.Port)
	}
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, storeerr.Wrapf(err, storeerr.KindConnection, op, "health check %s:%d", cfg.Host, cfg.Port)
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	s := &QdrantStore{
		client:     client,
		cfg:        cfg,
		tuning:     tuning,
		collection: collectionName(cfg.Collection, cfg.Namespace),
		distance:   toDistance(ParseMetric(cfg.Metric)),
		batchSize:  batch,
		log:        log,
	}
	log.Info("connected to qdrant",
		zap.String("host", cfg.Host), zap.Int("port", cfg.Port),
		zap.String("collection", s.collection))
	return s, nil
}

func (s *QdrantStore) Close() error { return s.client.Close() }

func collectionName(base, namespace string) string {
	if namespace == "" {
		return base
	}
	return base + "_" + namespace
}

func toDistance(m DistanceMetric) qdrant.Distance {
	switch m {
	case DistanceDot:
		return qdrant.Distance_Dot
	case DistanceEuclidean:
		return qdrant.Distance_Euclid
	default:
		return qdrant.Distance_Cosine
	}
}

// ---------- Lifecycle ----------

func (s *QdrantStore) InsertStart(ctx context.Context) error {
	return s.ensureCollection(ctx, s.cfg.Dimension)
}

func (s *QdrantStore) InsertDone(context.Context) error { return nil }

func (s *QdrantStore) QueryStart(ctx context.Context) error {
	return s.ensureCollection(ctx, s.cfg.Dimension)
}

func (s *QdrantStore) QueryDone(context.Context) error { return nil }

// ensureCollection creates the collection when absent and reconciles its
// dimension when present. A stored dimension differing from dim is resolved
// destructively: drop, recreate empty, log, count the degradation.
func (s *QdrantStore) ensureCollection(ctx context.Context, dim int) error {
	const op = "vectorstore.ensureCollection"
	if dim <= 0 {
		return storeerr.Newf(storeerr.KindValidation, op, "collection dimension %d must be positive", dim)
	}

	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if !exists {
		return s.createCollection(ctx, dim)
	}

	stored, err := s.storedDimension(ctx)
	if err != nil {
		return err
	}
	if stored == dim {
		return nil
	}

	s.log.Warn("collection dimension mismatch, recreating empty",
		zap.String("collection", s.collection),
		zap.Int("stored", stored), zap.Int("configured", dim))
	metrics.ObserveDegradation(qdrantLabel, "dimension_recreate")
	return s.RecreateCollection(ctx, dim)
}

func (s *QdrantStore) createCollection(ctx context.Context, dim int) error {
	const op = "vectorstore.createCollection"
	err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: s.distance,
		}),
		HnswConfig:         s.tuning.HNSW,
		QuantizationConfig: s.tuning.Quantization,
		WalConfig:          s.tuning.WAL,
		OptimizersConfig:   s.tuning.Optimizers,
	})
	if err != nil {
		return storeerr.Wrapf(err, storeerr.KindStorage, op, "create collection %s", s.collection)
	}
	return nil
}

func (s *QdrantStore) storedDimension(ctx context.Context) (int, error) {
	const op = "vectorstore.storedDimension"
	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return 0, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return 0, storeerr.Newf(storeerr.KindStorage, op, "collection %s has no vector params", s.collection)
	}
	return int(params.GetSize()), nil
}

func (s *QdrantStore) DeleteCollection(ctx context.Context) error {
	const op = "vectorstore.DeleteCollection"
	if err := s.client.DeleteCollection(ctx, s.collection); err != nil {
		return storeerr.Wrapf(err, storeerr.KindStorage, op, "delete collection %s", s.collection)
	}
	s.setCachedSize(0)
	return nil
}

// RecreateCollection drops and recreates the collection empty at dim.
// Destructive: every stored point is lost.
func (s *QdrantStore) RecreateCollection(ctx context.Context, dim int) error {
	if err := s.DeleteCollection(ctx); err != nil {
		return err
	}
	return s.createCollection(ctx, dim)
}

// ---------- Size ----------

// Size reports the point count. An unreachable backend serves the last
// cached value so read paths never fail on a count.
func (s *QdrantStore) Size(ctx context.Context) int {
	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		cached := s.getCachedSize()
		s.log.Warn("collection info unavailable, serving cached size",
			zap.String("collection", s.collection), zap.Int("size", cached), zap.Error(err))
		metrics.ObserveDegradation(qdrantLabel, "size_cache")
		return cached
	}
	size := int(info.GetPointsCount())
	s.setCachedSize(size)
	return size
}

func (s *QdrantStore) getCachedSize() int {
	s.sizeMu.Lock()
	defer s.sizeMu.Unlock()
	return s.cachedSize
}

func (s *QdrantStore) setCachedSize(n int) {
	s.sizeMu.Lock()
	s.cachedSize = n
	s.sizeMu.Unlock()
}

func (s *QdrantStore) CollectionInfo(ctx context.Context) (*CollectionInfo, error) {
	const op = "vectorstore.CollectionInfo"
	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	dim := 0
	if params := info.GetConfig().GetParams().GetVectorsConfig().GetParams(); params != nil {
		dim = int(params.GetSize())
	}
	return &CollectionInfo{
		Name:      s.collection,
		Dimension: dim,
		Points:    int(info.GetPointsCount()),
		Segments:  int(info.GetSegmentsCount()),
		Status:    info.GetStatus().String(),
	}, nil
}

// ---------- Writes ----------

func (s *QdrantStore) Upsert(ctx context.Context, ids []string, embeddings [][]float32, metadata []map[string]any) (err error) {
	const op = "vectorstore.Upsert"
	defer func(start time.Time) { metrics.ObserveOp(qdrantLabel, "upsert", start, err) }(time.Now())

	if len(ids) == 0 {
		return nil
	}
	if len(embeddings) == 0 {
		return storeerr.Newf(storeerr.KindValidation, op, "ids has %d entries but embeddings is empty", len(ids))
	}
	// The first embedding of the batch is the dimension sample.
	if err := s.ensureCollection(ctx, len(embeddings[0])); err != nil {
		return err
	}
	if err := validateBatch(op, ids, embeddings, metadata, len(embeddings[0])); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, len(ids))
	for i, id := range ids {
		payload := map[string]any{payloadOriginalID: id}
		if metadata != nil {
			for k, v := range metadata[i] {
				payload[k] = v
			}
		}
		points[i] = &qdrant.PointStruct{
			Id:      pointID(id),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	for start := 0; start < len(points); start += s.batchSize {
		end := start + s.batchSize
		if end > len(points) {
			end = len(points)
		}
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Points:         points[start:end],
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return storeerr.Wrapf(err, storeerr.KindStorage, op, "upsert batch [%d,%d)", start, end)
		}
	}
	return nil
}

// pointID maps an external id onto a Qdrant point id. Decimal ids pass
// through numerically; everything else derives a UUIDv5.
func pointID(id string) *qdrant.PointId {
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		return qdrant.NewIDNum(n)
	}
	return qdrant.NewID(uuid.NewSHA1(pointIDNamespace, []byte(id)).String())
}

// ---------- Queries ----------

func (s *QdrantStore) GetKNN(ctx context.Context, queries [][]float32, topK int) (outIDs [][]string, outScores [][]float32, err error) {
	const op = "vectorstore.GetKNN"
	defer func(start time.Time) { metrics.ObserveOp(qdrantLabel, "get_knn", start, err) }(time.Now())

	outIDs = make([][]string, len(queries))
	outScores = make([][]float32, len(queries))

	size := s.Size(ctx)
	if size == 0 || topK <= 0 {
		for i := range queries {
			outIDs[i] = []string{}
			outScores[i] = []float32{}
		}
		return outIDs, outScores, nil
	}
	if topK > size {
		topK = size
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(knnParallelism)
	for qi, q := range queries {
		qi, q := qi, q
		g.Go(func() error {
			points, err := s.client.Query(gctx, &qdrant.QueryPoints{
				CollectionName: s.collection,
				Query:          qdrant.NewQuery(q...),
				Limit:          qdrant.PtrOf(uint64(topK)),
				WithPayload:    qdrant.NewWithPayload(true),
			})
			if err != nil {
				return storeerr.Wrapf(err, storeerr.KindStorage, op, "query %d", qi)
			}
			ids := make([]string, len(points))
			scores := make([]float32, len(points))
			for i, p := range points {
				ids[i] = externalID(p.GetPayload(), p.GetId())
				scores[i] = p.GetScore()
			}
			outIDs[qi] = ids
			outScores[qi] = scores
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return outIDs, outScores, nil
}

func (s *QdrantStore) ScoreAll(ctx context.Context, queries [][]float32, topK int, threshold float32) (m *sparse.Matrix, err error) {
	const op = "vectorstore.ScoreAll"
	defer func(start time.Time) { metrics.ObserveOp(qdrantLabel, "score_all", start, err) }(time.Now())

	size := s.Size(ctx)
	m = sparse.NewMatrix(len(queries), size)
	if size == 0 || topK <= 0 {
		return m, nil
	}
	if topK > size {
		topK = size
	}

	cols, err := s.buildColumnMap(ctx, size)
	if err != nil {
		return nil, err
	}

	var scoreThreshold *float32
	if threshold != NoThreshold {
		scoreThreshold = qdrant.PtrOf(threshold)
	}
	for qi, q := range queries {
		points, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: s.collection,
			Query:          qdrant.NewQuery(q...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
			ScoreThreshold: scoreThreshold,
		})
		if err != nil {
			return nil, storeerr.Wrapf(err, storeerr.KindStorage, op, "query %d", qi)
		}
		for _, p := range points {
			m.Set(qi, cols.column(externalID(p.GetPayload(), p.GetId())), p.GetScore())
		}
	}
	return m, nil
}

// buildColumnMap enumerates every point to fix the external-id-to-column
// assignment for one ScoreAll call. Scroll order is Qdrant's point id
// order, which is stable across calls for an unchanged collection.
func (s *QdrantStore) buildColumnMap(ctx context.Context, size int) (*columnMap, error) {
	const op = "vectorstore.buildColumnMap"
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: s.collection,
		Limit:          qdrant.PtrOf(uint32(size)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = externalID(p.GetPayload(), p.GetId())
	}
	return newColumnMap(ids, qdrantLabel, s.log), nil
}

// externalID recovers the caller's id from point payload, falling back to
// a rendering of the point id for points written without one.
func externalID(payload map[string]*qdrant.Value, id *qdrant.PointId) string {
	if v, ok := payload[payloadOriginalID]; ok {
		if str := v.GetStringValue(); str != "" {
			return str
		}
	}
	if id == nil {
		return ""
	}
	if u := id.GetUuid(); u != "" {
		return u
	}
	return fmt.Sprintf("%d", id.GetNum())
}
