package graphstore

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/lodestar-ai/ragstore/metrics"
	"github.com/lodestar-ai/ragstore/sparse"
	"github.com/lodestar-ai/ragstore/storeerr"
)

const neo4jLabel = "graph.neo4j"

// Neo4jConfig holds connection and scoring settings for the Neo4j-backed
// store. TLS is selected through the URI scheme (neo4j+s, bolt+s).
type Neo4jConfig struct {
	URI      string `yaml:"uri" envconfig:"URI"`
	Username string `yaml:"username" envconfig:"USERNAME"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	Database string `yaml:"database" envconfig:"DATABASE"`

	// Damping factor and iteration budget for the damped random-walk
	// scoring run by the server's graph-analytics library.
	Damping       float64 `yaml:"damping" envconfig:"DAMPING"`
	MaxIterations int     `yaml:"max_iterations" envconfig:"MAX_ITERATIONS"`

	// ProjectionName is the name of the transient analytics graph
	// projection created for each scoring call.
	ProjectionName string `yaml:"projection_name" envconfig:"PROJECTION_NAME"`

	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

func (c *Neo4jConfig) withDefaults() Neo4jConfig {
	out := *c
	if out.URI == "" {
		out.URI = "bolt://localhost:7687"
	}
	if out.Database == "" {
		out.Database = "neo4j"
	}
	if out.Damping == 0 {
		out.Damping = 0.85
	}
	if out.MaxIterations == 0 {
		out.MaxIterations = 20
	}
	if out.ProjectionName == "" {
		out.ProjectionName = "ragstore_scores"
	}
	return out
}

// Compile-time check that Neo4jStore satisfies Store.
var _ Store = (*Neo4jStore)(nil)

// Neo4jStore implements Store against a remote Neo4j server. Nodes carry
// the Entity label, relationships the RELATED type; both are stamped with a
// sequence_id property at creation. The store owns the driver handle and
// releases it in Close.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	cfg    Neo4jConfig

	nodeSeq sequence
	edgeSeq sequence

	primary  NodeScorer
	fallback NodeScorer
	log      *zap.Logger
}

// NewNeo4jStore connects to Neo4j, verifies connectivity and seeds the
// sequence counters from the highest sequence_id already present. A
// connection failure is fatal; there is no degraded mode.
func NewNeo4jStore(ctx context.Context, cfg Neo4jConfig, log *zap.Logger) (*Neo4jStore, error) {
	const op = "graphstore.NewNeo4jStore"
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, storeerr.Wrapf(err, storeerr.KindConnection, op, "create driver for %s", cfg.URI)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, storeerr.Wrapf(err, storeerr.KindConnection, op, "verify connectivity to %s", cfg.URI)
	}

	s := &Neo4jStore{
		driver: driver,
		cfg:    cfg,
		log:    log,
	}
	s.primary = &gdsScorer{store: s}
	s.fallback = &FallbackScorer{Source: s}

	if err := s.seedSequences(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	log.Info("connected to neo4j", zap.String("uri", cfg.URI), zap.String("database", cfg.Database))
	return s, nil
}

// Close releases the driver handle.
func (s *Neo4jStore) Close() error {
	return s.driver.Close(context.Background())
}

// ---------- Lifecycle ----------

// InsertStart creates the uniqueness constraint and sequence indexes, then
// reseeds the counters so a process attaching to a shared backend resumes
// numbering after writes made by a previous owner.
func (s *Neo4jStore) InsertStart(ctx context.Context) error {
	statements := []string{
		"CREATE CONSTRAINT entity_name IF NOT EXISTS FOR (n:Entity) REQUIRE n.name IS UNIQUE",
		"CREATE INDEX entity_seq IF NOT EXISTS FOR (n:Entity) ON (n.sequence_id)",
		"CREATE INDEX related_seq IF NOT EXISTS FOR ()-[r:RELATED]-() ON (r.sequence_id)",
	}
	for _, stmt := range statements {
		if _, err := s.run(ctx, neo4j.AccessModeWrite, stmt, nil); err != nil {
			// Older servers reject some index syntax; the store still
			// works without the index, so log and continue.
			s.log.Debug("schema statement failed", zap.String("statement", stmt), zap.Error(err))
		}
	}
	return s.seedSequences(ctx)
}

func (s *Neo4jStore) InsertDone(context.Context) error { return nil }

func (s *Neo4jStore) QueryStart(context.Context) error { return nil }
func (s *Neo4jStore) QueryDone(context.Context) error  { return nil }

func (s *Neo4jStore) seedSequences(ctx context.Context) error {
	const op = "graphstore.seedSequences"
	maxNode, err := s.queryInt(ctx, "MATCH (n:Entity) RETURN coalesce(max(n.sequence_id), -1) AS v")
	if err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	maxEdge, err := s.queryInt(ctx, "MATCH ()-[r:RELATED]->() RETURN coalesce(max(r.sequence_id), -1) AS v")
	if err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	s.nodeSeq.Seed(maxNode)
	s.edgeSeq.Seed(maxEdge)
	return nil
}

// ---------- Counts ----------

func (s *Neo4jStore) NodeCount(ctx context.Context) (int, error) {
	n, err := s.queryInt(ctx, "MATCH (n:Entity) RETURN count(n) AS v")
	if err != nil {
		return 0, storeerr.Wrap(err, storeerr.KindStorage, "graphstore.NodeCount")
	}
	return int(n), nil
}

func (s *Neo4jStore) EdgeCount(ctx context.Context) (int, error) {
	n, err := s.queryInt(ctx, "MATCH ()-[r:RELATED]->() RETURN count(r) AS v")
	if err != nil {
		return 0, storeerr.Wrap(err, storeerr.KindStorage, "graphstore.EdgeCount")
	}
	return int(n), nil
}

// ---------- Write operations ----------

func (s *Neo4jStore) UpsertNode(ctx context.Context, node Node, index *int) (seq int, err error) {
	const op = "graphstore.UpsertNode"
	defer func(start time.Time) { metrics.ObserveOp(neo4jLabel, "upsert_node", start, err) }(time.Now())

	props, err := encodeAttrs(op, node.Attrs)
	if err != nil {
		return -1, err
	}

	if index != nil {
		existing, err := s.run(ctx, neo4j.AccessModeRead,
			`MATCH (n:Entity) WHERE n.sequence_id = $seq
			 RETURN properties(n) AS props`,
			map[string]any{"seq": int64(*index)})
		if err != nil {
			return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
		}
		if len(existing) == 0 {
			return -1, storeerr.Newf(storeerr.KindNotFound, op, "no node at index %d", *index)
		}
		// Reconcile _enc against the stored bag; a nil entry in the
		// merged map makes SET += drop a stale marker.
		merged := mergeEncodedProps(recordMap(existing[0], "props"), props)
		records, err := s.run(ctx, neo4j.AccessModeWrite,
			`MATCH (n:Entity) WHERE n.sequence_id = $seq
			 SET n += $props
			 RETURN n.sequence_id AS seq`,
			map[string]any{"seq": int64(*index), "props": merged})
		if err != nil {
			return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
		}
		if len(records) == 0 {
			return -1, storeerr.Newf(storeerr.KindNotFound, op, "no node at index %d", *index)
		}
		return recordInt(records[0], "seq"), nil
	}

	// Allocate a fresh id only when the name is unseen. For an existing
	// node the update merges against its stored properties so the _enc
	// marker stays consistent with the surviving attribute values.
	existing, err := s.run(ctx, neo4j.AccessModeRead,
		"MATCH (n:Entity {name: $name}) RETURN properties(n) AS props",
		map[string]any{"name": node.Name})
	if err != nil {
		return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	update := props
	var seqParam any
	if len(existing) > 0 {
		stored := recordMap(existing[0], "props")
		update = mergeEncodedProps(stored, props)
		seqParam = propInt(stored, propSequence, -1)
	} else {
		seqParam = s.nodeSeq.Alloc()
	}
	records, err := s.run(ctx, neo4j.AccessModeWrite,
		`MERGE (n:Entity {name: $name})
		 ON CREATE SET n.sequence_id = $seq
		 SET n += $props
		 RETURN n.sequence_id AS seq`,
		map[string]any{"name": node.Name, "seq": seqParam, "props": update})
	if err != nil {
		return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(records) == 0 {
		return -1, storeerr.New(storeerr.KindStorage, op, "merge returned no row")
	}
	return recordInt(records[0], "seq"), nil
}

func (s *Neo4jStore) UpsertEdge(ctx context.Context, edge Edge, index *int) (seq int, err error) {
	const op = "graphstore.UpsertEdge"
	defer func(start time.Time) { metrics.ObserveOp(neo4jLabel, "upsert_edge", start, err) }(time.Now())

	props, err := encodeAttrs(op, edge.Attrs)
	if err != nil {
		return -1, err
	}

	if index != nil {
		existing, err := s.run(ctx, neo4j.AccessModeRead,
			`MATCH ()-[r:RELATED]->() WHERE r.sequence_id = $seq
			 RETURN properties(r) AS props`,
			map[string]any{"seq": int64(*index)})
		if err != nil {
			return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
		}
		if len(existing) == 0 {
			return -1, storeerr.Newf(storeerr.KindNotFound, op, "no edge at index %d", *index)
		}
		merged := mergeEncodedProps(recordMap(existing[0], "props"), props)
		records, err := s.run(ctx, neo4j.AccessModeWrite,
			`MATCH ()-[r:RELATED]->() WHERE r.sequence_id = $seq
			 SET r += $props
			 RETURN r.sequence_id AS seq`,
			map[string]any{"seq": int64(*index), "props": merged})
		if err != nil {
			return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
		}
		if len(records) == 0 {
			return -1, storeerr.Newf(storeerr.KindNotFound, op, "no edge at index %d", *index)
		}
		return recordInt(records[0], "seq"), nil
	}

	allocated := s.edgeSeq.Alloc()
	records, err := s.run(ctx, neo4j.AccessModeWrite,
		`MATCH (s:Entity {name: $source})
		 MATCH (t:Entity {name: $target})
		 CREATE (s)-[r:RELATED]->(t)
		 SET r += $props, r.sequence_id = $seq
		 RETURN r.sequence_id AS seq`,
		map[string]any{"source": edge.Source, "target": edge.Target, "props": props, "seq": allocated})
	if err != nil {
		return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(records) == 0 {
		return -1, storeerr.Newf(storeerr.KindNotFound, op, "endpoints %q -> %q not found", edge.Source, edge.Target)
	}
	return recordInt(records[0], "seq"), nil
}

func (s *Neo4jStore) InsertEdges(ctx context.Context, edges []Edge) (seqs []int, err error) {
	const op = "graphstore.InsertEdges"
	defer func(start time.Time) { metrics.ObserveOp(neo4jLabel, "insert_edges", start, err) }(time.Now())

	if len(edges) == 0 {
		return nil, nil
	}
	rows := make([]map[string]any, len(edges))
	out := make([]int, len(edges))
	for i, e := range edges {
		props, err := encodeAttrs(op, e.Attrs)
		if err != nil {
			return nil, err
		}
		seq := s.edgeSeq.Alloc()
		rows[i] = map[string]any{"source": e.Source, "target": e.Target, "props": props, "seq": seq}
		out[i] = int(seq)
	}
	records, err := s.run(ctx, neo4j.AccessModeWrite,
		`UNWIND $rows AS row
		 MATCH (s:Entity {name: row.source})
		 MATCH (t:Entity {name: row.target})
		 CREATE (s)-[r:RELATED]->(t)
		 SET r += row.props, r.sequence_id = row.seq
		 RETURN r.sequence_id AS seq`,
		map[string]any{"rows": rows})
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(records) != len(edges) {
		s.log.Warn("batch edge insert dropped rows with missing endpoints",
			zap.Int("requested", len(edges)), zap.Int("created", len(records)))
		return nil, storeerr.Newf(storeerr.KindNotFound, op,
			"created %d of %d edges; some endpoints do not exist", len(records), len(edges))
	}
	return out, nil
}

func (s *Neo4jStore) InsertEdgesByIndex(ctx context.Context, pairs [][2]int, attrs map[string]any) (seqs []int, err error) {
	const op = "graphstore.InsertEdgesByIndex"
	defer func(start time.Time) { metrics.ObserveOp(neo4jLabel, "insert_edges_by_index", start, err) }(time.Now())

	if len(pairs) == 0 {
		return nil, nil
	}
	props, err := encodeAttrs(op, attrs)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, len(pairs))
	out := make([]int, len(pairs))
	for i, p := range pairs {
		seq := s.edgeSeq.Alloc()
		rows[i] = map[string]any{"source": int64(p[0]), "target": int64(p[1]), "seq": seq}
		out[i] = int(seq)
	}
	records, err := s.run(ctx, neo4j.AccessModeWrite,
		`UNWIND $rows AS row
		 MATCH (s:Entity {sequence_id: row.source})
		 MATCH (t:Entity {sequence_id: row.target})
		 CREATE (s)-[r:RELATED]->(t)
		 SET r += $props, r.sequence_id = row.seq
		 RETURN r.sequence_id AS seq`,
		map[string]any{"rows": rows, "props": props})
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(records) != len(pairs) {
		return nil, storeerr.Newf(storeerr.KindNotFound, op,
			"created %d of %d edges; some node indices do not exist", len(records), len(pairs))
	}
	return out, nil
}

// ---------- Read operations ----------

func (s *Neo4jStore) GetNode(ctx context.Context, name string) (*Node, int, error) {
	const op = "graphstore.GetNode"
	records, err := s.run(ctx, neo4j.AccessModeRead,
		"MATCH (n:Entity {name: $name}) RETURN properties(n) AS props",
		map[string]any{"name": name})
	if err != nil {
		return nil, -1, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(records) == 0 {
		return nil, -1, nil
	}
	props := recordMap(records[0], "props")
	seq := int(propInt(props, propSequence, -1))
	attrs, err := decodeAttrs(op, props)
	if err != nil {
		return nil, -1, err
	}
	return &Node{Name: name, Attrs: attrs}, seq, nil
}

func (s *Neo4jStore) GetNodeByIndex(ctx context.Context, index int) (*Node, error) {
	const op = "graphstore.GetNodeByIndex"
	records, err := s.run(ctx, neo4j.AccessModeRead,
		`MATCH (n:Entity) WHERE n.sequence_id = $seq
		 RETURN n.name AS name, properties(n) AS props`,
		map[string]any{"seq": int64(index)})
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(records) == 0 {
		return nil, nil
	}
	props := recordMap(records[0], "props")
	attrs, err := decodeAttrs(op, props)
	if err != nil {
		return nil, err
	}
	return &Node{Name: recordString(records[0], "name"), Attrs: attrs}, nil
}

func (s *Neo4jStore) GetEdges(ctx context.Context, source, target string) ([]IndexedEdge, error) {
	const op = "graphstore.GetEdges"
	records, err := s.run(ctx, neo4j.AccessModeRead,
		`MATCH (s:Entity {name: $source})-[r:RELATED]->(t:Entity {name: $target})
		 RETURN properties(r) AS props
		 ORDER BY r.sequence_id`,
		map[string]any{"source": source, "target": target})
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	out := make([]IndexedEdge, 0, len(records))
	for _, rec := range records {
		props := recordMap(rec, "props")
		seq := int(propInt(props, propSequence, -1))
		attrs, err := decodeAttrs(op, props)
		if err != nil {
			return nil, err
		}
		out = append(out, IndexedEdge{
			Edge:  Edge{Source: source, Target: target, Attrs: attrs},
			Index: seq,
		})
	}
	return out, nil
}

func (s *Neo4jStore) GetEdgeByIndex(ctx context.Context, index int) (*Edge, error) {
	const op = "graphstore.GetEdgeByIndex"
	records, err := s.run(ctx, neo4j.AccessModeRead,
		`MATCH (s:Entity)-[r:RELATED]->(t:Entity) WHERE r.sequence_id = $seq
		 RETURN s.name AS source, t.name AS target, properties(r) AS props`,
		map[string]any{"seq": int64(index)})
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(records) == 0 {
		return nil, nil
	}
	props := recordMap(records[0], "props")
	attrs, err := decodeAttrs(op, props)
	if err != nil {
		return nil, err
	}
	return &Edge{
		Source: recordString(records[0], "source"),
		Target: recordString(records[0], "target"),
		Attrs:  attrs,
	}, nil
}

func (s *Neo4jStore) AreNeighbours(ctx context.Context, a, b string) (bool, error) {
	const op = "graphstore.AreNeighbours"
	records, err := s.run(ctx, neo4j.AccessModeRead,
		`MATCH (a:Entity {name: $a})-[:RELATED]-(b:Entity {name: $b})
		 RETURN count(*) > 0 AS connected`,
		map[string]any{"a": a, "b": b})
	if err != nil {
		return false, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(records) == 0 {
		return false, nil
	}
	v, _ := records[0].Get("connected")
	connected, _ := v.(bool)
	return connected, nil
}

func (s *Neo4jStore) DeleteEdgesByIndex(ctx context.Context, indices []int) (err error) {
	const op = "graphstore.DeleteEdgesByIndex"
	defer func(start time.Time) { metrics.ObserveOp(neo4jLabel, "delete_edges", start, err) }(time.Now())

	if len(indices) == 0 {
		return nil
	}
	seqs := make([]int64, len(indices))
	for i, idx := range indices {
		seqs[i] = int64(idx)
	}
	_, err = s.run(ctx, neo4j.AccessModeWrite,
		`UNWIND $seqs AS seq
		 MATCH ()-[r:RELATED]->() WHERE r.sequence_id = seq
		 DELETE r`,
		map[string]any{"seqs": seqs})
	if err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	return nil
}

// ---------- Analytics ----------

func (s *Neo4jStore) ScoreNodes(ctx context.Context, initialWeights *sparse.Vector) (*sparse.Vector, error) {
	return resolveScores(ctx, s.primary, s.fallback, initialWeights, neo4jLabel, s.log)
}

// NodeDegrees implements DegreeSource for the fallback scorer.
func (s *Neo4jStore) NodeDegrees(ctx context.Context) (map[int]int, int, error) {
	const op = "graphstore.NodeDegrees"
	records, err := s.run(ctx, neo4j.AccessModeRead,
		`MATCH (n:Entity)
		 OPTIONAL MATCH (n)-[r:RELATED]-()
		 RETURN n.sequence_id AS seq, count(r) AS degree`,
		nil)
	if err != nil {
		return nil, -1, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	degrees := make(map[int]int, len(records))
	maxSeq := -1
	for _, rec := range records {
		seq := recordInt(rec, "seq")
		degrees[seq] = recordInt(rec, "degree")
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return degrees, maxSeq, nil
}

// gdsScorer runs PageRank through the server's Graph Data Science library:
// project a transient undirected graph, stream scores, drop the projection.
// Any failure (library absent, projection error) surfaces as an analytics
// error and activates the fallback.
type gdsScorer struct {
	store *Neo4jStore
}

func (g *gdsScorer) Name() string { return "gds-pagerank" }

// TODO: thread initialWeights through to gds.pageRank sourceNodes for
// personalized scoring once the pipeline starts passing non-nil weights.
func (g *gdsScorer) ScoreNodes(ctx context.Context, _ *sparse.Vector) (*sparse.Vector, error) {
	const op = "graphstore.gdsScorer"
	s := g.store

	// Drop a leftover projection from an interrupted previous run.
	_, _ = s.run(ctx, neo4j.AccessModeWrite,
		"CALL gds.graph.drop($name, false)", map[string]any{"name": s.cfg.ProjectionName})

	_, err := s.run(ctx, neo4j.AccessModeWrite,
		`CALL gds.graph.project($name, 'Entity', {RELATED: {orientation: 'UNDIRECTED'}})`,
		map[string]any{"name": s.cfg.ProjectionName})
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindAnalytics, op)
	}
	defer func() {
		_, _ = s.run(ctx, neo4j.AccessModeWrite,
			"CALL gds.graph.drop($name, false)", map[string]any{"name": s.cfg.ProjectionName})
	}()

	records, err := s.run(ctx, neo4j.AccessModeRead,
		`CALL gds.pageRank.stream($name, {dampingFactor: $damping, maxIterations: $iterations})
		 YIELD nodeId, score
		 RETURN gds.util.asNode(nodeId).sequence_id AS seq, score`,
		map[string]any{
			"name":       s.cfg.ProjectionName,
			"damping":    s.cfg.Damping,
			"iterations": s.cfg.MaxIterations,
		})
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindAnalytics, op)
	}
	if len(records) == 0 {
		return sparse.NewVector(0), nil
	}

	scores := make(map[int]float32, len(records))
	maxSeq := -1
	for _, rec := range records {
		seq := recordInt(rec, "seq")
		scores[seq] = float32(recordFloat(rec, "score"))
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return denseScores(scores, maxSeq), nil
}

func (s *Neo4jStore) EntityToRelationshipMap(ctx context.Context) (*sparse.Matrix, error) {
	const op = "graphstore.EntityToRelationshipMap"
	records, err := s.run(ctx, neo4j.AccessModeRead,
		`MATCH (n:Entity)
		 OPTIONAL MATCH (n)-[r:RELATED]-()
		 RETURN n.sequence_id AS seq, collect(DISTINCT r.sequence_id) AS edges`,
		nil)
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(records) == 0 {
		return sparse.NewMatrix(0, 0), nil
	}

	maxNodeSeq, maxEdgeSeq := -1, -1
	rows := make(map[int][]int, len(records))
	for _, rec := range records {
		seq := recordInt(rec, "seq")
		if seq > maxNodeSeq {
			maxNodeSeq = seq
		}
		raw, _ := rec.Get("edges")
		list, _ := raw.([]any)
		for _, e := range list {
			edgeSeq, ok := asInt(e)
			if !ok {
				continue
			}
			rows[seq] = append(rows[seq], edgeSeq)
			if edgeSeq > maxEdgeSeq {
				maxEdgeSeq = edgeSeq
			}
		}
	}
	lists := make([][]int, maxNodeSeq+1)
	for seq, edges := range rows {
		lists[seq] = edges
	}
	return sparse.MatrixFromIndexLists(lists, maxNodeSeq+1, maxEdgeSeq+1), nil
}

func (s *Neo4jStore) RelationshipAttrs(ctx context.Context, key string) ([][]any, error) {
	const op = "graphstore.RelationshipAttrs"
	if err := ValidateAttrKey(op, key); err != nil {
		return nil, err
	}
	records, err := s.run(ctx, neo4j.AccessModeRead,
		`MATCH ()-[r:RELATED]->()
		 RETURN r.sequence_id AS seq, r[$key] AS value, r._enc AS enc
		 ORDER BY seq`,
		map[string]any{"key": key})
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}

	maxSeq := -1
	for _, rec := range records {
		if seq := recordInt(rec, "seq"); seq > maxSeq {
			maxSeq = seq
		}
	}
	out := make([][]any, maxSeq+1)
	for i := range out {
		out[i] = []any{}
	}
	for _, rec := range records {
		seq := recordInt(rec, "seq")
		if seq < 0 {
			continue
		}
		raw, _ := rec.Get("value")
		if raw == nil {
			continue
		}
		enc, _ := rec.Get("enc")
		v, err := decodeAttrValue(op, key, raw, enc)
		if err != nil {
			return nil, err
		}
		out[seq] = asValueList(v)
	}
	return out, nil
}

// SaveGraphML exports the whole graph through APOC. Best-effort: servers
// without APOC return a storage error.
func (s *Neo4jStore) SaveGraphML(ctx context.Context, path string) error {
	const op = "graphstore.SaveGraphML"
	_, err := s.run(ctx, neo4j.AccessModeRead,
		"CALL apoc.export.graphml.all($file, {})", map[string]any{"file": path})
	if err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	return nil
}

// ---------- Internal helpers ----------

// run executes one statement in a session scoped to the call, collecting
// every record before the session closes.
func (s *Neo4jStore) run(ctx context.Context, mode neo4j.AccessMode, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: s.cfg.Database,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return result.Collect(ctx)
}

func (s *Neo4jStore) queryInt(ctx context.Context, cypher string) (int64, error) {
	records, err := s.run(ctx, neo4j.AccessModeRead, cypher, nil)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	v, _ := records[0].Get("v")
	n, _ := asInt64(v)
	return n, nil
}

func recordInt(rec *neo4j.Record, key string) int {
	v, _ := rec.Get(key)
	n, ok := asInt64(v)
	if !ok {
		return -1
	}
	return int(n)
}

func recordFloat(rec *neo4j.Record, key string) float64 {
	v, _ := rec.Get(key)
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func recordString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	str, _ := v.(string)
	return str
}

func recordMap(rec *neo4j.Record, key string) map[string]any {
	v, _ := rec.Get(key)
	m, _ := v.(map[string]any)
	return m
}

func propInt(props map[string]any, key string, def int64) int64 {
	if v, ok := props[key]; ok {
		if n, ok := asInt64(v); ok {
			return n
		}
	}
	return def
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	n, ok := asInt64(v)
	return int(n), ok
}

// String renders connection identity for debugging; credentials stay out.
func (s *Neo4jStore) String() string {
	return fmt.Sprintf("Neo4jStore(%s/%s)", s.cfg.URI, s.cfg.Database)
}
