//go:build cgo

package graphstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	kuzu "github.com/kuzudb/go-kuzu"
	"go.uber.org/zap"

	"github.com/lodestar-ai/ragstore/metrics"
	"github.com/lodestar-ai/ragstore/sparse"
	"github.com/lodestar-ai/ragstore/storeerr"
)

const kuzuLabel = "graph.kuzu"

// KuzuStore implements the Store interface on an embedded KuzuDB instance.
// It requires CGO because the go-kuzu driver wraps KuzuDB's C library.
//
// KuzuDB has a fixed per-table property schema, so the free-form attribute
// bag is stored as one JSON STRING column rather than individual properties.
// There is no server-side analytics library either; scoring always takes
// the degree-centrality path.
type KuzuStore struct {
	db   *kuzu.Database
	conn *kuzu.Connection

	nodeSeq sequence
	edgeSeq sequence

	fallback NodeScorer
	log      *zap.Logger
}

// Compile-time check that KuzuStore satisfies Store.
var _ Store = (*KuzuStore)(nil)

// NewKuzuStore creates a KuzuStore backed by an in-memory KuzuDB instance.
func NewKuzuStore(log *zap.Logger) (*KuzuStore, error) {
	return newKuzuStore(":memory:", log)
}

// NewKuzuFileStore creates a KuzuStore backed by a file-based KuzuDB at the
// given directory path. KuzuDB creates the leaf directory itself; the parent
// must exist. This enables graphs that survive across sessions.
func NewKuzuFileStore(dbPath string, log *zap.Logger) (*KuzuStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, "graphstore.NewKuzuFileStore")
	}
	return newKuzuStore(dbPath, log)
}

func newKuzuStore(dbPath string, log *zap.Logger) (*KuzuStore, error) {
	const op = "graphstore.NewKuzuStore"
	if log == nil {
		log = zap.NewNop()
	}
	cfg := kuzu.DefaultSystemConfig()
	db, err := kuzu.OpenDatabase(dbPath, cfg)
	if err != nil {
		return nil, storeerr.Wrapf(err, storeerr.KindConnection, op, "open database %s", dbPath)
	}
	conn, err := kuzu.OpenConnection(db)
	if err != nil {
		db.Close()
		return nil, storeerr.Wrap(err, storeerr.KindConnection, op)
	}
	s := &KuzuStore{db: db, conn: conn, log: log}
	s.fallback = &FallbackScorer{Source: s}
	if err := s.initSchema(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.seedSequences(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the KuzuDB connection and database.
func (s *KuzuStore) Close() error {
	if s.conn != nil {
		s.conn.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return nil
}

// ---------- Schema setup ----------

// kuzuDDL defines the Cypher DDL executed on open.
// Order matters: the node table must precede the relationship table.
var kuzuDDL = []string{
	`CREATE NODE TABLE IF NOT EXISTS Entity(
		name STRING,
		sequence_id INT64,
		attrs STRING,
		PRIMARY KEY(name)
	)`,
	`CREATE REL TABLE IF NOT EXISTS RELATED(
		FROM Entity TO Entity,
		sequence_id INT64,
		attrs STRING
	)`,
}

func (s *KuzuStore) initSchema() error {
	const op = "graphstore.kuzu.initSchema"
	for _, stmt := range kuzuDDL {
		res, err := s.conn.Query(stmt)
		if err != nil {
			return storeerr.Wrap(err, storeerr.KindStorage, op)
		}
		res.Close()
	}
	return nil
}

func (s *KuzuStore) seedSequences() error {
	const op = "graphstore.kuzu.seedSequences"
	rows, err := s.query("MATCH (n:Entity) RETURN coalesce(max(n.sequence_id), -1)", nil)
	if err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		s.nodeSeq.Seed(int64(toInt(rows[0][0])))
	}
	rows, err = s.query("MATCH ()-[r:RELATED]->() RETURN coalesce(max(r.sequence_id), -1)", nil)
	if err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		s.edgeSeq.Seed(int64(toInt(rows[0][0])))
	}
	return nil
}

// ---------- Lifecycle ----------

// InsertStart reseeds the counters from the persisted maximum so a process
// reopening a file-backed database resumes numbering where it left off.
func (s *KuzuStore) InsertStart(context.Context) error { return s.seedSequences() }

func (s *KuzuStore) InsertDone(context.Context) error { return nil }
func (s *KuzuStore) QueryStart(context.Context) error { return nil }
func (s *KuzuStore) QueryDone(context.Context) error  { return nil }

// ---------- Counts ----------

func (s *KuzuStore) NodeCount(context.Context) (int, error) {
	rows, err := s.query("MATCH (n:Entity) RETURN count(n)", nil)
	if err != nil {
		return 0, storeerr.Wrap(err, storeerr.KindStorage, "graphstore.NodeCount")
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, nil
	}
	return toInt(rows[0][0]), nil
}

func (s *KuzuStore) EdgeCount(context.Context) (int, error) {
	rows, err := s.query("MATCH ()-[r:RELATED]->() RETURN count(r)", nil)
	if err != nil {
		return 0, storeerr.Wrap(err, storeerr.KindStorage, "graphstore.EdgeCount")
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, nil
	}
	return toInt(rows[0][0]), nil
}

// ---------- Write operations ----------

func (s *KuzuStore) UpsertNode(ctx context.Context, node Node, index *int) (seq int, err error) {
	const op = "graphstore.UpsertNode"
	defer func(start time.Time) { metrics.ObserveOp(kuzuLabel, "upsert_node", start, err) }(time.Now())

	if index != nil {
		existing, err := s.GetNodeByIndex(ctx, *index)
		if err != nil {
			return -1, err
		}
		if existing == nil {
			return -1, storeerr.Newf(storeerr.KindNotFound, op, "no node at index %d", *index)
		}
		merged := mergeAttrs(existing.Attrs, node.Attrs)
		bag, err := jsonRoundTrip(op, merged)
		if err != nil {
			return -1, err
		}
		if err := s.exec(
			"MATCH (n:Entity) WHERE n.sequence_id = $seq SET n.attrs = $attrs",
			map[string]any{"seq": int64(*index), "attrs": bag},
		); err != nil {
			return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
		}
		return *index, nil
	}

	prev, existingSeq, err := s.GetNode(ctx, node.Name)
	if err != nil {
		return -1, err
	}
	if prev != nil {
		merged := mergeAttrs(prev.Attrs, node.Attrs)
		bag, err := jsonRoundTrip(op, merged)
		if err != nil {
			return -1, err
		}
		if err := s.exec(
			"MATCH (n:Entity {name: $name}) SET n.attrs = $attrs",
			map[string]any{"name": node.Name, "attrs": bag},
		); err != nil {
			return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
		}
		return existingSeq, nil
	}

	bag, err := jsonRoundTrip(op, node.Attrs)
	if err != nil {
		return -1, err
	}
	allocated := s.nodeSeq.Alloc()
	if err := s.exec(
		"CREATE (n:Entity {name: $name, sequence_id: $seq, attrs: $attrs})",
		map[string]any{"name": node.Name, "seq": allocated, "attrs": bag},
	); err != nil {
		return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	return int(allocated), nil
}

func (s *KuzuStore) UpsertEdge(ctx context.Context, edge Edge, index *int) (seq int, err error) {
	const op = "graphstore.UpsertEdge"
	defer func(start time.Time) { metrics.ObserveOp(kuzuLabel, "upsert_edge", start, err) }(time.Now())

	if index != nil {
		existing, err := s.GetEdgeByIndex(ctx, *index)
		if err != nil {
			return -1, err
		}
		if existing == nil {
			return -1, storeerr.Newf(storeerr.KindNotFound, op, "no edge at index %d", *index)
		}
		merged := mergeAttrs(existing.Attrs, edge.Attrs)
		bag, err := jsonRoundTrip(op, merged)
		if err != nil {
			return -1, err
		}
		if err := s.exec(
			"MATCH ()-[r:RELATED]->() WHERE r.sequence_id = $seq SET r.attrs = $attrs",
			map[string]any{"seq": int64(*index), "attrs": bag},
		); err != nil {
			return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
		}
		return *index, nil
	}

	if err := s.requireNodes(ctx, op, edge.Source, edge.Target); err != nil {
		return -1, err
	}
	bag, err := jsonRoundTrip(op, edge.Attrs)
	if err != nil {
		return -1, err
	}
	allocated := s.edgeSeq.Alloc()
	if err := s.exec(
		`MATCH (a:Entity {name: $source}), (b:Entity {name: $target})
		 CREATE (a)-[:RELATED {sequence_id: $seq, attrs: $attrs}]->(b)`,
		map[string]any{"source": edge.Source, "target": edge.Target, "seq": allocated, "attrs": bag},
	); err != nil {
		return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	return int(allocated), nil
}

func (s *KuzuStore) InsertEdges(ctx context.Context, edges []Edge) (seqs []int, err error) {
	const op = "graphstore.InsertEdges"
	defer func(start time.Time) { metrics.ObserveOp(kuzuLabel, "insert_edges", start, err) }(time.Now())

	out := make([]int, 0, len(edges))
	for _, e := range edges {
		seq, err := s.UpsertEdge(ctx, e, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, nil
}

func (s *KuzuStore) InsertEdgesByIndex(ctx context.Context, pairs [][2]int, attrs map[string]any) (seqs []int, err error) {
	const op = "graphstore.InsertEdgesByIndex"
	defer func(start time.Time) { metrics.ObserveOp(kuzuLabel, "insert_edges_by_index", start, err) }(time.Now())

	bag, err := jsonRoundTrip(op, attrs)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(pairs))
	for _, p := range pairs {
		for _, idx := range p {
			node, err := s.GetNodeByIndex(ctx, idx)
			if err != nil {
				return nil, err
			}
			if node == nil {
				return nil, storeerr.Newf(storeerr.KindNotFound, op, "no node at index %d", idx)
			}
		}
		allocated := s.edgeSeq.Alloc()
		if err := s.exec(
			`MATCH (a:Entity), (b:Entity)
			 WHERE a.sequence_id = $source AND b.sequence_id = $target
			 CREATE (a)-[:RELATED {sequence_id: $seq, attrs: $attrs}]->(b)`,
			map[string]any{"source": int64(p[0]), "target": int64(p[1]), "seq": allocated, "attrs": bag},
		); err != nil {
			return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
		}
		out = append(out, int(allocated))
	}
	return out, nil
}

func (s *KuzuStore) requireNodes(ctx context.Context, op string, names ...string) error {
	for _, name := range names {
		node, _, err := s.GetNode(ctx, name)
		if err != nil {
			return err
		}
		if node == nil {
			return storeerr.Newf(storeerr.KindNotFound, op, "node %q does not exist", name)
		}
	}
	return nil
}

// ---------- Read operations ----------

func (s *KuzuStore) GetNode(_ context.Context, name string) (*Node, int, error) {
	const op = "graphstore.GetNode"
	rows, err := s.query(
		"MATCH (n:Entity {name: $name}) RETURN n.sequence_id, n.attrs",
		map[string]any{"name": name},
	)
	if err != nil {
		return nil, -1, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(rows) == 0 {
		return nil, -1, nil
	}
	attrs, err := jsonBag(op, toString(rows[0][1]))
	if err != nil {
		return nil, -1, err
	}
	return &Node{Name: name, Attrs: attrs}, toInt(rows[0][0]), nil
}

func (s *KuzuStore) GetNodeByIndex(_ context.Context, index int) (*Node, error) {
	const op = "graphstore.GetNodeByIndex"
	rows, err := s.query(
		"MATCH (n:Entity) WHERE n.sequence_id = $seq RETURN n.name, n.attrs",
		map[string]any{"seq": int64(index)},
	)
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	attrs, err := jsonBag(op, toString(rows[0][1]))
	if err != nil {
		return nil, err
	}
	return &Node{Name: toString(rows[0][0]), Attrs: attrs}, nil
}

func (s *KuzuStore) GetEdges(_ context.Context, source, target string) ([]IndexedEdge, error) {
	const op = "graphstore.GetEdges"
	rows, err := s.query(
		`MATCH (a:Entity {name: $source})-[r:RELATED]->(b:Entity {name: $target})
		 RETURN r.sequence_id, r.attrs
		 ORDER BY r.sequence_id`,
		map[string]any{"source": source, "target": target},
	)
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	out := make([]IndexedEdge, 0, len(rows))
	for _, r := range rows {
		attrs, err := jsonBag(op, toString(r[1]))
		if err != nil {
			return nil, err
		}
		out = append(out, IndexedEdge{
			Edge:  Edge{Source: source, Target: target, Attrs: attrs},
			Index: toInt(r[0]),
		})
	}
	return out, nil
}

func (s *KuzuStore) GetEdgeByIndex(_ context.Context, index int) (*Edge, error) {
	const op = "graphstore.GetEdgeByIndex"
	rows, err := s.query(
		`MATCH (a:Entity)-[r:RELATED]->(b:Entity) WHERE r.sequence_id = $seq
		 RETURN a.name, b.name, r.attrs`,
		map[string]any{"seq": int64(index)},
	)
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	attrs, err := jsonBag(op, toString(rows[0][2]))
	if err != nil {
		return nil, err
	}
	return &Edge{
		Source: toString(rows[0][0]),
		Target: toString(rows[0][1]),
		Attrs:  attrs,
	}, nil
}

// AreNeighbours checks connectivity in either direction. KuzuDB relationship
// patterns are directed, so this takes two queries.
func (s *KuzuStore) AreNeighbours(_ context.Context, a, b string) (bool, error) {
	const op = "graphstore.AreNeighbours"
	queries := []string{
		"MATCH (a:Entity {name: $a})-[:RELATED]->(b:Entity {name: $b}) RETURN count(*)",
		"MATCH (a:Entity {name: $b})-[:RELATED]->(b:Entity {name: $a}) RETURN count(*)",
	}
	for _, q := range queries {
		rows, err := s.query(q, map[string]any{"a": a, "b": b})
		if err != nil {
			return false, storeerr.Wrap(err, storeerr.KindStorage, op)
		}
		if len(rows) > 0 && len(rows[0]) > 0 && toInt(rows[0][0]) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *KuzuStore) DeleteEdgesByIndex(_ context.Context, indices []int) (err error) {
	const op = "graphstore.DeleteEdgesByIndex"
	defer func(start time.Time) { metrics.ObserveOp(kuzuLabel, "delete_edges", start, err) }(time.Now())

	for _, idx := range indices {
		if err := s.exec(
			"MATCH ()-[r:RELATED]->() WHERE r.sequence_id = $seq DELETE r",
			map[string]any{"seq": int64(idx)},
		); err != nil {
			return storeerr.Wrap(err, storeerr.KindStorage, op)
		}
	}
	return nil
}

// ---------- Analytics ----------

// ScoreNodes always uses degree centrality; KuzuDB has no server-side
// PageRank, so the primary scorer reports unavailable and the resolver
// records the degradation once per call.
func (s *KuzuStore) ScoreNodes(ctx context.Context, initialWeights *sparse.Vector) (*sparse.Vector, error) {
	primary := &unavailableScorer{reason: "kuzu backend has no analytics library"}
	return resolveScores(ctx, primary, s.fallback, initialWeights, kuzuLabel, s.log)
}

// edgeScan returns every edge as (source seq, target seq, edge seq) triples.
// Degree, incidence and attribute projections all derive from this single
// scan; the embedded database makes the round trip cheap.
func (s *KuzuStore) edgeScan(op string) ([][3]int, error) {
	rows, err := s.query(
		`MATCH (a:Entity)-[r:RELATED]->(b:Entity)
		 RETURN a.sequence_id, b.sequence_id, r.sequence_id`,
		nil,
	)
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	out := make([][3]int, 0, len(rows))
	for _, r := range rows {
		out = append(out, [3]int{toInt(r[0]), toInt(r[1]), toInt(r[2])})
	}
	return out, nil
}

func (s *KuzuStore) maxNodeSeq(op string) (int, error) {
	rows, err := s.query("MATCH (n:Entity) RETURN coalesce(max(n.sequence_id), -1)", nil)
	if err != nil {
		return -1, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return -1, nil
	}
	return toInt(rows[0][0]), nil
}

// NodeDegrees implements DegreeSource for the fallback scorer.
func (s *KuzuStore) NodeDegrees(context.Context) (map[int]int, int, error) {
	const op = "graphstore.NodeDegrees"
	maxSeq, err := s.maxNodeSeq(op)
	if err != nil {
		return nil, -1, err
	}
	edges, err := s.edgeScan(op)
	if err != nil {
		return nil, -1, err
	}
	degrees := make(map[int]int)
	for _, e := range edges {
		degrees[e[0]]++
		degrees[e[1]]++
	}
	return degrees, maxSeq, nil
}

func (s *KuzuStore) EntityToRelationshipMap(context.Context) (*sparse.Matrix, error) {
	const op = "graphstore.EntityToRelationshipMap"
	maxSeq, err := s.maxNodeSeq(op)
	if err != nil {
		return nil, err
	}
	if maxSeq < 0 {
		return sparse.NewMatrix(0, 0), nil
	}
	edges, err := s.edgeScan(op)
	if err != nil {
		return nil, err
	}
	maxEdgeSeq := -1
	lists := make([][]int, maxSeq+1)
	for _, e := range edges {
		lists[e[0]] = appendUnique(lists[e[0]], e[2])
		lists[e[1]] = appendUnique(lists[e[1]], e[2])
		if e[2] > maxEdgeSeq {
			maxEdgeSeq = e[2]
		}
	}
	return sparse.MatrixFromIndexLists(lists, maxSeq+1, maxEdgeSeq+1), nil
}

func (s *KuzuStore) RelationshipAttrs(_ context.Context, key string) ([][]any, error) {
	const op = "graphstore.RelationshipAttrs"
	if err := ValidateAttrKey(op, key); err != nil {
		return nil, err
	}
	rows, err := s.query(
		"MATCH ()-[r:RELATED]->() RETURN r.sequence_id, r.attrs",
		nil,
	)
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}

	maxSeq := -1
	type entry struct {
		seq int
		bag string
	}
	entries := make([]entry, 0, len(rows))
	for _, r := range rows {
		seq := toInt(r[0])
		entries = append(entries, entry{seq: seq, bag: toString(r[1])})
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	out := make([][]any, maxSeq+1)
	for i := range out {
		out[i] = []any{}
	}
	for _, e := range entries {
		attrs, err := jsonBag(op, e.bag)
		if err != nil {
			return nil, err
		}
		if v, ok := attrs[key]; ok && v != nil {
			out[e.seq] = asValueList(v)
		}
	}
	return out, nil
}

// ---------- Internal helpers ----------

// exec runs a parameterized Cypher statement that produces no result rows.
func (s *KuzuStore) exec(cypher string, params map[string]any) error {
	stmt, err := s.conn.Prepare(cypher)
	if err != nil {
		return fmt.Errorf("kuzu: prepare: %w", err)
	}
	defer stmt.Close()

	res, err := s.conn.Execute(stmt, params)
	if err != nil {
		return fmt.Errorf("kuzu: execute: %w", err)
	}
	res.Close()
	return nil
}

// query runs a parameterized Cypher statement and collects all result rows.
// Each row is a []any slice with values in column order.
func (s *KuzuStore) query(cypher string, params map[string]any) ([][]any, error) {
	var res *kuzu.QueryResult
	var err error

	if len(params) == 0 {
		res, err = s.conn.Query(cypher)
	} else {
		var stmt *kuzu.PreparedStatement
		stmt, err = s.conn.Prepare(cypher)
		if err != nil {
			return nil, fmt.Errorf("kuzu: prepare: %w", err)
		}
		defer stmt.Close()
		res, err = s.conn.Execute(stmt, params)
	}
	if err != nil {
		return nil, fmt.Errorf("kuzu: query: %w", err)
	}
	defer res.Close()

	var rows [][]any
	for res.HasNext() {
		tuple, err := res.Next()
		if err != nil {
			return nil, fmt.Errorf("kuzu: next: %w", err)
		}
		vals, err := tuple.GetAsSlice()
		if err != nil {
			return nil, fmt.Errorf("kuzu: row values: %w", err)
		}
		rows = append(rows, vals)
	}
	return rows, nil
}

// ---------- Type coercion helpers ----------
// KuzuDB returns typed Go values (int64, float64, bool, string).
// These helpers safely coerce any -> concrete type.

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case int32:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
