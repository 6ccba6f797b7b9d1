package graphstore

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/lodestar-ai/ragstore/sparse"
	"github.com/lodestar-ai/ragstore/storeerr"
)

// Compile-time check that MemStore satisfies Store.
var _ Store = (*MemStore)(nil)

// MemStore implements Store with Go maps. It runs the attribute codec on
// every write and read, so attribute round trips behave exactly as they do
// against a remote backend. Thread-safe via sync.RWMutex.
type MemStore struct {
	mu         sync.RWMutex
	nodes      map[string]*memNode
	nodesBySeq map[int]*memNode
	edges      map[int]*memEdge

	nodeSeq sequence
	edgeSeq sequence

	damping    float64
	iterations int

	primary  NodeScorer
	fallback NodeScorer
	log      *zap.Logger
}

type memNode struct {
	name  string
	props map[string]any
	seq   int
}

type memEdge struct {
	source, target string
	props          map[string]any
	seq            int
}

// NewMemStore returns an empty in-memory graph store. A nil logger is
// replaced with a no-op logger.
func NewMemStore(log *zap.Logger) *MemStore {
	if log == nil {
		log = zap.NewNop()
	}
	s := &MemStore{
		nodes:      make(map[string]*memNode),
		nodesBySeq: make(map[int]*memNode),
		edges:      make(map[int]*memEdge),
		damping:    0.85,
		iterations: 20,
		log:        log,
	}
	s.primary = &walkScorer{store: s}
	s.fallback = &FallbackScorer{Source: s}
	return s
}

func (s *MemStore) Close() error { return nil }

// Lifecycle hooks are no-ops for the in-memory store; counters never need
// reseeding because the store owns its whole lifetime.
func (s *MemStore) InsertStart(context.Context) error { return nil }
func (s *MemStore) InsertDone(context.Context) error  { return nil }
func (s *MemStore) QueryStart(context.Context) error  { return nil }
func (s *MemStore) QueryDone(context.Context) error   { return nil }

func (s *MemStore) NodeCount(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), nil
}

func (s *MemStore) EdgeCount(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.edges), nil
}

func (s *MemStore) UpsertNode(_ context.Context, node Node, index *int) (int, error) {
	const op = "graphstore.UpsertNode"
	props, err := encodeAttrs(op, node.Attrs)
	if err != nil {
		return -1, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if index != nil {
		n, ok := s.nodesBySeq[*index]
		if !ok {
			return -1, storeerr.Newf(storeerr.KindNotFound, op, "no node at index %d", *index)
		}
		mergeProps(n.props, props)
		return n.seq, nil
	}

	if n, ok := s.nodes[node.Name]; ok {
		mergeProps(n.props, props)
		return n.seq, nil
	}
	n := &memNode{
		name:  node.Name,
		props: props,
		seq:   int(s.nodeSeq.Alloc()),
	}
	s.nodes[node.Name] = n
	s.nodesBySeq[n.seq] = n
	return n.seq, nil
}

func (s *MemStore) UpsertEdge(_ context.Context, edge Edge, index *int) (int, error) {
	const op = "graphstore.UpsertEdge"
	props, err := encodeAttrs(op, edge.Attrs)
	if err != nil {
		return -1, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if index != nil {
		e, ok := s.edges[*index]
		if !ok {
			return -1, storeerr.Newf(storeerr.KindNotFound, op, "no edge at index %d", *index)
		}
		mergeProps(e.props, props)
		return e.seq, nil
	}

	if err := s.endpointsExist(op, edge.Source, edge.Target); err != nil {
		return -1, err
	}
	e := &memEdge{
		source: edge.Source,
		target: edge.Target,
		props:  props,
		seq:    int(s.edgeSeq.Alloc()),
	}
	s.edges[e.seq] = e
	return e.seq, nil
}

func (s *MemStore) InsertEdges(_ context.Context, edges []Edge) ([]int, error) {
	const op = "graphstore.InsertEdges"

	encoded := make([]map[string]any, len(edges))
	for i, e := range edges {
		props, err := encodeAttrs(op, e.Attrs)
		if err != nil {
			return nil, err
		}
		encoded[i] = props
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range edges {
		if err := s.endpointsExist(op, e.Source, e.Target); err != nil {
			return nil, err
		}
	}
	out := make([]int, len(edges))
	for i, e := range edges {
		me := &memEdge{
			source: e.Source,
			target: e.Target,
			props:  encoded[i],
			seq:    int(s.edgeSeq.Alloc()),
		}
		s.edges[me.seq] = me
		out[i] = me.seq
	}
	return out, nil
}

func (s *MemStore) InsertEdgesByIndex(_ context.Context, pairs [][2]int, attrs map[string]any) ([]int, error) {
	const op = "graphstore.InsertEdgesByIndex"
	props, err := encodeAttrs(op, attrs)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	endpoints := make([][2]*memNode, len(pairs))
	for i, p := range pairs {
		src, okS := s.nodesBySeq[p[0]]
		dst, okT := s.nodesBySeq[p[1]]
		if !okS || !okT {
			return nil, storeerr.Newf(storeerr.KindNotFound, op, "node pair (%d, %d) not found", p[0], p[1])
		}
		endpoints[i] = [2]*memNode{src, dst}
	}
	out := make([]int, len(pairs))
	for i, ep := range endpoints {
		e := &memEdge{
			source: ep[0].name,
			target: ep[1].name,
			props:  cloneProps(props),
			seq:    int(s.edgeSeq.Alloc()),
		}
		s.edges[e.seq] = e
		out[i] = e.seq
	}
	return out, nil
}

func (s *MemStore) GetNode(_ context.Context, name string) (*Node, int, error) {
	const op = "graphstore.GetNode"
	s.mu.RLock()
	n, ok := s.nodes[name]
	s.mu.RUnlock()
	if !ok {
		return nil, -1, nil
	}
	attrs, err := decodeAttrs(op, n.props)
	if err != nil {
		return nil, -1, err
	}
	return &Node{Name: n.name, Attrs: attrs}, n.seq, nil
}

func (s *MemStore) GetNodeByIndex(_ context.Context, index int) (*Node, error) {
	const op = "graphstore.GetNodeByIndex"
	s.mu.RLock()
	n, ok := s.nodesBySeq[index]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	attrs, err := decodeAttrs(op, n.props)
	if err != nil {
		return nil, err
	}
	return &Node{Name: n.name, Attrs: attrs}, nil
}

func (s *MemStore) GetEdges(_ context.Context, source, target string) ([]IndexedEdge, error) {
	const op = "graphstore.GetEdges"
	s.mu.RLock()
	var matched []*memEdge
	for _, e := range s.edges {
		if e.source == source && e.target == target {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	out := make([]IndexedEdge, 0, len(matched))
	for _, e := range matched {
		attrs, err := decodeAttrs(op, e.props)
		if err != nil {
			return nil, err
		}
		out = append(out, IndexedEdge{
			Edge:  Edge{Source: e.source, Target: e.target, Attrs: attrs},
			Index: e.seq,
		})
	}
	return out, nil
}

func (s *MemStore) GetEdgeByIndex(_ context.Context, index int) (*Edge, error) {
	const op = "graphstore.GetEdgeByIndex"
	s.mu.RLock()
	e, ok := s.edges[index]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	attrs, err := decodeAttrs(op, e.props)
	if err != nil {
		return nil, err
	}
	return &Edge{Source: e.source, Target: e.target, Attrs: attrs}, nil
}

func (s *MemStore) AreNeighbours(_ context.Context, a, b string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.edges {
		if (e.source == a && e.target == b) || (e.source == b && e.target == a) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) DeleteEdgesByIndex(_ context.Context, indices []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range indices {
		delete(s.edges, i)
	}
	return nil
}

func (s *MemStore) ScoreNodes(ctx context.Context, initialWeights *sparse.Vector) (*sparse.Vector, error) {
	return resolveScores(ctx, s.primary, s.fallback, initialWeights, "graph.mem", s.log)
}

// NodeDegrees implements DegreeSource over the in-memory edge set.
func (s *MemStore) NodeDegrees(context.Context) (map[int]int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	degrees := make(map[int]int, len(s.nodes))
	maxSeq := -1
	for _, n := range s.nodes {
		degrees[n.seq] = 0
		if n.seq > maxSeq {
			maxSeq = n.seq
		}
	}
	for _, e := range s.edges {
		if src, ok := s.nodes[e.source]; ok {
			degrees[src.seq]++
		}
		if dst, ok := s.nodes[e.target]; ok {
			degrees[dst.seq]++
		}
	}
	return degrees, maxSeq, nil
}

func (s *MemStore) EntityToRelationshipMap(context.Context) (*sparse.Matrix, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	maxNodeSeq, maxEdgeSeq := -1, -1
	for _, n := range s.nodes {
		if n.seq > maxNodeSeq {
			maxNodeSeq = n.seq
		}
	}
	for _, e := range s.edges {
		if e.seq > maxEdgeSeq {
			maxEdgeSeq = e.seq
		}
	}
	if maxNodeSeq < 0 {
		return sparse.NewMatrix(0, 0), nil
	}

	lists := make([][]int, maxNodeSeq+1)
	for _, e := range s.edges {
		if src, ok := s.nodes[e.source]; ok {
			lists[src.seq] = appendUnique(lists[src.seq], e.seq)
		}
		if dst, ok := s.nodes[e.target]; ok {
			lists[dst.seq] = appendUnique(lists[dst.seq], e.seq)
		}
	}
	return sparse.MatrixFromIndexLists(lists, maxNodeSeq+1, maxEdgeSeq+1), nil
}

func (s *MemStore) RelationshipAttrs(_ context.Context, key string) ([][]any, error) {
	const op = "graphstore.RelationshipAttrs"
	if err := ValidateAttrKey(op, key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	maxSeq := -1
	for _, e := range s.edges {
		if e.seq > maxSeq {
			maxSeq = e.seq
		}
	}
	out := make([][]any, maxSeq+1)
	for i := range out {
		out[i] = []any{}
	}
	for _, e := range s.edges {
		raw, ok := e.props[key]
		if !ok || raw == nil {
			continue
		}
		v, err := decodeAttrValue(op, key, raw, e.props[propEncoded])
		if err != nil {
			return nil, err
		}
		out[e.seq] = asValueList(v)
	}
	return out, nil
}

// ---------- Scoring ----------

// walkScorer runs the damped random walk locally; this is the in-memory
// store's native analytics capability.
type walkScorer struct {
	store *MemStore
}

func (w *walkScorer) Name() string { return "local-random-walk" }

func (w *walkScorer) ScoreNodes(_ context.Context, initial *sparse.Vector) (*sparse.Vector, error) {
	s := w.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := make([]*memNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		ordered = append(ordered, n)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	if len(ordered) == 0 {
		return sparse.NewVector(0), nil
	}
	maxSeq := ordered[len(ordered)-1].seq

	ordinal := make(map[string]int, len(ordered))
	for i, n := range ordered {
		ordinal[n.name] = i
	}
	adj := make([][]int, len(ordered))
	for _, e := range s.edges {
		si, okS := ordinal[e.source]
		ti, okT := ordinal[e.target]
		if !okS || !okT {
			continue
		}
		adj[si] = append(adj[si], ti)
		adj[ti] = append(adj[ti], si)
	}

	var teleport []float32
	if initial != nil && initial.Len() > maxSeq {
		teleport = make([]float32, len(ordered))
		for i, n := range ordered {
			teleport[i] = initial.At(n.seq)
		}
	}

	rank := powerIteration(adj, teleport, s.damping, s.iterations)
	scores := make(map[int]float32, len(ordered))
	for i, n := range ordered {
		scores[n.seq] = float32(rank[i])
	}
	return denseScores(scores, maxSeq), nil
}

// ---------- Helpers ----------

func (s *MemStore) endpointsExist(op, source, target string) error {
	if _, ok := s.nodes[source]; !ok {
		return storeerr.Newf(storeerr.KindNotFound, op, "source node %q does not exist", source)
	}
	if _, ok := s.nodes[target]; !ok {
		return storeerr.Newf(storeerr.KindNotFound, op, "target node %q does not exist", target)
	}
	return nil
}

// mergeProps applies an encoded update bag onto stored properties in
// place, running the _enc reconciliation so earlier encoded keys keep
// decoding after a partial update.
func mergeProps(dst, src map[string]any) {
	merged := mergeEncodedProps(dst, src)
	for k, v := range merged {
		if k == propEncoded {
			continue
		}
		dst[k] = v
	}
	if enc, ok := merged[propEncoded].([]string); ok {
		dst[propEncoded] = enc
	} else {
		delete(dst, propEncoded)
	}
}

func cloneProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func appendUnique(list []int, v int) []int {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// asValueList normalizes a decoded attribute into the list form returned by
// RelationshipAttrs: lists stay lists, scalars wrap into one element.
func asValueList(v any) []any {
	switch vs := v.(type) {
	case []any:
		return vs
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(vs))
		for i, n := range vs {
			out[i] = n
		}
		return out
	case []int64:
		out := make([]any, len(vs))
		for i, n := range vs {
			out[i] = n
		}
		return out
	case []bool:
		out := make([]any, len(vs))
		for i, b := range vs {
			out[i] = b
		}
		return out
	case []float32:
		out := make([]any, len(vs))
		for i, f := range vs {
			out[i] = f
		}
		return out
	case []float64:
		out := make([]any, len(vs))
		for i, f := range vs {
			out[i] = f
		}
		return out
	case nil:
		return []any{}
	default:
		return []any{v}
	}
}
