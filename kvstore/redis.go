package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lodestar-ai/ragstore/metrics"
	"github.com/lodestar-ai/ragstore/storeerr"
)

const redisLabel = "kv.redis"

// Metadata hash fields.
const (
	metaMaxIndex = "max_index"
	metaFreeList = "free_indices"
)

// RedisConfig holds connection and keyspace settings for the Redis-backed
// store.
type RedisConfig struct {
	Addr     string `yaml:"addr" envconfig:"ADDR"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	DB       int    `yaml:"db" envconfig:"DB"`

	// Prefix namespaces every key this store writes; Namespace further
	// scopes one logical dataset under the prefix.
	Prefix    string `yaml:"prefix" envconfig:"PREFIX"`
	Namespace string `yaml:"namespace" envconfig:"NAMESPACE"`

	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// Compile-time check that RedisStore satisfies Store.
var _ Store[string, string] = (*RedisStore[string, string])(nil)

// RedisStore implements Store against a Redis server. Layout:
//
//	{prefix}:data:{ns}:{index}  string, JSON value
//	{prefix}:key_index:{ns}     hash, encoded key -> index
//	{prefix}:meta:{ns}          hash, max_index + free_indices
//
// Index metadata is cached in memory between InsertStart and InsertDone;
// each mutation persists through one TxPipeline, so consistency across a
// crash mid-pipeline is best-effort, not transactional.
type RedisStore[K comparable, V any] struct {
	client *redis.Client
	cfg    RedisConfig

	mu   sync.Mutex
	book indexBook

	log *zap.Logger
}

// NewRedisStore connects to Redis and verifies the server responds to
// PING. A connection failure is fatal; there is no degraded mode.
func NewRedisStore[K comparable, V any](ctx context.Context, cfg RedisConfig, log *zap.Logger) (*RedisStore[K, V], error) {
	const op = "kvstore.NewRedisStore"
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "ragstore"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, storeerr.Wrapf(err, storeerr.KindConnection, op, "ping %s", cfg.Addr)
	}

	s := &RedisStore[K, V]{client: client, cfg: cfg, log: log}
	if err := s.loadMeta(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info("connected to redis",
		zap.String("addr", cfg.Addr),
		zap.String("prefix", cfg.Prefix),
		zap.String("namespace", cfg.Namespace))
	return s, nil
}

func (s *RedisStore[K, V]) Close() error { return s.client.Close() }

// ---------- Key builders ----------

func (s *RedisStore[K, V]) dataKey(index int) string {
	return fmt.Sprintf("%s:data:%s:%d", s.cfg.Prefix, s.cfg.Namespace, index)
}

func (s *RedisStore[K, V]) keyIndexKey() string {
	return fmt.Sprintf("%s:key_index:%s", s.cfg.Prefix, s.cfg.Namespace)
}

func (s *RedisStore[K, V]) metaKey() string {
	return fmt.Sprintf("%s:meta:%s", s.cfg.Prefix, s.cfg.Namespace)
}

// ---------- Metadata ----------

func (s *RedisStore[K, V]) loadMeta(ctx context.Context) error {
	const op = "kvstore.loadMeta"
	fields, err := s.client.HGetAll(ctx, s.metaKey()).Result()
	if err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.book = indexBook{}
	if raw, ok := fields[metaMaxIndex]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return storeerr.Wrapf(err, storeerr.KindSerialization, op, "parse %s", metaMaxIndex)
		}
		s.book.maxIndex = n
	}
	if raw, ok := fields[metaFreeList]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.book.free); err != nil {
			return storeerr.Wrapf(err, storeerr.KindSerialization, op, "parse %s", metaFreeList)
		}
	}
	return nil
}

// metaFields renders the current index book for persistence. Callers hold
// s.mu.
func (s *RedisStore[K, V]) metaFields(op string) (map[string]any, error) {
	freeRaw, err := json.Marshal(s.book.free)
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindSerialization, op)
	}
	return map[string]any{
		metaMaxIndex: s.book.maxIndex,
		metaFreeList: string(freeRaw),
	}, nil
}

// ---------- Lifecycle ----------

func (s *RedisStore[K, V]) InsertStart(ctx context.Context) error { return s.loadMeta(ctx) }

func (s *RedisStore[K, V]) InsertDone(ctx context.Context) error {
	const op = "kvstore.InsertDone"
	s.mu.Lock()
	fields, err := s.metaFields(op)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.metaKey(), fields).Err(); err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	return nil
}

func (s *RedisStore[K, V]) QueryStart(ctx context.Context) error { return s.loadMeta(ctx) }
func (s *RedisStore[K, V]) QueryDone(context.Context) error      { return nil }

// ---------- Operations ----------

func (s *RedisStore[K, V]) Upsert(ctx context.Context, keys []K, values []V) (err error) {
	const op = "kvstore.Upsert"
	defer func(start time.Time) { metrics.ObserveOp(redisLabel, "upsert", start, err) }(time.Now())

	if len(keys) != len(values) {
		return storeerr.Newf(storeerr.KindValidation, op,
			"keys has %d entries but values has %d", len(keys), len(values))
	}
	if len(keys) == 0 {
		return nil
	}

	fields := make([]string, len(keys))
	encoded := make([]string, len(keys))
	for i, k := range keys {
		f, err := encodeKey(op, k)
		if err != nil {
			return err
		}
		v, err := encodeValue(op, values[i])
		if err != nil {
			return err
		}
		fields[i] = f
		encoded[i] = v
	}

	existing, err := s.client.HMGet(ctx, s.keyIndexKey(), fields...).Result()
	if err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	indices := make([]int, len(keys))
	for i, raw := range existing {
		if raw == nil {
			indices[i] = s.book.alloc()
			continue
		}
		idx, err := strconv.Atoi(raw.(string))
		if err != nil {
			return storeerr.Wrapf(err, storeerr.KindSerialization, op, "parse stored index for %q", fields[i])
		}
		indices[i] = idx
	}

	meta, err := s.metaFields(op)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	for i, idx := range indices {
		pipe.Set(ctx, s.dataKey(idx), encoded[i], 0)
		pipe.HSet(ctx, s.keyIndexKey(), fields[i], idx)
	}
	pipe.HSet(ctx, s.metaKey(), meta)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	return nil
}

func (s *RedisStore[K, V]) Get(ctx context.Context, keys []K) (out []*V, err error) {
	const op = "kvstore.Get"
	defer func(start time.Time) { metrics.ObserveOp(redisLabel, "get", start, err) }(time.Now())

	indices, err := s.GetIndex(ctx, keys)
	if err != nil {
		return nil, err
	}
	out = make([]*V, len(keys))
	lookup := make([]int, 0, len(keys))
	positions := make([]int, 0, len(keys))
	for i, idx := range indices {
		if idx != nil {
			lookup = append(lookup, *idx)
			positions = append(positions, i)
		}
	}
	if len(lookup) == 0 {
		return out, nil
	}
	values, err := s.getByIndices(ctx, op, lookup)
	if err != nil {
		return nil, err
	}
	for i, pos := range positions {
		out[pos] = values[i]
	}
	return out, nil
}

func (s *RedisStore[K, V]) GetByIndex(ctx context.Context, indices []int) (out []*V, err error) {
	const op = "kvstore.GetByIndex"
	defer func(start time.Time) { metrics.ObserveOp(redisLabel, "get_by_index", start, err) }(time.Now())
	return s.getByIndices(ctx, op, indices)
}

func (s *RedisStore[K, V]) getByIndices(ctx context.Context, op string, indices []int) ([]*V, error) {
	if len(indices) == 0 {
		return []*V{}, nil
	}
	keys := make([]string, len(indices))
	for i, idx := range indices {
		keys[i] = s.dataKey(idx)
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	out := make([]*V, len(indices))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		v, err := decodeValue[V](op, raw.(string))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *RedisStore[K, V]) GetIndex(ctx context.Context, keys []K) ([]*int, error) {
	const op = "kvstore.GetIndex"
	if len(keys) == 0 {
		return []*int{}, nil
	}
	fields := make([]string, len(keys))
	for i, k := range keys {
		f, err := encodeKey(op, k)
		if err != nil {
			return nil, err
		}
		fields[i] = f
	}
	raws, err := s.client.HMGet(ctx, s.keyIndexKey(), fields...).Result()
	if err != nil {
		return nil, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	out := make([]*int, len(keys))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		idx, err := strconv.Atoi(raw.(string))
		if err != nil {
			return nil, storeerr.Wrapf(err, storeerr.KindSerialization, op, "parse stored index for %q", fields[i])
		}
		out[i] = &idx
	}
	return out, nil
}

func (s *RedisStore[K, V]) Delete(ctx context.Context, keys []K) (err error) {
	const op = "kvstore.Delete"
	defer func(start time.Time) { metrics.ObserveOp(redisLabel, "delete", start, err) }(time.Now())

	indices, err := s.GetIndex(ctx, keys)
	if err != nil {
		return err
	}
	fields := make([]string, 0, len(keys))
	freed := make([]int, 0, len(keys))
	for i, idx := range indices {
		if idx == nil {
			continue
		}
		f, err := encodeKey(op, keys[i])
		if err != nil {
			return err
		}
		fields = append(fields, f)
		freed = append(freed, *idx)
	}
	if len(freed) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, idx := range freed {
		s.book.release(idx)
	}
	meta, err := s.metaFields(op)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	for _, idx := range freed {
		pipe.Del(ctx, s.dataKey(idx))
	}
	pipe.HDel(ctx, s.keyIndexKey(), fields...)
	pipe.HSet(ctx, s.metaKey(), meta)
	if _, err := pipe.Exec(ctx); err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	return nil
}

func (s *RedisStore[K, V]) MaskNew(ctx context.Context, keys []K) ([]bool, error) {
	indices, err := s.GetIndex(ctx, keys)
	if err != nil {
		return nil, err
	}
	mask := make([]bool, len(keys))
	for i, idx := range indices {
		mask[i] = idx == nil
	}
	return mask, nil
}

func (s *RedisStore[K, V]) Size(ctx context.Context) (int, error) {
	const op = "kvstore.Size"
	n, err := s.client.HLen(ctx, s.keyIndexKey()).Result()
	if err != nil {
		return 0, storeerr.Wrap(err, storeerr.KindStorage, op)
	}
	return int(n), nil
}

// ---------- Admin ----------

// ClearNamespace removes every key this store owns: data entries, the key
// index, and the metadata hash.
func (s *RedisStore[K, V]) ClearNamespace(ctx context.Context) error {
	const op = "kvstore.ClearNamespace"

	pattern := fmt.Sprintf("%s:data:%s:*", s.cfg.Prefix, s.cfg.Namespace)
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	var dataKeys []string
	for iter.Next(ctx) {
		dataKeys = append(dataKeys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}

	pipe := s.client.TxPipeline()
	if len(dataKeys) > 0 {
		pipe.Del(ctx, dataKeys...)
	}
	pipe.Del(ctx, s.keyIndexKey(), s.metaKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return storeerr.Wrap(err, storeerr.KindStorage, op)
	}

	s.mu.Lock()
	s.book = indexBook{}
	s.mu.Unlock()
	s.log.Info("cleared namespace",
		zap.String("prefix", s.cfg.Prefix), zap.String("namespace", s.cfg.Namespace))
	return nil
}

// Stats reports entry count and index-space state for debugging.
type Stats struct {
	Entries   int
	MaxIndex  int
	FreeCount int
}

func (s *RedisStore[K, V]) Stats(ctx context.Context) (*Stats, error) {
	entries, err := s.Size(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Stats{
		Entries:   entries,
		MaxIndex:  s.book.maxIndex,
		FreeCount: len(s.book.free),
	}, nil
}
