package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_KeyLayout(t *testing.T) {
	s := &RedisStore[string, string]{cfg: RedisConfig{Prefix: "ragstore", Namespace: "chunks"}}

	assert.Equal(t, "ragstore:data:chunks:42", s.dataKey(42))
	assert.Equal(t, "ragstore:key_index:chunks", s.keyIndexKey())
	assert.Equal(t, "ragstore:meta:chunks", s.metaKey())
}

func TestEncodeKey(t *testing.T) {
	// String keys pass through unquoted so the hash fields stay readable.
	f, err := encodeKey("test", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", f)

	f, err = encodeKey("test", 42)
	require.NoError(t, err)
	assert.Equal(t, "42", f)

	type pair struct {
		A string `json:"a"`
		B int    `json:"b"`
	}
	f, err = encodeKey("test", pair{A: "x", B: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"x","b":1}`, f)
}

func TestValueCodecRoundTrip(t *testing.T) {
	type doc struct {
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
	}
	in := doc{Title: "graph retrieval", Tags: []string{"rag", "storage"}}

	raw, err := encodeValue("test", in)
	require.NoError(t, err)

	out, err := decodeValue[doc]("test", raw)
	require.NoError(t, err)
	assert.Equal(t, in, *out)

	_, err = decodeValue[doc]("test", "{not json")
	require.Error(t, err)
}

func TestRedisStore_MetaFields(t *testing.T) {
	s := &RedisStore[string, string]{}
	s.book.maxIndex = 5
	s.book.free = []int{2, 4}

	fields, err := s.metaFields("test")
	require.NoError(t, err)
	assert.Equal(t, 5, fields[metaMaxIndex])
	assert.JSONEq(t, `[2,4]`, fields[metaFreeList].(string))
}
