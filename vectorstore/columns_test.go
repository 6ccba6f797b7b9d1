package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestColumnMap_KnownIDs(t *testing.T) {
	c := newColumnMap([]string{"a", "b", "c"}, "vector.test", zap.NewNop())

	assert.Equal(t, 0, c.column("a"))
	assert.Equal(t, 1, c.column("b"))
	assert.Equal(t, 2, c.column("c"))
}

func TestColumnMap_NumericFallback(t *testing.T) {
	c := newColumnMap([]string{"a", "b", "c", "d"}, "vector.test", zap.NewNop())

	// An unmapped decimal id inside the column range is taken literally.
	assert.Equal(t, 2, c.column("2"))
}

func TestColumnMap_HashFallback(t *testing.T) {
	c := newColumnMap([]string{"a", "b", "c", "d"}, "vector.test", zap.NewNop())

	// Non-numeric unmapped ids hash into range, deterministically.
	col := c.column("mystery-point")
	assert.GreaterOrEqual(t, col, 0)
	assert.Less(t, col, 4)
	assert.Equal(t, col, c.column("mystery-point"))

	// Out-of-range decimals hash too instead of indexing out of bounds.
	col = c.column("99")
	assert.GreaterOrEqual(t, col, 0)
	assert.Less(t, col, 4)
}

func TestColumnMap_Empty(t *testing.T) {
	c := newColumnMap(nil, "vector.test", zap.NewNop())
	assert.Equal(t, 0, c.column("anything"))
}

func TestPointID_Deterministic(t *testing.T) {
	assert.Equal(t, pointID("chunk-abc").GetUuid(), pointID("chunk-abc").GetUuid())
	assert.NotEqual(t, pointID("chunk-abc").GetUuid(), pointID("chunk-abd").GetUuid())

	// Decimal ids pass through numerically.
	assert.Equal(t, uint64(17), pointID("17").GetNum())
	assert.NotEmpty(t, pointID("chunk-abc").GetUuid())
}

func TestCollectionName_NamespaceSuffix(t *testing.T) {
	assert.Equal(t, "chunks", collectionName("chunks", ""))
	assert.Equal(t, "chunks_projA", collectionName("chunks", "projA"))
}
