package vectorstore

import (
	"strconv"

	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/lodestar-ai/ragstore/metrics"
)

// columnMap assigns each external point id a stable matrix column. The
// authoritative mapping is built from a full point enumeration; ids that
// arrive in results but were missed by the enumeration (points written by a
// concurrent process between the scan and the query) fall back to a
// deterministic approximation.
type columnMap struct {
	byID       map[string]int
	size       int
	storeLabel string
	log        *zap.Logger
}

func newColumnMap(ids []string, storeLabel string, log *zap.Logger) *columnMap {
	byID := make(map[string]int, len(ids))
	for i, id := range ids {
		byID[id] = i
	}
	return &columnMap{byID: byID, size: len(ids), storeLabel: storeLabel, log: log}
}

// column resolves an external id to its matrix column.
func (c *columnMap) column(id string) int {
	if col, ok := c.byID[id]; ok {
		return col
	}
	return c.fallbackColumn(id)
}

// fallbackColumn approximates a column for an unmapped id: a decimal id
// within range is used directly, anything else hashes into the column
// space. The result is deterministic but may collide; each use is logged
// and counted as a degradation.
func (c *columnMap) fallbackColumn(id string) int {
	if c.size == 0 {
		return 0
	}
	col := -1
	if n, err := strconv.Atoi(id); err == nil && n >= 0 && n < c.size {
		col = n
	} else {
		sum := blake3.Sum256([]byte(id))
		var h uint64
		for _, b := range sum[:8] {
			h = h<<8 | uint64(b)
		}
		col = int(h % uint64(c.size))
	}
	c.log.Warn("point id missing from column map, using approximate column",
		zap.String("id", id), zap.Int("column", col))
	metrics.ObserveDegradation(c.storeLabel, "column_fallback")
	return col
}
