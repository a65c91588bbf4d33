// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package metadatacache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(Config{Path: ":memory:"})
	require.NoError(t, err, "Open should succeed for in-memory database")
	t.Cleanup(func() { c.Close() })
	return c
}

func recordFor(id int64) Record {
	return Record{
		ID:          id,
		Blob:        json.RawMessage(`{"name":"x"}`),
		LastUpdated: time.Now(),
		Filesize:    1024,
	}
}

func rowCount(t *testing.T, c *Cache) int {
	t.Helper()
	n, err := c.RowCount()
	require.NoError(t, err)
	return n
}

func TestMaxSafeChunkIsDerivedCeiling(t *testing.T) {
	assert.Equal(t, 166, MaxSafeChunk, "999 params / 6 per row, floored")
}

func TestBulkInsertZeroRowsNoOp(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.BulkInsert(nil))
	assert.Equal(t, 0, rowCount(t, c))
}

// openBoundaryCache opens a cache at the derived chunk ceiling, so the
// execution-count assertions below exercise the 166-row boundary itself
// rather than the smaller default chunk.
func openBoundaryCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(Config{Path: ":memory:", SafeChunk: MaxSafeChunk})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBulkInsertExactlyMaxSafeChunkSingleExecution(t *testing.T) {
	c := openBoundaryCache(t)
	records := make([]Record, MaxSafeChunk)
	for i := range records {
		records[i] = recordFor(int64(i + 1))
	}
	require.NoError(t, c.BulkInsert(records))
	assert.Equal(t, MaxSafeChunk, rowCount(t, c))
	assert.Equal(t, 1, c.chunkExecs, "166 rows at chunk 166 must execute as a single statement")
}

func TestBulkInsertOneOverMaxSafeChunkSplitsIntoTwoExecutions(t *testing.T) {
	c := openBoundaryCache(t)
	records := make([]Record, MaxSafeChunk+1)
	for i := range records {
		records[i] = recordFor(int64(i + 1))
	}
	require.NoError(t, c.BulkInsert(records))
	assert.Equal(t, MaxSafeChunk+1, rowCount(t, c))
	assert.Equal(t, 2, c.chunkExecs, "167 rows at chunk 166 must split into two statements")
}

func TestBulkInsertExecutionCountIsCeilOfRowsOverChunk(t *testing.T) {
	c, err := Open(Config{Path: ":memory:", SafeChunk: 50})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	total := 120 // ceil(120/50) = 3
	records := make([]Record, total)
	for i := range records {
		records[i] = recordFor(int64(i + 1))
	}
	require.NoError(t, c.BulkInsert(records))
	assert.Equal(t, total, rowCount(t, c))
	assert.Equal(t, 3, c.chunkExecs)
}

func TestBulkInsertAboveHardCapSplitsAcrossMultipleMaxChunkBatches(t *testing.T) {
	c := openTestCache(t)
	total := maxChunkRows + 1
	records := make([]Record, total)
	for i := range records {
		records[i] = recordFor(int64(i + 1))
	}
	require.NoError(t, c.BulkInsert(records))
	assert.Equal(t, total, rowCount(t, c))
	// The 500-row hard cap splits the batch before chunking: 500 rows at
	// the default chunk of 150 take 4 statements, the 1-row remainder a
	// fifth.
	assert.Equal(t, 5, c.chunkExecs)
}

func TestRequestedChunkAboveCeilingIsClamped(t *testing.T) {
	c, err := Open(Config{Path: ":memory:", SafeChunk: 900})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	assert.Equal(t, MaxSafeChunk, c.safeChunk)
}

func TestSetFlushesAtWriteBehindThreshold(t *testing.T) {
	c := openTestCache(t)
	for i := 0; i < writeBehindFlushSize-1; i++ {
		require.NoError(t, c.Set(recordFor(int64(i+1))))
	}
	assert.Equal(t, 0, rowCount(t, c), "rows below the threshold stay buffered")

	require.NoError(t, c.Set(recordFor(int64(writeBehindFlushSize))))
	assert.Equal(t, writeBehindFlushSize, rowCount(t, c), "reaching the threshold flushes the buffer")
}

func TestGetReturnsNotOkForAbsentID(t *testing.T) {
	c := openTestCache(t)
	_, ok, err := c.Get(42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateFieldsMergesIntoExistingBlob(t *testing.T) {
	c := openTestCache(t)
	rec := recordFor(7)
	rec.Blob = json.RawMessage(`{"name":"kick.wav","tags":["drum"]}`)
	require.NoError(t, c.BulkInsert([]Record{rec}))

	require.NoError(t, c.UpdateFields(7, map[string]any{"tags": []string{"drum", "kick"}}, time.Now()))

	got, ok, err := c.Get(7)
	require.NoError(t, err)
	require.True(t, ok)

	var merged map[string]any
	require.NoError(t, json.Unmarshal(got.Blob, &merged))
	assert.Equal(t, "kick.wav", merged["name"], "untouched field preserved")
	assert.Len(t, merged["tags"], 2, "merged tags field")
}

func TestDeleteRemovesRecord(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.BulkInsert([]Record{recordFor(5)}))
	require.NoError(t, c.Delete(5))

	_, ok, err := c.Get(5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSelectOldestByExistenceCheckOrdersNullsFirst(t *testing.T) {
	c := openTestCache(t)
	recA := recordFor(1)
	recA.LastExistenceCheckAt = time.Now().Add(-time.Hour)
	recB := recordFor(2) // never checked: LastExistenceCheckAt is zero value
	require.NoError(t, c.BulkInsert([]Record{recA, recB}))
	// BulkInsert doesn't set last_existence_check_at; emulate a later touch
	// on recA to distinguish it from the never-checked recB.
	require.NoError(t, c.TouchExistenceCheck(1, recA.LastExistenceCheckAt))

	ids, err := c.SelectOldestByExistenceCheck(2)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, int64(2), ids[0], "never-checked id sorts first")
}

func TestAnyZeroFilesizeDetectsCorruption(t *testing.T) {
	c := openTestCache(t)
	require.NoError(t, c.BulkInsert([]Record{recordFor(1)}))

	bad, err := c.AnyZeroFilesize()
	require.NoError(t, err)
	assert.False(t, bad)

	zero := recordFor(2)
	zero.Filesize = 0
	require.NoError(t, c.BulkInsert([]Record{zero}))

	bad, err = c.AnyZeroFilesize()
	require.NoError(t, err)
	assert.True(t, bad)
}
