// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package checkpoint

import (
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundgraph/fscrawl/internal/apperr"
	"github.com/soundgraph/fscrawl/pkg/graphstore"
	"github.com/soundgraph/fscrawl/pkg/metadatacache"
)

func buildSaved(t *testing.T, dir string) (*Store, Control) {
	t.Helper()
	store, err := New(dir, nil)
	require.NoError(t, err)

	graph := graphstore.New()
	graph.AddNode(1)
	graph.AddNode(2)
	require.NoError(t, graph.AddEdge(1, 2, graphstore.KindSimilar, 0.5))

	cache, err := metadatacache.Open(metadatacache.Config{Path: filepath.Join(dir, cacheFilename)})
	require.NoError(t, err)
	require.NoError(t, cache.BulkInsert([]metadatacache.Record{
		{ID: 1, Blob: json.RawMessage(`{}`), Filesize: 10, LastUpdated: time.Now()},
		{ID: 2, Blob: json.RawMessage(`{}`), Filesize: 20, LastUpdated: time.Now()},
	}))

	ctrl := Control{
		Timestamp:           time.Now(),
		ProcessedIDs:        []int64{1, 2},
		PriorityQueue:       []QueueEntry{{Score: 1.5, ID: 3, Depth: 1}},
		SessionRequestCount: 4,
	}

	require.NoError(t, store.Save(graph, cache, ctrl))
	require.NoError(t, cache.Close())
	return store, ctrl
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, ctrl := buildSaved(t, dir)

	store, err := New(dir, nil)
	require.NoError(t, err)
	graph, cache, loadedCtrl, err := store.Load()
	require.NoError(t, err)
	defer cache.Close()

	assert.Equal(t, 2, graph.NodeCount())
	assert.Equal(t, 1, graph.EdgeCount())
	assert.Equal(t, ctrl.SessionRequestCount, loadedCtrl.SessionRequestCount)
	require.Len(t, loadedCtrl.PriorityQueue, 1)
	assert.Equal(t, int64(3), loadedCtrl.PriorityQueue[0].ID)
}

func TestLoadDetectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	buildSaved(t, dir)
	require.NoError(t, os.Remove(filepath.Join(dir, controlFilename)))

	store, err := New(dir, nil)
	require.NoError(t, err)
	_, _, _, err = store.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrCheckpointCorrupt)
}

func TestLoadDetectsNodeEdgeCountMismatch(t *testing.T) {
	dir := t.TempDir()
	_, ctrl := buildSaved(t, dir)
	ctrl.Nodes = 999

	raw, err := json.MarshalIndent(ctrl, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, controlFilename), raw, 0o644))

	store, err := New(dir, nil)
	require.NoError(t, err)
	_, _, _, err = store.Load()
	require.Error(t, err, "Load must fail on nodes_count mismatch")
	assert.ErrorIs(t, err, apperr.ErrCheckpointCorrupt)
}

func TestLoadDetectsZeroFilesize(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, nil)
	require.NoError(t, err)

	graph := graphstore.New()
	graph.AddNode(1)

	cache, err := metadatacache.Open(metadatacache.Config{Path: filepath.Join(dir, cacheFilename)})
	require.NoError(t, err)
	require.NoError(t, cache.BulkInsert([]metadatacache.Record{
		{ID: 1, Blob: json.RawMessage(`{}`), Filesize: 0, LastUpdated: time.Now()},
	}))
	require.NoError(t, store.Save(graph, cache, Control{Timestamp: time.Now()}))
	cache.Close()

	_, _, _, err = store.Load()
	require.Error(t, err, "Load must fail on zero filesize")
	assert.ErrorIs(t, err, apperr.ErrCheckpointCorrupt)
}

func TestQueueEntryRoundTripsAsArray(t *testing.T) {
	entry := QueueEntry{Score: 2.25, ID: 42, Depth: 3}
	raw, err := json.Marshal(entry)
	require.NoError(t, err)
	assert.JSONEq(t, `[2.25, 42, 3]`, string(raw))

	var decoded QueueEntry
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, entry, decoded)
}

func TestMigrateLegacySplitsMonolithicFile(t *testing.T) {
	dir := t.TempDir()

	// Build a legacy monolithic blob out of a small graph plus records.
	graph := graphstore.New()
	graph.AddNode(1)
	graph.AddNode(2)
	require.NoError(t, graph.AddEdge(1, 2, graphstore.KindSamePack, 0))
	topologyPath := filepath.Join(dir, "staging_topology")
	require.NoError(t, graph.SaveTopology(topologyPath))
	topologyBlob, err := os.ReadFile(topologyPath)
	require.NoError(t, err)

	legacyPath := filepath.Join(dir, "legacy_checkpoint.bin")
	f, err := os.Create(legacyPath)
	require.NoError(t, err)
	require.NoError(t, gob.NewEncoder(f).Encode(legacySnapshot{
		Graph: topologyBlob,
		Samples: []metadatacache.Record{
			{ID: 1, Blob: json.RawMessage(`{}`), Filesize: 10, LastUpdated: time.Now()},
			{ID: 2, Blob: json.RawMessage(`{}`), Filesize: 20, LastUpdated: time.Now()},
		},
		Control: Control{Timestamp: time.Now(), ProcessedIDs: []int64{1, 2}},
	}))
	require.NoError(t, f.Close())

	checkpointDir := filepath.Join(dir, "checkpoint")
	store, err := New(checkpointDir, nil)
	require.NoError(t, err)
	require.NoError(t, store.MigrateLegacy(legacyPath))

	// Legacy file retained until the caller removes it.
	_, err = os.Stat(legacyPath)
	assert.NoError(t, err, "legacy file must survive a successful migration")

	loadedGraph, cache, ctrl, err := store.Load()
	require.NoError(t, err)
	defer cache.Close()
	assert.Equal(t, 2, loadedGraph.NodeCount())
	assert.Equal(t, 1, loadedGraph.EdgeCount())
	assert.ElementsMatch(t, []int64{1, 2}, ctrl.ProcessedIDs)
}
