// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package checkpoint owns the three-file on-disk directory layout that
// makes a crawl resumable: graph_topology, metadata_cache.db, and
// checkpoint_metadata.json.
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/soundgraph/fscrawl/internal/apperr"
	"github.com/soundgraph/fscrawl/pkg/graphstore"
	"github.com/soundgraph/fscrawl/pkg/metadatacache"
)

const (
	topologyFilename = "graph_topology"
	cacheFilename    = "metadata_cache.db"
	controlFilename  = "checkpoint_metadata.json"

	// schemaVersion is bumped whenever Control's JSON shape changes in a
	// way Load must branch on.
	schemaVersion = 1

	minTopologyBytes = 100
	minDatabaseBytes = 8 * 1024
	minControlBytes  = 10
)

// ValidationEntry records one validator run for the control file's
// validation_history array.
type ValidationEntry struct {
	Mode         string    `json:"mode"`
	Timestamp    time.Time `json:"timestamp"`
	DeletedCount int       `json:"deleted_count"`
}

// QueueEntry mirrors pqueue's persisted (score, id, depth) triple so this
// package does not need to import pkg/pqueue just to round-trip JSON.
type QueueEntry struct {
	Score float64
	ID    int64
	Depth int
}

// MarshalJSON emits a QueueEntry as a 3-element JSON array
// [score, id, depth] rather than as an object, the form older checkpoints
// already carry.
func (q QueueEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{q.Score, q.ID, q.Depth})
}

// UnmarshalJSON parses a 3-element JSON array back into a QueueEntry.
func (q *QueueEntry) UnmarshalJSON(data []byte) error {
	var raw [3]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("checkpoint: queue entry: %w", err)
	}
	score, err := raw[0].Float64()
	if err != nil {
		return fmt.Errorf("checkpoint: queue entry score: %w", err)
	}
	id, err := raw[1].Int64()
	if err != nil {
		return fmt.Errorf("checkpoint: queue entry id: %w", err)
	}
	depth, err := raw[2].Int64()
	if err != nil {
		return fmt.Errorf("checkpoint: queue entry depth: %w", err)
	}
	*q = QueueEntry{Score: score, ID: id, Depth: int(depth)}
	return nil
}

// Control is the checkpoint_metadata.json schema.
type Control struct {
	Timestamp           time.Time         `json:"timestamp"`
	Nodes               int               `json:"nodes"`
	Edges               int               `json:"edges"`
	ProcessedIDs        []int64           `json:"processed_ids"`
	PriorityQueue       []QueueEntry      `json:"priority_queue"`
	SessionRequestCount int               `json:"session_request_count"`
	SchemaVersion       int               `json:"schema_version"`
	ValidationHistory   []ValidationEntry `json:"validation_history"`
}

// Store owns one checkpoint directory.
type Store struct {
	dir    string
	logger *slog.Logger
}

// New returns a Store rooted at dir, creating it if absent.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

func (s *Store) topologyPath() string { return filepath.Join(s.dir, topologyFilename) }
func (s *Store) cachePath() string    { return filepath.Join(s.dir, cacheFilename) }
func (s *Store) controlPath() string  { return filepath.Join(s.dir, controlFilename) }

// CachePath exposes the metadata_cache.db path so a caller starting a
// fresh (non-resumed) session can open a Cache at the right location
// before any checkpoint exists to Load from.
func (s *Store) CachePath() string { return s.cachePath() }

// Save atomically persists graph, cache, and control in a fixed
// four-step sequence: flush the cache's write-behind buffer, write
// topology via temp+fsync+rename, then write control via temp+fsync+
// rename, with nodes_count/edges_count/timestamp recorded into control
// before that final write. A crash between steps 2 and 3 leaves either
// the prior complete checkpoint or a consistent new topology with stale
// control; Load's count-comparison step is what turns that into a
// detected corruption rather than a silent resume against the wrong data.
func (s *Store) Save(graph *graphstore.Store, cache *metadatacache.Cache, ctrl Control) error {
	if err := cache.Flush(); err != nil {
		return fmt.Errorf("checkpoint: flush metadata cache: %w", err)
	}

	if err := writeAtomic(s.topologyPath(), graph.SaveTopology); err != nil {
		return fmt.Errorf("checkpoint: save topology: %w", err)
	}

	ctrl.Nodes = graph.NodeCount()
	ctrl.Edges = graph.EdgeCount()
	ctrl.Timestamp = ctrl.Timestamp.UTC()
	ctrl.SchemaVersion = schemaVersion

	data, err := json.MarshalIndent(ctrl, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal control: %w", err)
	}
	if err := writeFileAtomic(s.controlPath(), data); err != nil {
		return fmt.Errorf("checkpoint: save control: %w", err)
	}

	s.logger.Info("checkpoint.save.complete", "dir", s.dir, "nodes", ctrl.Nodes, "edges", ctrl.Edges)
	return nil
}

// writeAtomic runs write (which itself does a plain non-atomic write) into
// a temp file beside target, fsyncs it, then renames it over target.
func writeAtomic(target string, write func(path string) error) error {
	tmp := target + ".tmp"
	if err := write(tmp); err != nil {
		return err
	}
	if err := fsyncPath(tmp); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func writeFileAtomic(target string, data []byte) error {
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := fsyncPath(tmp); err != nil {
		return err
	}
	return os.Rename(tmp, target)
}

func fsyncPath(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open %s for fsync: %w", path, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	return nil
}

// Load runs the full integrity checklist and returns the reconstructed
// graph, an opened metadata cache, and the
// control struct. Any failing check returns apperr.ErrCheckpointCorrupt
// (wrapped with the specific reason) and leaves the directory untouched;
// callers are expected to fall back to an archive restore or a fresh
// empty state, never to overwrite a checkpoint that failed this check.
func (s *Store) Load() (*graphstore.Store, *metadatacache.Cache, *Control, error) {
	for _, path := range []string{s.topologyPath(), s.cachePath(), s.controlPath()} {
		if _, err := os.Stat(path); err != nil {
			return nil, nil, nil, apperr.CheckpointCorrupt(fmt.Sprintf("missing file %s", filepath.Base(path)))
		}
	}

	if info, err := os.Stat(s.topologyPath()); err != nil || info.Size() < minTopologyBytes {
		return nil, nil, nil, apperr.CheckpointCorrupt("topology file below minimum size")
	}
	if info, err := os.Stat(s.cachePath()); err != nil || info.Size() < minDatabaseBytes {
		return nil, nil, nil, apperr.CheckpointCorrupt("database file below minimum size")
	}
	if info, err := os.Stat(s.controlPath()); err != nil || info.Size() < minControlBytes {
		return nil, nil, nil, apperr.CheckpointCorrupt("control file below minimum size")
	}

	graph, err := graphstore.LoadTopology(s.topologyPath())
	if err != nil {
		return nil, nil, nil, apperr.CheckpointCorrupt(fmt.Sprintf("topology decode failed: %v", err))
	}
	if graph.NodeCount() < 1 {
		return nil, nil, nil, apperr.CheckpointCorrupt("topology has zero nodes")
	}

	cache, err := metadatacache.Open(metadatacache.Config{Path: s.cachePath(), Logger: s.logger})
	if err != nil {
		return nil, nil, nil, apperr.CheckpointCorrupt(fmt.Sprintf("database open failed: %v", err))
	}
	rowCount, err := cache.RowCount()
	if err != nil || rowCount < 1 {
		cache.Close()
		return nil, nil, nil, apperr.CheckpointCorrupt("database has zero rows")
	}

	raw, err := os.ReadFile(s.controlPath())
	if err != nil {
		cache.Close()
		return nil, nil, nil, apperr.CheckpointCorrupt(fmt.Sprintf("control read failed: %v", err))
	}
	var ctrl Control
	if err := json.Unmarshal(raw, &ctrl); err != nil {
		cache.Close()
		return nil, nil, nil, apperr.CheckpointCorrupt(fmt.Sprintf("control does not parse as JSON: %v", err))
	}

	if ctrl.Nodes != graph.NodeCount() {
		cache.Close()
		return nil, nil, nil, apperr.CheckpointCorrupt(fmt.Sprintf("control nodes_count %d != topology node_count %d", ctrl.Nodes, graph.NodeCount()))
	}
	if ctrl.Edges != graph.EdgeCount() {
		cache.Close()
		return nil, nil, nil, apperr.CheckpointCorrupt(fmt.Sprintf("control edges_count %d != topology edge_count %d", ctrl.Edges, graph.EdgeCount()))
	}

	zeroFilesize, err := cache.AnyZeroFilesize()
	if err != nil {
		cache.Close()
		return nil, nil, nil, apperr.CheckpointCorrupt(fmt.Sprintf("filesize check failed: %v", err))
	}
	if zeroFilesize {
		cache.Close()
		return nil, nil, nil, apperr.CheckpointCorrupt("one or more samples have filesize == 0")
	}

	return graph, cache, &ctrl, nil
}

// legacySnapshot is the gob-encoded shape of a pre-split monolithic
// checkpoint: one blob holding topology, sample records, and control
// together.
type legacySnapshot struct {
	Graph   []byte // gob-encoded topologySnapshot, reused verbatim
	Samples []metadatacache.Record
	Control Control
}

// MigrateLegacy loads a single monolithic legacy file, splits it into the
// three-file layout, and saves the split form. The legacy file is retained
// until the split save succeeds; only the caller, after a successful
// MigrateLegacy, should remove it.
func (s *Store) MigrateLegacy(legacyPath string) error {
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		return fmt.Errorf("checkpoint: read legacy file %s: %w", legacyPath, err)
	}

	var snap legacySnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("checkpoint: decode legacy file: %w", err)
	}

	topologyTmp, err := os.CreateTemp("", "fscrawl-legacy-topology-*")
	if err != nil {
		return fmt.Errorf("checkpoint: stage legacy topology: %w", err)
	}
	defer os.Remove(topologyTmp.Name())
	if _, err := topologyTmp.Write(snap.Graph); err != nil {
		topologyTmp.Close()
		return fmt.Errorf("checkpoint: write staged legacy topology: %w", err)
	}
	topologyTmp.Close()

	graph, err := graphstore.LoadTopology(topologyTmp.Name())
	if err != nil {
		return fmt.Errorf("checkpoint: rebuild topology from legacy blob: %w", err)
	}

	cache, err := metadatacache.Open(metadatacache.Config{Path: s.cachePath(), Logger: s.logger})
	if err != nil {
		return fmt.Errorf("checkpoint: open cache for migration: %w", err)
	}
	if err := cache.BulkInsert(snap.Samples); err != nil {
		cache.Close()
		return fmt.Errorf("checkpoint: migrate samples: %w", err)
	}

	if err := s.Save(graph, cache, snap.Control); err != nil {
		cache.Close()
		return fmt.Errorf("checkpoint: save migrated checkpoint: %w", err)
	}
	if err := cache.Close(); err != nil {
		return fmt.Errorf("checkpoint: close migrated cache: %w", err)
	}
	s.logger.Info("checkpoint.migrate_legacy.complete", "legacy_path", legacyPath, "retained", true)
	return nil
}

// Summarize reads the control file (if present) and returns a short
// human-oriented status line.
func (s *Store) Summarize() (string, error) {
	raw, err := os.ReadFile(s.controlPath())
	if err != nil {
		return "", fmt.Errorf("checkpoint: summarize: %w", err)
	}
	var ctrl Control
	if err := json.Unmarshal(raw, &ctrl); err != nil {
		return "", fmt.Errorf("checkpoint: summarize: parse control: %w", err)
	}
	return fmt.Sprintf("checkpoint at %s: %d nodes, %d edges, last saved %s",
		s.dir, ctrl.Nodes, ctrl.Edges, ctrl.Timestamp.Format(time.RFC3339)), nil
}
