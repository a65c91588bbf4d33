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

// Package metadatacache is the embedded, indexed key-value store for
// per-sample attributes: an opaque JSON blob plus indexed columns, of
// which last_existence_check_at drives validator target selection.
//
// It is backed by modernc.org/sqlite, a pure-Go (no cgo) SQLite engine.
package metadatacache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// paramsPerRow is the number of bound parameters one row consumes in
	// the bulk_insert VALUES tuple (id, blob, last_updated,
	// priority_score, is_dormant, filesize).
	paramsPerRow = 6

	// sqliteMaxVars is SQLite's prepared-statement bound-parameter limit
	// that bulk_insert must respect: chunk × paramsPerRow ≤ 999.
	sqliteMaxVars = 999

	// defaultSafeChunk keeps chunks comfortably under MaxSafeChunk.
	defaultSafeChunk = 150

	// maxChunkRows is the HARD cap; bulk_insert splits internally beyond
	// this even if the caller requested more per chunk.
	maxChunkRows = 500

	// writeBehindFlushSize is the set() buffer flush threshold.
	writeBehindFlushSize = 200
)

// MaxSafeChunk is sqliteMaxVars/paramsPerRow, floored: 999/6 = 166.5 → 166.
// Exported so callers and tests can assert the boundary exactly.
const MaxSafeChunk = sqliteMaxVars / paramsPerRow

// Record is one sample's cached attributes: an opaque JSON blob plus the
// indexed columns.
type Record struct {
	ID                   int64
	Blob                 json.RawMessage
	LastUpdated          time.Time
	PriorityScore        float64
	IsDormant            bool
	DormantSince         *time.Time
	LastExistenceCheckAt time.Time
	Filesize             int64
}

// Cache is the embedded metadata store. A single Cache is owned by one
// writer per process; SQLite's WAL mode still allows concurrent readers
// while that writer is active.
type Cache struct {
	db        *sql.DB
	logger    *slog.Logger
	safeChunk int
	mu        sync.Mutex
	buffer    []Record

	// chunkExecs counts the INSERT statements issued by execChunk, so the
	// ceil(rows / safeChunk) chunking contract is observable in tests.
	chunkExecs int
}

// Config configures chunk sizing and logging; Path is the sqlite file
// (":memory:" for in-process tests).
type Config struct {
	Path      string
	SafeChunk int // 0 defaults to defaultSafeChunk
	Logger    *slog.Logger
}

// Open creates or attaches to the metadata_cache.db file, enabling WAL
// journaling with synchronous=NORMAL. Losing an in-flight buffer on crash
// is acceptable: the next crawler run re-fetches.
func Open(cfg Config) (*Cache, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	safeChunk := cfg.SafeChunk
	if safeChunk <= 0 {
		safeChunk = defaultSafeChunk
	}
	if safeChunk > MaxSafeChunk {
		cfg.Logger.Warn("metadatacache.safe_chunk.clamped", "requested", safeChunk, "clamped_to", MaxSafeChunk)
		safeChunk = MaxSafeChunk
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("metadatacache: open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1) // single writer per process

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("metadatacache: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadatacache: create schema: %w", err)
	}

	return &Cache{db: db, logger: cfg.Logger, safeChunk: safeChunk}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS samples (
  id INTEGER PRIMARY KEY,
  blob TEXT NOT NULL,
  last_updated TEXT,
  priority_score REAL,
  is_dormant INTEGER NOT NULL DEFAULT 0,
  dormant_since TEXT,
  last_existence_check_at TEXT,
  filesize INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_samples_existence ON samples(last_existence_check_at);
CREATE INDEX IF NOT EXISTS idx_samples_priority ON samples(priority_score);
`

// Set enters record into the write-behind buffer, flushing automatically
// once the buffer reaches 200 records.
func (c *Cache) Set(rec Record) error {
	c.mu.Lock()
	c.buffer = append(c.buffer, rec)
	shouldFlush := len(c.buffer) >= writeBehindFlushSize
	c.mu.Unlock()

	if shouldFlush {
		return c.Flush()
	}
	return nil
}

// Flush writes every buffered record to the database and clears the
// buffer. Called on size threshold, on CheckpointStore.save(), and on
// Close().
func (c *Cache) Flush() error {
	c.mu.Lock()
	pending := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	return c.insertChunked(pending)
}

// BulkInsert imports records in chunks sized to respect SQLite's
// prepared-statement parameter limit: chunk × 6 ≤ 999. A configured chunk
// above MaxSafeChunk is clamped with a logged warning; batches above 500
// rows are split internally regardless of the caller-provided length.
func (c *Cache) BulkInsert(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	return c.insertChunked(records)
}

func (c *Cache) insertChunked(records []Record) error {
	chunkSize := c.safeChunk

	for start := 0; start < len(records); start += maxChunkRows {
		end := start + maxChunkRows
		if end > len(records) {
			end = len(records)
		}
		if err := c.insertBatch(records[start:end], chunkSize); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) insertBatch(records []Record, chunkSize int) error {
	for start := 0; start < len(records); start += chunkSize {
		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		if err := c.execChunk(records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) execChunk(chunk []Record) error {
	placeholders := make([]string, len(chunk))
	args := make([]any, 0, len(chunk)*paramsPerRow)
	// dormant_since is set via a follow-up UPDATE below, keeping this
	// INSERT's param count fixed at paramsPerRow for the chunk-size math.
	for i, rec := range chunk {
		placeholders[i] = "(?,?,?,?,?,?)"
		args = append(args, rec.ID, string(rec.Blob), rec.LastUpdated.UTC().Format(time.RFC3339),
			rec.PriorityScore, boolToInt(rec.IsDormant), rec.Filesize)
	}
	query := fmt.Sprintf(
		`INSERT INTO samples (id, blob, last_updated, priority_score, is_dormant, filesize)
		 VALUES %s
		 ON CONFLICT(id) DO UPDATE SET
		   blob=excluded.blob, last_updated=excluded.last_updated,
		   priority_score=excluded.priority_score, is_dormant=excluded.is_dormant,
		   filesize=excluded.filesize`,
		joinPlaceholders(placeholders))
	c.chunkExecs++
	if _, err := c.db.Exec(query, args...); err != nil {
		return fmt.Errorf("metadatacache: insert chunk of %d rows: %w", len(chunk), err)
	}
	for _, rec := range chunk {
		if rec.DormantSince != nil {
			if _, err := c.db.Exec(`UPDATE samples SET dormant_since=? WHERE id=?`,
				rec.DormantSince.UTC().Format(time.RFC3339), rec.ID); err != nil {
				return fmt.Errorf("metadatacache: set dormant_since for %d: %w", rec.ID, err)
			}
		}
	}
	return nil
}

func joinPlaceholders(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "," + p
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Get returns the record for id, or (Record{}, false) if absent.
func (c *Cache) Get(id int64) (Record, bool, error) {
	row := c.db.QueryRow(`SELECT id, blob, last_updated, priority_score, is_dormant, dormant_since, last_existence_check_at, filesize FROM samples WHERE id=?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("metadatacache: get %d: %w", id, err)
	}
	return rec, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                  Record
		blob                 string
		lastUpdated          sql.NullString
		isDormant            int
		dormantSince         sql.NullString
		lastExistenceCheckAt sql.NullString
	)
	if err := row.Scan(&rec.ID, &blob, &lastUpdated, &rec.PriorityScore, &isDormant, &dormantSince, &lastExistenceCheckAt, &rec.Filesize); err != nil {
		return Record{}, err
	}
	rec.Blob = json.RawMessage(blob)
	rec.IsDormant = isDormant != 0
	if lastUpdated.Valid {
		rec.LastUpdated, _ = time.Parse(time.RFC3339, lastUpdated.String)
	}
	if dormantSince.Valid {
		t, err := time.Parse(time.RFC3339, dormantSince.String)
		if err == nil {
			rec.DormantSince = &t
		}
	}
	if lastExistenceCheckAt.Valid {
		rec.LastExistenceCheckAt, _ = time.Parse(time.RFC3339, lastExistenceCheckAt.String)
	}
	return rec, nil
}

// UpdateFields merges partial into the stored JSON blob and atomically
// updates the indexed columns.
func (c *Cache) UpdateFields(id int64, partial map[string]any, lastMetadataUpdateAt time.Time) error {
	existing, ok, err := c.Get(id)
	if err != nil {
		return err
	}
	merged := map[string]any{}
	if ok && len(existing.Blob) > 0 {
		if err := json.Unmarshal(existing.Blob, &merged); err != nil {
			return fmt.Errorf("metadatacache: unmarshal existing blob for %d: %w", id, err)
		}
	}
	for k, v := range partial {
		merged[k] = v
	}
	blob, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("metadatacache: marshal merged blob for %d: %w", id, err)
	}
	_, err = c.db.Exec(`UPDATE samples SET blob=?, last_updated=? WHERE id=?`,
		string(blob), lastMetadataUpdateAt.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("metadatacache: update_fields %d: %w", id, err)
	}
	return nil
}

// TouchExistenceCheck sets last_existence_check_at=now for id, used by the
// validator after confirming a sample still exists.
func (c *Cache) TouchExistenceCheck(id int64, at time.Time) error {
	_, err := c.db.Exec(`UPDATE samples SET last_existence_check_at=? WHERE id=?`, at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("metadatacache: touch existence check %d: %w", id, err)
	}
	return nil
}

// Delete removes id's record entirely (validator deletion path).
func (c *Cache) Delete(id int64) error {
	if _, err := c.db.Exec(`DELETE FROM samples WHERE id=?`, id); err != nil {
		return fmt.Errorf("metadatacache: delete %d: %w", id, err)
	}
	return nil
}

// SelectOldestByExistenceCheck returns up to n IDs ordered by
// last_existence_check_at ascending, nulls first, for the validator's
// partial-mode target selection.
func (c *Cache) SelectOldestByExistenceCheck(n int) ([]int64, error) {
	rows, err := c.db.Query(
		`SELECT id FROM samples ORDER BY (last_existence_check_at IS NOT NULL), last_existence_check_at ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("metadatacache: select oldest: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("metadatacache: scan oldest row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllIDs returns every sample ID currently cached, for full-mode
// validator target selection.
func (c *Cache) AllIDs() ([]int64, error) {
	rows, err := c.db.Query(`SELECT id FROM samples`)
	if err != nil {
		return nil, fmt.Errorf("metadatacache: all ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("metadatacache: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RowCount returns the number of samples currently cached, used by
// CheckpointStore.Load's integrity verifier.
func (c *Cache) RowCount() (int, error) {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&n); err != nil {
		return 0, fmt.Errorf("metadatacache: row count: %w", err)
	}
	return n, nil
}

// AnyZeroFilesize reports whether any stored sample has filesize == 0,
// the corruption signal load-time verification looks for.
func (c *Cache) AnyZeroFilesize() (bool, error) {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM samples WHERE filesize = 0`).Scan(&n); err != nil {
		return false, fmt.Errorf("metadatacache: zero-filesize check: %w", err)
	}
	return n > 0, nil
}

// Close flushes the write-behind buffer and closes the database handle.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	// Force WAL contents back into the main database file so the on-disk
	// file reflects the full dataset the instant this process exits;
	// checkpoint.Store.Load's size/row checks read that file directly.
	if _, err := c.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("metadatacache: wal checkpoint on close: %w", err)
	}
	return c.db.Close()
}
