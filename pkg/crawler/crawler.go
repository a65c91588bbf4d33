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

// Package crawler drives the resumable, priority-ordered walk of the
// Freesound similarity graph: pop the highest-priority candidate, fetch
// it, link it to what's already known, and enqueue its neighbors.
package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/soundgraph/fscrawl/internal/apperr"
	"github.com/soundgraph/fscrawl/pkg/checkpoint"
	"github.com/soundgraph/fscrawl/pkg/freesound"
	"github.com/soundgraph/fscrawl/pkg/graphstore"
	"github.com/soundgraph/fscrawl/pkg/metadatacache"
	"github.com/soundgraph/fscrawl/pkg/pqueue"
)

// State is one node of the crawler's explicit state machine:
// INIT, LOADING, (SEEDING|RESUMING), RUNNING,
// (BUDGET_EXHAUSTED|TIME_EXHAUSTED|QUEUE_EMPTY), SAVING, DONE.
type State string

const (
	StateInit            State = "INIT"
	StateLoading         State = "LOADING"
	StateSeeding         State = "SEEDING"
	StateResuming        State = "RESUMING"
	StateRunning         State = "RUNNING"
	StateBudgetExhausted State = "BUDGET_EXHAUSTED"
	StateTimeExhausted   State = "TIME_EXHAUSTED"
	StateQueueEmpty      State = "QUEUE_EMPTY"
	StateSaving          State = "SAVING"
	StateDone            State = "DONE"
)

// CollectionMode selects the termination predicate beyond max_requests.
type CollectionMode string

const (
	ModeLimit      CollectionMode = "limit"
	ModeQueueEmpty CollectionMode = "queue_empty"
)

// queueEmptySafetyCap bounds a queue_empty-mode run even if max_requests
// is set very high.
const queueEmptySafetyCap = 10000

// Config parameterizes one Run.
type Config struct {
	MaxRequests     int
	MaxDepth        int
	MaxRuntime      time.Duration
	CollectionMode  CollectionMode
	CheckpointEvery int
	MetricsLogPath  string
}

// RunReport is the crawler's per-run metrics record, appended to
// metrics_history.jsonl and logged.
type RunReport struct {
	Timestamp   time.Time `json:"timestamp"`
	NodesAdded  int       `json:"nodes_added"`
	EdgesAdded  int       `json:"edges_added"`
	APIRequests int       `json:"api_requests"`
	Duration    float64   `json:"duration"`
	FinalState  State     `json:"final_state"`
}

// Crawler owns one run's worth of state: the graph/cache/queue triple and
// the API client pacing its requests.
type Crawler struct {
	cfg        Config
	graph      *graphstore.Store
	cache      *metadatacache.Cache
	queue      *pqueue.Queue
	client     *freesound.Client
	checkpoint *checkpoint.Store
	logger     *slog.Logger

	processed map[int64]struct{}
	state     State
}

// New builds a Crawler over an already-loaded graph/cache/queue, ready to
// Run. Callers assemble these from checkpoint.Store.Load (RESUMING) or
// from fresh empty stores (SEEDING) before calling New.
func New(cfg Config, graph *graphstore.Store, cache *metadatacache.Cache, queue *pqueue.Queue,
	client *freesound.Client, store *checkpoint.Store, processedIDs []int64, logger *slog.Logger) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = 50
	}
	processed := make(map[int64]struct{}, len(processedIDs))
	for _, id := range processedIDs {
		processed[id] = struct{}{}
	}
	return &Crawler{
		cfg: cfg, graph: graph, cache: cache, queue: queue,
		client: client, checkpoint: store, logger: logger,
		processed: processed, state: StateInit,
	}
}

// Seed obtains the initial candidate when the loaded checkpoint is empty:
// the most-downloaded sound, enqueued at depth 0 with priority +Inf so it
// pops first regardless of the scoring formula.
func (c *Crawler) Seed(ctx context.Context) {
	c.state = StateSeeding
	seedID := c.client.SearchMostDownloaded(ctx)
	c.queue.Push(pqueue.Item{Score: math.Inf(1), ID: seedID, Depth: 0})
	c.logger.Info("crawler.seed", "id", seedID)
}

// Run drives the main loop until a terminal condition is reached, then
// performs the final checkpoint save and returns a RunReport. Checkpoint
// I/O failures and permanent API failures (apperr.ErrPermanent, returned
// after the final save) are returned as errors; budget, time, and queue
// exhaustion are clean, non-error terminations.
func (c *Crawler) Run(ctx context.Context, initialControl checkpoint.Control) (*RunReport, error) {
	start := time.Now()
	c.state = StateRunning

	var (
		requestCount          = initialControl.SessionRequestCount
		nodesAdded            int
		edgesAdded            int
		poppedSinceCheckpoint int
		runErr                error
	)

	maxPops := c.cfg.MaxRequests
	if c.cfg.CollectionMode == ModeQueueEmpty {
		maxPops = queueEmptySafetyCap
	}

loop:
	for {
		select {
		case <-ctx.Done():
			c.state = StateTimeExhausted
			break loop
		default:
		}

		if c.cfg.MaxRuntime > 0 && time.Since(start) >= c.cfg.MaxRuntime {
			c.state = StateTimeExhausted
			break loop
		}

		if requestCount >= maxPops {
			c.state = StateBudgetExhausted
			break loop
		}

		item, ok := c.queue.Pop()
		if !ok {
			c.state = StateQueueEmpty
			break loop
		}
		if _, done := c.processed[item.ID]; done {
			continue
		}

		requestCount++
		added, edgesFromItem, err := c.processItem(ctx, item)
		requestCount += edgesFromItem.extraRequests
		if err != nil {
			if errors.Is(err, apperr.ErrPermanent) {
				// Even a fatal failure goes through the saving state so
				// the checkpoint is never abandoned unsaved.
				runErr = fmt.Errorf("crawler: permanent failure on sample %d: %w", item.ID, err)
				break loop
			}
			// Transient: re-enqueue at the same priority and keep going.
			c.queue.Push(item)
			continue
		}
		if added {
			nodesAdded++
		}
		edgesAdded += edgesFromItem.edgesAdded
		c.processed[item.ID] = struct{}{}
		poppedSinceCheckpoint++

		if poppedSinceCheckpoint >= c.cfg.CheckpointEvery {
			if err := c.saveCheckpoint(requestCount); err != nil {
				return nil, fmt.Errorf("crawler: checkpoint save: %w", err)
			}
			poppedSinceCheckpoint = 0
		}
	}

	exitState := c.state
	c.state = StateSaving
	if err := c.saveCheckpoint(requestCount); err != nil {
		return nil, fmt.Errorf("crawler: final checkpoint save: %w", err)
	}
	c.state = StateDone

	if runErr != nil {
		return nil, runErr
	}

	report := &RunReport{
		Timestamp:   time.Now().UTC(),
		NodesAdded:  nodesAdded,
		EdgesAdded:  edgesAdded,
		APIRequests: requestCount - initialControl.SessionRequestCount,
		Duration:    time.Since(start).Seconds(),
		FinalState:  exitState,
	}
	c.emitMetrics(report)
	return report, nil
}

type itemOutcome struct {
	edgesAdded    int
	extraRequests int
}

// processItem fetches one sample, links it into the graph against
// already-known nodes, and enqueues its similar-sound neighbors. Returns
// whether a new node was added and how many edges were created.
func (c *Crawler) processItem(ctx context.Context, item pqueue.Item) (bool, itemOutcome, error) {
	rec, err := c.client.FetchSample(ctx, item.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			c.processed[item.ID] = struct{}{}
			return false, itemOutcome{}, nil
		}
		return false, itemOutcome{}, err
	}
	if rec.Filesize == 0 {
		c.logger.Warn("crawler.reject_zero_filesize", "id", item.ID)
		c.processed[item.ID] = struct{}{}
		return false, itemOutcome{}, nil
	}

	c.graph.AddNode(item.ID)
	blob, err := json.Marshal(rec)
	if err != nil {
		return false, itemOutcome{}, fmt.Errorf("marshal sample %d: %w", item.ID, err)
	}
	now := time.Now().UTC()
	if err := c.cache.Set(metadatacache.Record{
		ID: item.ID, Blob: blob, LastUpdated: now,
		PriorityScore: item.Score, Filesize: rec.Filesize,
	}); err != nil {
		return false, itemOutcome{}, fmt.Errorf("cache set %d: %w", item.ID, err)
	}

	outcome := itemOutcome{}
	outcome.edgesAdded += c.linkCoMembership(item.ID, rec)

	if item.Depth < c.cfg.MaxDepth {
		similar, err := c.client.FetchSimilar(ctx, item.ID, 10)
		outcome.extraRequests++
		if err == nil {
			for _, s := range similar {
				if _, done := c.processed[s.ID]; !done {
					score := priorityScore(rec.Downloads, rec.AvgRating, item.Depth+1)
					c.queue.Push(pqueue.Item{Score: score, ID: s.ID, Depth: item.Depth + 1})
				}
				if c.graph.HasNode(s.ID) {
					if err := c.graph.AddEdge(item.ID, s.ID, graphstore.KindSimilar, s.Similarity); err == nil {
						outcome.edgesAdded++
					}
				}
			}
		}
	}

	return true, outcome, nil
}

// linkCoMembership adds same_pack/same_user/shared_tag edges from id to
// every other already-present node sharing that attribute. Linking never
// creates new nodes.
func (c *Crawler) linkCoMembership(id int64, rec *freesound.SampleRecord) int {
	added := 0
	for _, other := range c.graph.Nodes() {
		if other == id {
			continue
		}
		otherRec, ok, err := c.cache.Get(other)
		if err != nil || !ok {
			continue
		}
		var decoded freesound.SampleRecord
		if err := json.Unmarshal(otherRec.Blob, &decoded); err != nil {
			continue
		}
		if rec.PackID != 0 && decoded.PackID == rec.PackID {
			if err := c.graph.AddEdge(id, other, graphstore.KindSamePack, 0); err == nil {
				added++
			}
		}
		if decoded.UploaderID == rec.UploaderID {
			if err := c.graph.AddEdge(id, other, graphstore.KindSameUser, 0); err == nil {
				added++
			}
		}
		if sharesTopTag(rec.Tags, decoded.Tags) {
			if err := c.graph.AddEdge(id, other, graphstore.KindSharedTag, 0); err == nil {
				added++
			}
		}
	}
	return added
}

func sharesTopTag(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	top := min(3, len(a))
	set := make(map[string]struct{}, top)
	for _, t := range a[:top] {
		set[t] = struct{}{}
	}
	otherTop := min(3, len(b))
	for _, t := range b[:otherTop] {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// priorityScore is the default scoring formula:
// log10(1 + downloads) * 1.0 + avg_rating * 0.5 - depth * 0.1.
func priorityScore(downloads int64, avgRating float64, depth int) float64 {
	return math.Log10(1+float64(downloads))*1.0 + avgRating*0.5 - float64(depth)*0.1
}

func (c *Crawler) saveCheckpoint(requestCount int) error {
	ids := make([]int64, 0, len(c.processed))
	for id := range c.processed {
		ids = append(ids, id)
	}
	queueEntries := make([]checkpoint.QueueEntry, 0, c.queue.Len())
	for _, item := range c.queue.Snapshot() {
		queueEntries = append(queueEntries, checkpoint.QueueEntry{Score: item.Score, ID: item.ID, Depth: item.Depth})
	}
	ctrl := checkpoint.Control{
		Timestamp:           time.Now().UTC(),
		ProcessedIDs:        ids,
		PriorityQueue:       queueEntries,
		SessionRequestCount: requestCount,
	}
	return c.checkpoint.Save(c.graph, c.cache, ctrl)
}

func (c *Crawler) emitMetrics(report *RunReport) {
	c.logger.Info("crawler.run.complete",
		"nodes_added", report.NodesAdded, "edges_added", report.EdgesAdded,
		"api_requests", report.APIRequests, "duration", report.Duration,
		"final_state", report.FinalState)

	if c.cfg.MetricsLogPath == "" {
		return
	}
	line, err := json.Marshal(report)
	if err != nil {
		return
	}
	f, err := os.OpenFile(c.cfg.MetricsLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		c.logger.Warn("crawler.metrics_log.open_failed", "error", err)
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}
