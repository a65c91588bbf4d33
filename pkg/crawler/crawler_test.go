// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package crawler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/soundgraph/fscrawl/pkg/checkpoint"
	"github.com/soundgraph/fscrawl/pkg/freesound"
	"github.com/soundgraph/fscrawl/pkg/graphstore"
	"github.com/soundgraph/fscrawl/pkg/metadatacache"
	"github.com/soundgraph/fscrawl/pkg/pqueue"
	"github.com/soundgraph/fscrawl/pkg/ratelimit"
)

func TestPriorityScoreFormula(t *testing.T) {
	got := priorityScore(999, 4.0, 2)
	want := 3.0*1.0 + 4.0*0.5 - 2*0.1
	// log10(1000) == 3 exactly.
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("priorityScore(999, 4.0, 2) = %v, want %v", got, want)
	}
}

func TestSharesTopTagDetectsOverlapInTopThree(t *testing.T) {
	if !sharesTopTag([]string{"kick", "drum", "loop"}, []string{"snare", "drum", "hat"}) {
		t.Fatal("expected overlap on 'drum'")
	}
	if sharesTopTag([]string{"kick", "drum", "loop"}, []string{"snare", "hat", "perc"}) {
		t.Fatal("expected no overlap")
	}
	if sharesTopTag(nil, []string{"drum"}) {
		t.Fatal("expected false for empty tag list")
	}
}

// fakeFreesoundServer serves a tiny two-sample graph: seed 100 is similar
// to 200; neither has a pack, both share uploader 9. Every response is
// labelled application/json, as the real API's are, so the client decodes it.
func fakeFreesoundServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search/text/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []freesound.SampleRecord{{ID: 100, Downloads: 100000}},
		})
	})
	mux.HandleFunc("/sounds/100/similar/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []freesound.SimilarSample{{ID: 200, Similarity: 0.9}},
		})
	})
	mux.HandleFunc("/sounds/100/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(freesound.SampleRecord{ID: 100, Filesize: 500, Downloads: 100000, UploaderID: 9})
	})
	mux.HandleFunc("/sounds/200/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(freesound.SampleRecord{ID: 200, Filesize: 700, Downloads: 50000, UploaderID: 9})
	})
	mux.HandleFunc("/sounds/200/similar/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []freesound.SimilarSample{}})
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newFreshStore(t *testing.T, dir string) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestColdStartCrawlAddsSeedAndNeighbor(t *testing.T) {
	srv := fakeFreesoundServer(t)
	limiter := ratelimit.New(6000, nil)
	client := freesound.NewWithBaseURL(srv.URL, "test-key", limiter, nil)

	dir := t.TempDir()
	store := newFreshStore(t, dir)

	graph := graphstore.New()
	cache, err := metadatacache.Open(metadatacache.Config{Path: filepath.Join(dir, "metadata_cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()
	queue := pqueue.New()

	cw := New(Config{MaxRequests: 10, MaxDepth: 1, CollectionMode: ModeLimit, CheckpointEvery: 1},
		graph, cache, queue, client, store, nil, nil)
	cw.Seed(context.Background())

	report, err := cw.Run(context.Background(), checkpoint.Control{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if graph.NodeCount() < 2 {
		t.Fatalf("expected at least 2 nodes (seed + neighbor), got %d", graph.NodeCount())
	}
	if report.APIRequests < 2 || report.APIRequests > 10 {
		t.Fatalf("expected api_requests in [2,10], got %d", report.APIRequests)
	}
	if graph.EdgeCount() < 1 {
		t.Fatalf("expected at least 1 edge, got %d", graph.EdgeCount())
	}
	if report.FinalState != StateQueueEmpty && report.FinalState != StateBudgetExhausted {
		t.Errorf("unexpected final state %v", report.FinalState)
	}
}

func TestBudgetExhaustionStopsAtMaxRequests(t *testing.T) {
	srv := fakeFreesoundServer(t)
	limiter := ratelimit.New(6000, nil)
	client := freesound.NewWithBaseURL(srv.URL, "test-key", limiter, nil)

	dir := t.TempDir()
	store := newFreshStore(t, dir)

	graph := graphstore.New()
	cache, err := metadatacache.Open(metadatacache.Config{Path: filepath.Join(dir, "metadata_cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()
	queue := pqueue.New()
	queue.Push(pqueueItemForTest(100))
	queue.Push(pqueueItemForTest(200))

	cw := New(Config{MaxRequests: 1, MaxDepth: 0, CollectionMode: ModeLimit, CheckpointEvery: 10},
		graph, cache, queue, client, store, nil, nil)

	report, err := cw.Run(context.Background(), checkpoint.Control{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.APIRequests > 1 {
		t.Fatalf("expected at most 1 API request under max_requests=1, got %d", report.APIRequests)
	}
	if report.FinalState != StateBudgetExhausted {
		t.Errorf("expected BUDGET_EXHAUSTED, got %v", report.FinalState)
	}
}

// pqueueItemForTest avoids importing math just for a literal in tests.
func pqueueItemForTest(id int64) pqueue.Item {
	return pqueue.Item{Score: float64(id), ID: id, Depth: 0}
}

func TestPermanentErrorSavesCheckpointBeforePropagating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	limiter := ratelimit.New(6000, nil)
	client := freesound.NewWithBaseURL(srv.URL, "bad-key", limiter, nil)

	dir := t.TempDir()
	store := newFreshStore(t, dir)

	graph := graphstore.New()
	cache, err := metadatacache.Open(metadatacache.Config{Path: filepath.Join(dir, "metadata_cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()
	queue := pqueue.New()
	queue.Push(pqueueItemForTest(300))

	cw := New(Config{MaxRequests: 10, MaxDepth: 1, CollectionMode: ModeLimit, CheckpointEvery: 10},
		graph, cache, queue, client, store, nil, nil)

	_, err = cw.Run(context.Background(), checkpoint.Control{})
	if err == nil {
		t.Fatal("expected a permanent auth failure to propagate as an error")
	}
	// The checkpoint must have been written before the error surfaced.
	if _, statErr := os.Stat(filepath.Join(dir, "checkpoint_metadata.json")); statErr != nil {
		t.Errorf("expected control file saved before permanent-error return, got %v", statErr)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "graph_topology")); statErr != nil {
		t.Errorf("expected topology saved before permanent-error return, got %v", statErr)
	}
}

func TestRunWithNonEmptyCheckpointAndEmptyQueueEndsQueueEmpty(t *testing.T) {
	srv := fakeFreesoundServer(t)
	limiter := ratelimit.New(6000, nil)
	client := freesound.NewWithBaseURL(srv.URL, "test-key", limiter, nil)

	dir := t.TempDir()
	store := newFreshStore(t, dir)

	// Seed one node directly so Load-time invariants (≥1 node) would hold
	// if this checkpoint were reloaded; the queue itself stays empty.
	graph := graphstore.New()
	graph.AddNode(1)
	cache, err := metadatacache.Open(metadatacache.Config{Path: filepath.Join(dir, "metadata_cache.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer cache.Close()
	if err := cache.BulkInsert([]metadatacache.Record{{ID: 1, Blob: []byte(`{}`), Filesize: 10}}); err != nil {
		t.Fatal(err)
	}
	queue := pqueue.New()

	cw := New(Config{MaxRequests: 10, MaxDepth: 1, CollectionMode: ModeLimit, CheckpointEvery: 1},
		graph, cache, queue, client, store, []int64{1}, nil)

	report, err := cw.Run(context.Background(), checkpoint.Control{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.NodesAdded != 0 {
		t.Errorf("expected zero nodes added, got %d", report.NodesAdded)
	}
	if report.FinalState != StateQueueEmpty {
		t.Errorf("expected QUEUE_EMPTY, got %v", report.FinalState)
	}
}
