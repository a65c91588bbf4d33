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

// Package main implements the fscrawl-crawl CLI: a resumable, rate-limited
// priority-ordered walk of the Freesound similarity graph.
//
// Usage:
//
//	fscrawl-crawl run [--json] [--no-color]   Run (or resume) a crawl session
//	fscrawl-crawl status [--json]             Show the last checkpoint's stats
//	fscrawl-crawl config [--json]             Show the resolved configuration (secrets redacted)
//	fscrawl-crawl backup [--json]             Pack the checkpoint directory into a .tar.gz
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/soundgraph/fscrawl/internal/apperr"
	"github.com/soundgraph/fscrawl/internal/config"
	"github.com/soundgraph/fscrawl/internal/ui"
	"github.com/soundgraph/fscrawl/pkg/archive"
	"github.com/soundgraph/fscrawl/pkg/checkpoint"
	"github.com/soundgraph/fscrawl/pkg/crawler"
	"github.com/soundgraph/fscrawl/pkg/freesound"
	"github.com/soundgraph/fscrawl/pkg/graphstore"
	"github.com/soundgraph/fscrawl/pkg/metadatacache"
	"github.com/soundgraph/fscrawl/pkg/orchestrator"
	"github.com/soundgraph/fscrawl/pkg/pqueue"
	"github.com/soundgraph/fscrawl/pkg/ratelimit"
)

var (
	nodesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fscrawl_graph_nodes_total",
		Help: "Total nodes in the graph store as of the last completed run.",
	})
	requestsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fscrawl_api_requests_total",
		Help: "Freesound API requests made by this process, across runs.",
	})
)

func main() {
	var (
		configPath  = flag.StringP("config", "c", "", "Path to .fscrawl/project.yaml")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		metricsAddr = flag.String("metrics-addr", "", "Address to serve Prometheus metrics on (e.g. :9090); empty disables it")
	)
	flag.Parse()

	_ = godotenv.Load() // best-effort; env vars and project.yaml still win

	ui.InitColors(*noColor)

	args := flag.Args()
	command := "run"
	if len(args) > 0 {
		command = args[0]
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		apperr.FatalError(fmt.Errorf("load config: %w", err), *jsonOutput)
		return
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			http.ListenAndServe(*metricsAddr, nil)
		}()
	}

	switch command {
	case "run":
		runCrawl(cfg, *jsonOutput)
	case "status":
		runStatus(cfg, *jsonOutput)
	case "config":
		runConfig(cfg, *jsonOutput)
	case "backup":
		runBackup(cfg, *jsonOutput)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		os.Exit(1)
	}
}

func runCrawl(cfg *config.Config, jsonOutput bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.MaxRuntimeHour > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.MaxRuntimeHour)*time.Hour)
		defer cancel()
	}

	orch := orchestrator.New(nil, cfg.CheckpointDir, nil)
	if err := orch.Await(ctx, orchestrator.CategoryCrawl); err != nil {
		if errors.Is(err, apperr.ErrOrchestratorSkip) {
			if jsonOutput {
				enc, _ := json.Marshal(map[string]string{"status": "skipped", "category": "crawl"})
				fmt.Println(string(enc))
			} else {
				ui.SkipSummary(os.Stdout, "crawl", "a conflicting run did not clear in time")
			}
			return
		}
		apperr.FatalError(fmt.Errorf("orchestrator await: %w", err), jsonOutput)
		return
	}
	defer orch.Release(orchestrator.CategoryCrawl)

	store, err := checkpoint.New(cfg.CheckpointDir, nil)
	if err != nil {
		apperr.FatalError(fmt.Errorf("open checkpoint store: %w", err), jsonOutput)
		return
	}

	graph, cache, ctrl, loadErr := store.Load()
	if loadErr != nil && errors.Is(loadErr, apperr.ErrCheckpointCorrupt) && checkpointExists(cfg.CheckpointDir) {
		// A corrupt checkpoint is never resumed: restore the most recent
		// backup archive over it if one exists, otherwise start fresh, in
		// which case this session's saves replace the corrupt files.
		if _, statErr := os.Stat(archivePath(cfg)); statErr == nil {
			fmt.Fprintf(os.Stderr, "checkpoint corrupt (%v); restoring from %s\n", loadErr, archivePath(cfg))
			if restoreErr := archive.Unpack(archivePath(cfg), cfg.CheckpointDir); restoreErr != nil {
				apperr.FatalError(fmt.Errorf("restore from archive: %w", restoreErr), jsonOutput)
				return
			}
			graph, cache, ctrl, loadErr = store.Load()
		} else {
			fmt.Fprintf(os.Stderr, "checkpoint corrupt (%v); no archive found, starting fresh\n", loadErr)
		}
	}
	resuming := loadErr == nil
	var queue *pqueue.Queue
	var processedIDs []int64
	if resuming {
		entries := ctrl.PriorityQueue
		items := make([]pqueue.Item, 0, len(entries))
		for _, e := range entries {
			items = append(items, pqueue.Item{Score: e.Score, ID: e.ID, Depth: e.Depth})
		}
		queue = pqueue.Restore(items)
		processedIDs = ctrl.ProcessedIDs
	} else {
		graph = graphstore.New()
		cache, err = metadatacache.Open(metadatacache.Config{Path: store.CachePath()})
		if err != nil {
			apperr.FatalError(fmt.Errorf("open fresh metadata cache: %w", err), jsonOutput)
			return
		}
		queue = pqueue.New()
		ctrl = &checkpoint.Control{}
	}

	limiter := ratelimit.New(60, nil)
	client := freesound.New(cfg.APIKey, limiter, nil)

	cr := crawler.New(crawler.Config{
		MaxRequests:     cfg.MaxRequests,
		MaxDepth:        cfg.MaxDepth,
		MaxRuntime:      time.Duration(cfg.MaxRuntimeHour) * time.Hour,
		CollectionMode:  crawler.CollectionMode(cfg.CollectionMode),
		CheckpointEvery: cfg.CheckpointEvery,
		MetricsLogPath:  cfg.CheckpointDir + "/metrics_history.jsonl",
	}, graph, cache, queue, client, store, processedIDs, nil)

	if !resuming {
		cr.Seed(ctx)
	}

	report, err := cr.Run(ctx, *ctrl)
	if err != nil {
		apperr.FatalError(fmt.Errorf("crawl run: %w", err), jsonOutput)
		return
	}

	nodesGauge.Set(float64(graph.NodeCount()))
	requestsCounter.Add(float64(report.APIRequests))

	if jsonOutput {
		enc, _ := json.Marshal(report)
		fmt.Println(string(enc))
		return
	}
	ui.CrawlSummary(os.Stdout, report.NodesAdded, report.EdgesAdded, report.APIRequests,
		fmt.Sprintf("%.1fs", report.Duration), string(report.FinalState))
}

// runConfig prints the resolved configuration with secrets redacted.
func runConfig(cfg *config.Config, jsonOutput bool) {
	redacted := cfg.Redacted()
	if jsonOutput {
		enc, _ := json.Marshal(redacted)
		fmt.Println(string(enc))
		return
	}
	fmt.Println("resolved configuration:")
	for _, k := range []string{"checkpoint_dir", "max_requests", "max_depth", "max_runtime_hours",
		"collection_mode", "checkpoint_every_n", "api_key", "backup_token"} {
		fmt.Printf("  %s: %v\n", k, redacted[k])
	}
}

// checkpointExists distinguishes a directory that once held a checkpoint
// (and now fails integrity checks) from a never-used one, so a first run
// doesn't log a spurious corruption warning.
func checkpointExists(dir string) bool {
	_, err := os.Stat(dir + "/checkpoint_metadata.json")
	return err == nil
}

// archivePath is where runBackup writes (and the corrupt-checkpoint path
// reads) the packed checkpoint, next to the checkpoint directory itself.
// The upload to off-host storage is a separate, external step.
func archivePath(cfg *config.Config) string {
	return cfg.CheckpointDir + ".tar.gz"
}

// runBackup packs the three checkpoint files into a verified .tar.gz for
// external upload.
func runBackup(cfg *config.Config, jsonOutput bool) {
	dest := archivePath(cfg)
	if err := archive.Pack(cfg.CheckpointDir, dest); err != nil {
		apperr.FatalError(fmt.Errorf("pack checkpoint: %w", err), jsonOutput)
		return
	}
	if jsonOutput {
		enc, _ := json.Marshal(map[string]string{"status": "packed", "archive": dest})
		fmt.Println(string(enc))
		return
	}
	fmt.Printf("checkpoint packed: %s\n", dest)
}

func runStatus(cfg *config.Config, jsonOutput bool) {
	store, err := checkpoint.New(cfg.CheckpointDir, nil)
	if err != nil {
		apperr.FatalError(err, jsonOutput)
		return
	}
	summary, err := store.Summarize()
	if err != nil {
		apperr.FatalError(err, jsonOutput)
		return
	}
	if jsonOutput {
		enc, _ := json.Marshal(map[string]string{"status": summary})
		fmt.Println(string(enc))
		return
	}
	fmt.Println(summary)
}
