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

// Package main implements the fscrawl-validate CLI: partial or full
// reconciliation of a crawled graph against the live Freesound catalog.
//
// Usage:
//
//	fscrawl-validate run --mode=partial [--json]
//	fscrawl-validate run --mode=full [--json]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/soundgraph/fscrawl/internal/apperr"
	"github.com/soundgraph/fscrawl/internal/config"
	"github.com/soundgraph/fscrawl/internal/ui"
	"github.com/soundgraph/fscrawl/pkg/checkpoint"
	"github.com/soundgraph/fscrawl/pkg/freesound"
	"github.com/soundgraph/fscrawl/pkg/orchestrator"
	"github.com/soundgraph/fscrawl/pkg/ratelimit"
	"github.com/soundgraph/fscrawl/pkg/validator"
)

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "Path to .fscrawl/project.yaml")
		mode       = flag.String("mode", "partial", "Validation mode: partial or full")
		jsonOutput = flag.Bool("json", false, "Output in JSON format")
		noColor    = flag.Bool("no-color", false, "Disable color output")
	)
	flag.Parse()

	_ = godotenv.Load()
	ui.InitColors(*noColor)

	cfg, err := config.Load(*configPath)
	if err != nil {
		apperr.FatalError(fmt.Errorf("load config: %w", err), *jsonOutput)
		return
	}

	var vmode validator.Mode
	switch *mode {
	case "partial":
		vmode = validator.ModePartial
	case "full":
		vmode = validator.ModeFull
	default:
		apperr.FatalError(fmt.Errorf("unknown mode %q: must be partial or full", *mode), *jsonOutput)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch := orchestrator.New(nil, cfg.CheckpointDir, nil)
	category := orchestrator.CategoryPartialValidate
	if vmode == validator.ModeFull {
		category = orchestrator.CategoryFullValidate
	}
	if err := orch.Await(ctx, category); err != nil {
		if errors.Is(err, apperr.ErrOrchestratorSkip) {
			if *jsonOutput {
				enc, _ := json.Marshal(map[string]string{"status": "skipped", "category": string(category)})
				fmt.Println(string(enc))
			} else {
				ui.SkipSummary(os.Stdout, string(category), "a conflicting run did not clear in time")
			}
			return
		}
		apperr.FatalError(fmt.Errorf("orchestrator await: %w", err), *jsonOutput)
		return
	}
	defer orch.Release(category)

	store, err := checkpoint.New(cfg.CheckpointDir, nil)
	if err != nil {
		apperr.FatalError(fmt.Errorf("open checkpoint store: %w", err), *jsonOutput)
		return
	}
	graph, cache, ctrl, err := store.Load()
	if err != nil {
		apperr.FatalError(fmt.Errorf("load checkpoint: %w", err), *jsonOutput)
		return
	}
	defer cache.Close()

	limiter := ratelimit.New(60, nil)
	client := freesound.New(cfg.APIKey, limiter, nil)

	v := validator.New(client, graph, cache, orch, nil)

	var bar *progressbar.ProgressBar
	if !*jsonOutput {
		bar = progressbar.Default(-1, fmt.Sprintf("validating (%s)", *mode))
	}

	report, err := v.Run(ctx, vmode)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		apperr.FatalError(fmt.Errorf("validation run: %w", err), *jsonOutput)
		return
	}

	if err := orch.RecordRun(string(vmode)); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to record run marker: %v\n", err)
	}

	ctrl.ValidationHistory = append(ctrl.ValidationHistory, checkpoint.ValidationEntry{
		Mode:         string(report.ValidationMode),
		Timestamp:    report.Timestamp,
		DeletedCount: len(report.DeletedSamples),
	})
	if len(report.DeletedSamples) > 0 {
		deleted := make(map[int64]struct{}, len(report.DeletedSamples))
		for _, d := range report.DeletedSamples {
			deleted[d.ID] = struct{}{}
		}
		kept := ctrl.ProcessedIDs[:0]
		for _, id := range ctrl.ProcessedIDs {
			if _, gone := deleted[id]; !gone {
				kept = append(kept, id)
			}
		}
		ctrl.ProcessedIDs = kept
	}
	if err := store.Save(graph, cache, *ctrl); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to persist validation history: %v\n", err)
	}

	if *jsonOutput {
		enc, _ := json.Marshal(report)
		fmt.Println(string(enc))
		return
	}
	deletedNames := make([]string, 0, len(report.DeletedSamples))
	for _, d := range report.DeletedSamples {
		deletedNames = append(deletedNames, d.Name)
	}
	ui.ValidationSummary(os.Stdout, string(report.ValidationMode), report.TotalSamples,
		report.ValidatedSamples, report.MetadataRefreshed, deletedNames, report.APIErrors)
}
