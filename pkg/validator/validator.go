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

// Package validator periodically re-checks previously crawled samples
// against the upstream API: absence means the sample was deleted
// upstream, presence means (in full mode) its metadata is refreshed.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundgraph/fscrawl/pkg/freesound"
	"github.com/soundgraph/fscrawl/pkg/graphstore"
	"github.com/soundgraph/fscrawl/pkg/metadatacache"
)

// Mode selects the target-selection strategy.
type Mode string

const (
	ModePartial Mode = "partial"
	ModeFull    Mode = "full"
)

const (
	// partialTargetCount is how many of the oldest-checked samples a
	// partial run re-validates.
	partialTargetCount = 300

	// maxBatchSize mirrors freesound.maxBatchIDs; kept as a local constant
	// so this package doesn't need to import an unexported value.
	maxBatchSize = 150
)

// DeletedSample names a sample removed during this run, for the report's
// deleted_samples array.
type DeletedSample struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Report is the JSON validation report emitted after a run.
type Report struct {
	Timestamp         time.Time       `json:"timestamp"`
	ValidationMode    Mode            `json:"validation_mode"`
	TotalSamples      int             `json:"total_samples"`
	ValidatedSamples  int             `json:"validated_samples"`
	MetadataRefreshed int             `json:"metadata_refreshed"`
	DeletedSamples    []DeletedSample `json:"deleted_samples"`
	APIErrors         int             `json:"api_errors"`
	EdgesRemoved      int             `json:"edges_removed"`
}

// SkipChecker abstracts the orchestrator's "has a full validation already
// run today" query, so partial runs can skip without this package
// depending on pkg/orchestrator directly.
type SkipChecker interface {
	HasRunToday(mode string) (bool, error)
}

// Validator re-checks samples already present in cache/graph.
type Validator struct {
	client *freesound.Client
	graph  *graphstore.Store
	cache  *metadatacache.Cache
	skip   SkipChecker
	logger *slog.Logger
}

// New builds a Validator. skip may be nil, in which case partial runs
// never skip.
func New(client *freesound.Client, graph *graphstore.Store, cache *metadatacache.Cache, skip SkipChecker, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{client: client, graph: graph, cache: cache, skip: skip, logger: logger}
}

// Run executes one validation pass in mode and returns its report. A
// partial run that finds a same-day full run already complete returns a
// report with TotalSamples == 0 and no API calls made.
func (v *Validator) Run(ctx context.Context, mode Mode) (*Report, error) {
	report := &Report{Timestamp: time.Now().UTC(), ValidationMode: mode, DeletedSamples: []DeletedSample{}}

	if mode == ModePartial && v.skip != nil {
		skip, err := v.skip.HasRunToday(string(ModeFull))
		if err != nil {
			v.logger.Warn("validator.skip_check.error", "error", err)
		} else if skip {
			v.logger.Info("validator.skip", "reason", "full_validate_already_ran_today")
			return report, nil
		}
	}

	targets, err := v.selectTargets(mode)
	if err != nil {
		return nil, fmt.Errorf("validator: select targets: %w", err)
	}
	report.TotalSamples = len(targets)

	fields := []string{"id"}
	if mode == ModeFull {
		fields = freesound.RefreshFields
	}

	for start := 0; start < len(targets); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(targets) {
			end = len(targets)
		}
		batch := targets[start:end]

		found, err := v.client.BatchValidate(ctx, batch, fields)
		if err != nil {
			report.APIErrors++
			v.logger.Warn("validator.batch.error", "error", err, "batch_size", len(batch))
			continue
		}

		for _, id := range batch {
			rec, present := found[id]
			if !present {
				name := v.deletedSampleName(id)
				edgesRemoved := v.graph.RemoveNode(id)
				if err := v.cache.Delete(id); err != nil {
					v.logger.Warn("validator.delete.cache_error", "id", id, "error", err)
				}
				report.DeletedSamples = append(report.DeletedSamples, DeletedSample{ID: id, Name: name})
				report.EdgesRemoved += edgesRemoved
				continue
			}

			now := time.Now().UTC()
			if err := v.cache.TouchExistenceCheck(id, now); err != nil {
				v.logger.Warn("validator.touch_existence.error", "id", id, "error", err)
			}
			report.ValidatedSamples++

			if mode == ModeFull {
				blob, err := json.Marshal(rec)
				if err != nil {
					continue
				}
				var partial map[string]any
				if err := json.Unmarshal(blob, &partial); err != nil {
					continue
				}
				if err := v.cache.UpdateFields(id, partial, now); err != nil {
					v.logger.Warn("validator.update_fields.error", "id", id, "error", err)
					continue
				}
				report.MetadataRefreshed++
			}
		}
	}

	v.logger.Info("validator.run.complete", "mode", mode, "total", report.TotalSamples,
		"validated", report.ValidatedSamples, "deleted", len(report.DeletedSamples), "api_errors", report.APIErrors)
	return report, nil
}

func (v *Validator) selectTargets(mode Mode) ([]int64, error) {
	if mode == ModePartial {
		return v.cache.SelectOldestByExistenceCheck(partialTargetCount)
	}
	return v.cache.AllIDs()
}

// deletedSampleName best-efforts a display name for a sample about to be
// removed, falling back to an empty string if its cached blob can't be
// decoded.
func (v *Validator) deletedSampleName(id int64) string {
	rec, ok, err := v.cache.Get(id)
	if err != nil || !ok {
		return ""
	}
	var decoded freesound.SampleRecord
	if err := json.Unmarshal(rec.Blob, &decoded); err != nil {
		return ""
	}
	return decoded.Name
}
