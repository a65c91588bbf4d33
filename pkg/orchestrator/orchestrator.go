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

// Package orchestrator keeps the crawler and validator from stepping on
// each other across processes: before doing real work, a job checks
// whether a conflicting category is already running, and either proceeds,
// waits, or cleanly skips.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/soundgraph/fscrawl/internal/apperr"
)

// Category is one of the three mutually-exclusive job kinds in the
// conflict matrix.
type Category string

const (
	CategoryCrawl           Category = "crawl"
	CategoryPartialValidate Category = "partial_validate"
	CategoryFullValidate    Category = "full_validate"
)

// conflictsWith is the static conflict matrix: every category conflicts
// with the other two, none conflicts with itself.
var conflictsWith = map[Category][]Category{
	CategoryCrawl:           {CategoryPartialValidate, CategoryFullValidate},
	CategoryPartialValidate: {CategoryCrawl, CategoryFullValidate},
	CategoryFullValidate:    {CategoryCrawl, CategoryPartialValidate},
}

const (
	cacheTTL       = 30 * time.Second
	pollInterval   = 30 * time.Second
	maxPollBackoff = 5 * time.Minute
	pollTimeout    = 2 * time.Hour
	lockStaleAfter = 2 * time.Hour
)

// ConflictChecker abstracts "query which job categories are currently
// RUNNING" against a remote workflow-status system. The scheduler itself
// lives outside this module, so this is an interface a caller backs with
// an HTTP client, or swaps for a no-op/fake in tests.
type ConflictChecker interface {
	// ActiveCategories returns every category currently in a RUNNING
	// state, per the remote system's view. An error means the query
	// itself failed (network, rate limit); the Orchestrator falls back
	// to the filesystem lock in that case.
	ActiveCategories(ctx context.Context) ([]Category, error)
}

// Orchestrator decides whether a job of a given category may proceed.
type Orchestrator struct {
	checker ConflictChecker
	lockDir string
	logger  *slog.Logger

	mu        sync.Mutex
	cachedAt  time.Time
	cachedSet map[Category]struct{}
}

// New builds an Orchestrator. lockDir is where the fallback lock file is
// created when checker is unavailable.
func New(checker ConflictChecker, lockDir string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{checker: checker, lockDir: lockDir, logger: logger}
}

// Await blocks until no active category conflicts with want, or returns
// apperr.ErrOrchestratorSkip once the 2-hour poll budget is exhausted.
// Callers must treat ErrOrchestratorSkip as a clean, successful skip
// (exit 0), not a failure.
func (o *Orchestrator) Await(ctx context.Context, want Category) error {
	deadline := time.Now().Add(pollTimeout)
	backoff := pollInterval

	for {
		conflicted, err := o.hasConflict(ctx, want)
		if err != nil {
			return o.lockFallback(want)
		}
		if !conflicted {
			return nil
		}

		if time.Now().After(deadline) {
			o.logger.Info("orchestrator.skip", "category", want, "reason", "poll_timeout")
			return apperr.ErrOrchestratorSkip
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(minDuration(backoff, time.Until(deadline))):
		}
		backoff = minDuration(backoff*2, maxPollBackoff)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// hasConflict queries (with a 30s cache) whether any category in want's
// conflict set is currently active.
func (o *Orchestrator) hasConflict(ctx context.Context, want Category) (bool, error) {
	active, err := o.activeCategoriesCached(ctx)
	if err != nil {
		return false, err
	}
	for _, c := range conflictsWith[want] {
		if _, ok := active[c]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (o *Orchestrator) activeCategoriesCached(ctx context.Context) (map[Category]struct{}, error) {
	if o.checker == nil {
		return nil, fmt.Errorf("orchestrator: no conflict checker configured")
	}

	o.mu.Lock()
	if o.cachedSet != nil && time.Since(o.cachedAt) < cacheTTL {
		defer o.mu.Unlock()
		return o.cachedSet, nil
	}
	o.mu.Unlock()

	active, err := o.checker.ActiveCategories(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[Category]struct{}, len(active))
	for _, c := range active {
		set[c] = struct{}{}
	}

	o.mu.Lock()
	o.cachedSet = set
	o.cachedAt = time.Now()
	o.mu.Unlock()
	return set, nil
}

// lockFallback covers the case where the remote status query is
// unavailable: an exclusive-create lock file per category, treated as
// stale (and overridable) once older than 2 hours. A fresh lock held by
// want itself or by any category in its conflict set means skip.
func (o *Orchestrator) lockFallback(want Category) error {
	if o.lockDir == "" {
		return fmt.Errorf("orchestrator: remote check unavailable and no lock dir configured")
	}
	for _, other := range conflictsWith[want] {
		otherPath := o.lockPath(other)
		if info, err := os.Stat(otherPath); err == nil && time.Since(info.ModTime()) < lockStaleAfter {
			o.logger.Info("orchestrator.lock.conflict", "path", otherPath, "category", want)
			return apperr.ErrOrchestratorSkip
		}
	}
	path := o.lockPath(want)

	if info, err := os.Stat(path); err == nil {
		if time.Since(info.ModTime()) < lockStaleAfter {
			o.logger.Info("orchestrator.lock.held", "path", path)
			return apperr.ErrOrchestratorSkip
		}
		o.logger.Warn("orchestrator.lock.stale_override", "path", path, "age", time.Since(info.ModTime()))
		os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return apperr.ErrOrchestratorSkip
		}
		return fmt.Errorf("orchestrator: create lock %s: %w", path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return nil
}

// Release removes this category's filesystem lock, if one was acquired
// by lockFallback. Safe to call even if no lock exists.
func (o *Orchestrator) Release(want Category) error {
	if o.lockDir == "" {
		return nil
	}
	err := os.Remove(o.lockPath(want))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("orchestrator: release lock: %w", err)
	}
	return nil
}

func (o *Orchestrator) lockPath(want Category) string {
	return filepath.Join(o.lockDir, string(want)+".lock")
}

// HasRunToday reports whether a validation run of the given mode string
// ("full" or "partial") has a completed RUNNING→done transition recorded
// today, satisfying the Validator.SkipChecker interface without
// pkg/validator importing this package's Category type directly.
func (o *Orchestrator) HasRunToday(mode string) (bool, error) {
	path := filepath.Join(o.lockDir, "last_run_"+mode)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("orchestrator: read last-run marker: %w", err)
	}
	unixSeconds, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return false, fmt.Errorf("orchestrator: parse last-run marker: %w", err)
	}
	last := time.Unix(unixSeconds, 0).UTC()
	now := time.Now().UTC()
	return last.Year() == now.Year() && last.YearDay() == now.YearDay(), nil
}

// RecordRun stamps a last-run marker for mode, used by HasRunToday.
func (o *Orchestrator) RecordRun(mode string) error {
	if o.lockDir == "" {
		return nil
	}
	if err := os.MkdirAll(o.lockDir, 0o755); err != nil {
		return fmt.Errorf("orchestrator: create lock dir: %w", err)
	}
	path := filepath.Join(o.lockDir, "last_run_"+mode)
	return os.WriteFile(path, []byte(strconv.FormatInt(time.Now().UTC().Unix(), 10)), 0o644)
}
