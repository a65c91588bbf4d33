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

// Package apperr defines the typed error taxonomy shared by every crawler
// and validator component, and the CLI-facing fatal-error reporter.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Sentinel kinds. Components compare against these with errors.Is; callers
// never branch on error message text.
var (
	// ErrNotFound means the upstream API returned a definitive "does not
	// exist" response (HTTP 404 on a sample lookup).
	ErrNotFound = errors.New("sample not found")

	// ErrTransient means a retryable condition (network error, HTTP 5xx,
	// or a 429 that exhausted its retry budget). The caller may skip the
	// unit of work and continue the run.
	ErrTransient = errors.New("transient API error")

	// ErrPermanent means a non-retryable authentication/authorization
	// failure (401/403). Callers MUST treat this as fatal.
	ErrPermanent = errors.New("permanent API error")

	// ErrCheckpointCorrupt means CheckpointStore.Load failed an integrity
	// check. The checkpoint directory must not be overwritten.
	ErrCheckpointCorrupt = errors.New("checkpoint failed integrity verification")

	// ErrOrchestratorSkip means the orchestrator timed out waiting for a
	// conflicting run to clear. This is not a failure: callers exit 0.
	ErrOrchestratorSkip = errors.New("orchestrator skip: conflicting run did not clear")
)

// Transient wraps err so that errors.Is(wrapped, ErrTransient) succeeds
// while preserving the original error for logging.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Permanent wraps err so that errors.Is(wrapped, ErrPermanent) succeeds.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// CheckpointCorrupt wraps err with ErrCheckpointCorrupt, carrying the
// specific integrity-check failure reason for logs and exit messages.
func CheckpointCorrupt(reason string) error {
	return fmt.Errorf("%w: %s", ErrCheckpointCorrupt, reason)
}

// FatalError prints err to stderr (plain text, or a JSON object when
// jsonMode is set, matching the CLI's --json output convention) and exits
// the process with status 1. It is the terminal point for structural
// failures (checkpoint corruption with no archive, invalid credentials,
// filesystem errors), the only cases that exit non-zero.
func FatalError(err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		payload := map[string]string{"error": err.Error()}
		enc, encErr := json.Marshal(payload)
		if encErr == nil {
			fmt.Fprintln(os.Stderr, string(enc))
			os.Exit(1)
		}
	}
	fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
	os.Exit(1)
}
