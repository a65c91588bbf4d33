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

// Package ui provides the small set of terminal-output helpers shared by
// the crawl and validate binaries: color toggling and human-readable run
// summaries.
package ui

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// InitColors enables or disables ANSI color output globally. It respects
// an explicit --no-color flag as well as the NO_COLOR environment
// convention and non-TTY stdout.
func InitColors(noColor bool) {
	if noColor || os.Getenv("NO_COLOR") != "" || !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}
}

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow, color.Bold)
	errColor  = color.New(color.FgRed, color.Bold)
)

// CrawlSummary prints the human-readable summary every crawl run ends
// with: final state, nodes and edges added, API requests, and duration.
func CrawlSummary(w io.Writer, nodesAdded, edgesAdded, apiRequests int, duration string, state string) {
	fmt.Fprintf(w, "crawl finished: state=%s nodes+=%d edges+=%d requests=%d duration=%s\n",
		state, nodesAdded, edgesAdded, apiRequests, duration)
}

// ValidationSummary prints the human-readable summary for a validator run.
func ValidationSummary(w io.Writer, mode string, total, validated, refreshed int, deleted []string, apiErrors int) {
	okColor.Fprintf(w, "validation (%s) complete: ", mode)
	fmt.Fprintf(w, "total=%d validated=%d refreshed=%d deleted=%d", total, validated, refreshed, len(deleted))
	if apiErrors > 0 {
		warnColor.Fprintf(w, " api_errors=%d", apiErrors)
	}
	fmt.Fprintln(w)
	for _, id := range deleted {
		fmt.Fprintf(w, "  deleted: %s\n", id)
	}
}

// SkipSummary prints the clearly-labeled skip record emitted when the
// orchestrator times out waiting for a conflicting run.
func SkipSummary(w io.Writer, category string, reason string) {
	warnColor.Fprintf(w, "SKIPPED")
	fmt.Fprintf(w, ": %s run skipped: %s\n", category, reason)
}

// FatalSummary prints a red-highlighted fatal notice. apperr.FatalError
// prints its own plain message and does not call it.
func FatalSummary(w io.Writer, err error) {
	errColor.Fprintf(w, "FATAL")
	fmt.Fprintf(w, ": %v\n", err)
}
