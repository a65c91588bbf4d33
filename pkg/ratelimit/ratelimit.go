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

// Package ratelimit paces outbound Freesound API calls to at most 60 per
// sliding 60-second window, with jittered extra backoff when the upstream
// reports HTTP 429.
package ratelimit

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultPerMinute is the Freesound quota: 60 requests/minute.
	DefaultPerMinute = 60

	// maxJitter bounds the random delay added on top of an observed
	// Retry-After duration.
	maxJitter = 500 * time.Millisecond
)

// Limiter paces Acquire calls against a token-bucket approximation of the
// sliding 60-second window. It holds no persistent state across process
// restarts.
type Limiter struct {
	mu           sync.Mutex
	limiter      *rate.Limiter
	blockedUntil time.Time
	logger       *slog.Logger
}

// New creates a Limiter allowing perMinute requests per 60-second window.
// perMinute <= 0 defaults to DefaultPerMinute.
func New(perMinute int, logger *slog.Logger) *Limiter {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if logger == nil {
		logger = slog.Default()
	}
	every := time.Minute / time.Duration(perMinute)
	return &Limiter{
		limiter: rate.NewLimiter(rate.Every(every), 1),
		logger:  logger,
	}
}

// Acquire blocks until a slot is available or ctx is cancelled. Any
// outstanding 429 backoff (see ReportRetryAfter) is honored before the
// normal token-bucket wait.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	until := l.blockedUntil
	lim := l.limiter
	l.mu.Unlock()

	if wait := time.Until(until); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lim.Wait(ctx)
}

// ReportRetryAfter delays all subsequent Acquire calls by at least d, plus
// jitter in [0, 500ms]. Called whenever the API client observes an HTTP
// 429 with a Retry-After header.
func (l *Limiter) ReportRetryAfter(d time.Duration) {
	if d < 0 {
		d = 0
	}
	jitter := time.Duration(rand.Int64N(int64(maxJitter) + 1))
	until := time.Now().Add(d + jitter)

	l.mu.Lock()
	defer l.mu.Unlock()
	if until.After(l.blockedUntil) {
		l.blockedUntil = until
	}
	l.logger.Warn("ratelimit.retry_after.observed", "delay", d+jitter)
}
