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

package freesound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	resty "github.com/go-resty/resty/v2"

	"github.com/soundgraph/fscrawl/internal/apperr"
	"github.com/soundgraph/fscrawl/pkg/ratelimit"
)

const (
	baseURL = "https://freesound.org/apiv2"

	// fallbackSeedID is a known-popular sound used when the
	// most-downloaded search fails entirely.
	fallbackSeedID int64 = 2523

	// maxBatchIDs is the upstream filter-ID batch ceiling.
	maxBatchIDs = 150

	maxRetries = 3
)

// Client is a typed wrapper over the Freesound v2 endpoints, rate-limited
// and retried.
type Client struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// New builds a Client authenticated with apiKey, pacing all calls through
// limiter.
func New(apiKey string, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	return NewWithBaseURL(baseURL, apiKey, limiter, logger)
}

// NewWithBaseURL is New with the upstream host overridable, so callers
// (and this project's own tests) can point a Client at a local server
// instead of the real Freesound API.
func NewWithBaseURL(base, apiKey string, limiter *ratelimit.Limiter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	http := resty.New().
		SetBaseURL(base).
		SetHeader("Authorization", "Token "+apiKey).
		SetTimeout(30 * time.Second)
	return &Client{http: http, limiter: limiter, logger: logger}
}

// SearchMostDownloaded returns the single most-downloaded sample ID. On
// any failure it falls back to a fixed, known-popular seed ID rather than
// propagating the error.
func (c *Client) SearchMostDownloaded(ctx context.Context) int64 {
	if err := c.limiter.Acquire(ctx); err != nil {
		return fallbackSeedID
	}

	var body struct {
		Results []struct {
			ID int64 `json:"id"`
		} `json:"results"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query":     "",
			"sort":      "downloads_desc",
			"page_size": "1",
			"fields":    "id",
		}).
		SetResult(&body).
		Get("/search/text/")
	if err != nil || resp.IsError() || len(body.Results) == 0 {
		c.logger.Warn("freesound.search_most_downloaded.fallback", "error", err)
		return fallbackSeedID
	}
	return body.Results[0].ID
}

// FetchSample retrieves one sample by ID. The returned error, when
// non-nil, is one of apperr.ErrNotFound, apperr.ErrTransient, or
// apperr.ErrPermanent (checkable with errors.Is), or ctx's own error when
// ctx is cancelled or its deadline passes.
func (c *Client) FetchSample(ctx context.Context, id int64) (*SampleRecord, error) {
	var rec SampleRecord
	err := c.doWithRetry(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{"fields": strings.Join(RefreshFields, ",")}).
			SetResult(&rec).
			Get(fmt.Sprintf("/sounds/%d/", id))
	})
	if err != nil {
		return nil, err
	}
	stripDescription(&rec)
	return &rec, nil
}

// FetchSimilar returns up to pageSize similar sounds for id, ordered as
// returned by the upstream API.
func (c *Client) FetchSimilar(ctx context.Context, id int64, pageSize int) ([]SimilarSample, error) {
	var body struct {
		Results []SimilarSample `json:"results"`
	}
	err := c.doWithRetry(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{"page_size": strconv.Itoa(pageSize)}).
			SetResult(&body).
			Get(fmt.Sprintf("/sounds/%d/similar/", id))
	})
	if err != nil {
		return nil, err
	}
	return body.Results, nil
}

// BatchValidate looks up up to 150 IDs in a single filter-ID request and
// returns the subset found, keyed by ID. IDs absent from the map are
// treated by the caller as deleted upstream.
func (c *Client) BatchValidate(ctx context.Context, ids []int64, fields []string) (map[int64]SampleRecord, error) {
	if len(ids) == 0 {
		return map[int64]SampleRecord{}, nil
	}
	if len(ids) > maxBatchIDs {
		return nil, fmt.Errorf("batch_validate: %d ids exceeds max batch size %d", len(ids), maxBatchIDs)
	}

	filterParts := make([]string, len(ids))
	for i, id := range ids {
		filterParts[i] = strconv.FormatInt(id, 10)
	}
	filter := "id:(" + strings.Join(filterParts, " OR ") + ")"

	var body struct {
		Results []SampleRecord `json:"results"`
	}
	err := c.doWithRetry(ctx, func() (*resty.Response, error) {
		return c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"filter":    filter,
				"fields":    strings.Join(fields, ","),
				"page_size": strconv.Itoa(len(ids)),
			}).
			SetResult(&body).
			Get("/search/text/")
	})
	if err != nil {
		return nil, err
	}

	out := make(map[int64]SampleRecord, len(body.Results))
	for _, rec := range body.Results {
		r := rec
		stripDescription(&r)
		out[r.ID] = r
	}
	return out, nil
}

// stripDescription clears the free-text description field immediately
// after unmarshaling, so nothing downstream of this package ever sees or
// persists it. The license URL suffices for attribution.
func stripDescription(rec *SampleRecord) {
	rec.Description = ""
}

// doWithRetry executes fn with exponential backoff (1s, 2s, 4s) on
// network error or 5xx, immediate return on 401/403/404, and
// rate-limiter-mediated delay on 429.
func (c *Client) doWithRetry(ctx context.Context, fn func() (*resty.Response, error)) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.Multiplier = 2
	policy.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(policy, maxRetries)

	operation := func() error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return backoff.Permanent(err)
		}
		resp, err := fn()
		if err != nil {
			return err // network error: retryable
		}
		switch {
		case resp.StatusCode() == 404:
			return backoff.Permanent(apperr.ErrNotFound)
		case resp.StatusCode() == 401 || resp.StatusCode() == 403:
			return backoff.Permanent(apperr.Permanent(fmt.Errorf("status %d", resp.StatusCode())))
		case resp.StatusCode() == 429:
			retryAfter := parseRetryAfter(resp.Header().Get("Retry-After"))
			c.limiter.ReportRetryAfter(retryAfter)
			return fmt.Errorf("rate limited (429)")
		case resp.StatusCode() >= 500:
			return fmt.Errorf("upstream error %d", resp.StatusCode())
		case resp.IsError():
			return backoff.Permanent(apperr.Permanent(fmt.Errorf("status %d", resp.StatusCode())))
		}
		return nil
	}

	if err := backoff.Retry(operation, bo); err != nil {
		// backoff.Retry already unwraps *backoff.PermanentError and
		// returns its inner error directly, so a permanent failure
		// surfaces here as apperr.ErrNotFound / apperr.ErrPermanent (or a
		// context error) as-is; anything else exhausted its retries and
		// is reported as transient.
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrPermanent) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return apperr.Transient(err)
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return time.Second
}
