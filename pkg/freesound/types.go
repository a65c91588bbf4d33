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

// Package freesound is a typed wrapper over the Freesound v2 REST API
// (search, per-sample fetch, similarity, filter-ID batch queries).
package freesound

// SampleRecord is the upstream representation of one Freesound sound,
// trimmed to the fields this crawler persists. Description is unmarshaled
// from the response but cleared by stripDescription immediately after, so
// it never reaches persistence.
type SampleRecord struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Duration         float64  `json:"duration"`
	Filesize         int64    `json:"filesize"`
	UploaderID       int64    `json:"uploader_id"`
	PackID           int64    `json:"pack_id,omitempty"`
	Tags             []string `json:"tags"`
	License          string   `json:"license"`
	PreviewURL       string   `json:"preview_url"`
	Downloads        int64    `json:"num_downloads"`
	AvgRating        float64  `json:"avg_rating"`
	NumRatings       int64    `json:"num_ratings"`
	OriginalFilename string   `json:"-"` // filter-only; never requested in the refresh field set
	MD5              string   `json:"-"` // filter-only; never requested in the refresh field set
}

// SimilarSample is one entry of a fetch_similar response: the neighbor ID
// plus the similarity weight Freesound assigns for the `similar` edge.
type SimilarSample struct {
	ID         int64   `json:"id"`
	Similarity float64 `json:"similarity"`
}

// RefreshFields is the comprehensive field set requested by a full-mode
// validator batch. original_filename and md5 are filter-only upstream and
// are never requested.
var RefreshFields = []string{
	"id", "name", "duration", "filesize", "uploader", "pack",
	"tags", "license", "previews", "download", "num_downloads",
	"avg_rating", "num_ratings", "created", "type", "channels",
	"bitrate", "bitdepth", "samplerate", "username", "description",
	"geotag", "comment", "num_comments", "analysis", "images",
	"ac_analysis", "similar_sounds", "pack_name", "url",
}
