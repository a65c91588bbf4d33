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

// Package graphstore is the pure-topology directed multigraph: node set,
// edge set, edge kind. It stores no attributes (those live in
// pkg/metadatacache), so topology-bound graph algorithms never pay for
// attribute-bound storage.
package graphstore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
)

// EdgeKind is one of the four typed relationships between samples.
type EdgeKind string

const (
	KindSimilar   EdgeKind = "similar"
	KindSamePack  EdgeKind = "same_pack"
	KindSameUser  EdgeKind = "same_user"
	KindSharedTag EdgeKind = "shared_tag"
)

// Edge is one directed edge record. Weight is only meaningful for
// KindSimilar; it is zero for co-membership edges.
type Edge struct {
	Dst    int64
	Kind   EdgeKind
	Weight float64
}

type edgeRecord struct {
	Src    int64
	Dst    int64
	Kind   EdgeKind
	Weight float64
}

// topologySnapshot is the gob-serializable on-disk form: a flat node list
// plus a flat edge list. Kept separate from Store's live adjacency-map
// representation so the binary format never depends on map iteration
// order.
type topologySnapshot struct {
	Nodes []int64
	Edges []edgeRecord
}

// Store is a directed multigraph keyed by 64-bit sample ID. A Store is
// owned by exactly one writer; it applies no internal locking.
type Store struct {
	nodes map[int64]struct{}
	// out[src] holds every outgoing edge from src, keyed by (dst, kind)
	// to make add_edge idempotent within (src, dst, kind) without a
	// linear scan.
	out map[int64]map[edgeKey]Edge
}

type edgeKey struct {
	dst  int64
	kind EdgeKind
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		nodes: make(map[int64]struct{}),
		out:   make(map[int64]map[edgeKey]Edge),
	}
}

// AddNode inserts id if absent. Idempotent.
func (s *Store) AddNode(id int64) {
	if _, ok := s.nodes[id]; ok {
		return
	}
	s.nodes[id] = struct{}{}
}

// HasNode reports whether id is present.
func (s *Store) HasNode(id int64) bool {
	_, ok := s.nodes[id]
	return ok
}

// AddEdge inserts a (src, dst, kind) edge, idempotent within that triple.
// Edges are never created referencing nonexistent nodes: either endpoint
// being absent is an error.
func (s *Store) AddEdge(src, dst int64, kind EdgeKind, weight float64) error {
	if !s.HasNode(src) {
		return fmt.Errorf("graphstore: add_edge: src node %d not present", src)
	}
	if !s.HasNode(dst) {
		return fmt.Errorf("graphstore: add_edge: dst node %d not present", dst)
	}
	key := edgeKey{dst: dst, kind: kind}
	bucket, ok := s.out[src]
	if !ok {
		bucket = make(map[edgeKey]Edge)
		s.out[src] = bucket
	}
	if _, exists := bucket[key]; exists {
		return nil
	}
	bucket[key] = Edge{Dst: dst, Kind: kind, Weight: weight}
	return nil
}

// RemoveNode deletes id and cascades to every incident edge, outgoing and
// incoming, across all kinds. It returns the number of edges the cascade
// removed.
func (s *Store) RemoveNode(id int64) int {
	if !s.HasNode(id) {
		return 0
	}
	removed := len(s.out[id])
	delete(s.nodes, id)
	delete(s.out, id)
	for src, bucket := range s.out {
		for key := range bucket {
			if key.dst == id {
				delete(bucket, key)
				removed++
			}
		}
		if len(bucket) == 0 {
			delete(s.out, src)
		}
	}
	return removed
}

// Neighbors returns every distinct destination id reachable by one
// outgoing edge from id.
func (s *Store) Neighbors(id int64) []int64 {
	bucket, ok := s.out[id]
	if !ok {
		return nil
	}
	seen := make(map[int64]struct{}, len(bucket))
	out := make([]int64, 0, len(bucket))
	for key := range bucket {
		if _, dup := seen[key.dst]; dup {
			continue
		}
		seen[key.dst] = struct{}{}
		out = append(out, key.dst)
	}
	return out
}

// NodeCount returns the number of nodes currently in the graph.
func (s *Store) NodeCount() int { return len(s.nodes) }

// EdgeCount returns the number of distinct (src, dst, kind) edges.
func (s *Store) EdgeCount() int {
	n := 0
	for _, bucket := range s.out {
		n += len(bucket)
	}
	return n
}

// Nodes returns every node ID, in no particular order.
func (s *Store) Nodes() []int64 {
	out := make([]int64, 0, len(s.nodes))
	for id := range s.nodes {
		out = append(out, id)
	}
	return out
}

// SaveTopology gob-encodes the graph to path. The format carries only
// structure, no attributes.
func (s *Store) SaveTopology(path string) error {
	snap := topologySnapshot{
		Nodes: s.Nodes(),
		Edges: make([]edgeRecord, 0, s.EdgeCount()),
	}
	for src, bucket := range s.out {
		for _, e := range bucket {
			snap.Edges = append(snap.Edges, edgeRecord{Src: src, Dst: e.Dst, Kind: e.Kind, Weight: e.Weight})
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("graphstore: encode topology: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// LoadTopology reads a topology file written by SaveTopology and returns a
// fresh Store built purely from structure.
func LoadTopology(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graphstore: read topology: %w", err)
	}
	var snap topologySnapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("graphstore: decode topology: %w", err)
	}

	s := New()
	for _, id := range snap.Nodes {
		s.AddNode(id)
	}
	for _, e := range snap.Edges {
		if err := s.AddEdge(e.Src, e.Dst, e.Kind, e.Weight); err != nil {
			return nil, fmt.Errorf("graphstore: rebuild edge %d->%d: %w", e.Src, e.Dst, err)
		}
	}
	return s, nil
}
