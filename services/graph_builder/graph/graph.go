// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph assembles the Cincinnati update graph served to clients.
//
// # Description
//
// A Graph is an ordered list of release nodes, oldest first, plus a set of
// directed edges. Each edge (from, to) is an upgrade path and always points
// from an older node to a newer one, so every Graph is acyclic by
// construction.
//
// The edge set encodes two operator policies from the updates document:
//
//   - Barriers: a release every client must go through. Nodes before a
//     barrier cannot jump past it.
//   - Rollouts: a release offered progressively. Its edges are present in
//     the topology; the rollout metadata lets each client decide whether it
//     currently qualifies.
//
// Dead ends are pruned with FilterDeadends before a graph is published.
//
// # Thread Safety
//
// A Graph is immutable once built. FromMetadata and FilterDeadends are pure.
package graph

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/metadata"
)

// ErrInconsistentGraph is returned when edge computation produces an edge set
// that violates the graph invariants. Well-formed input never triggers it.
var ErrInconsistentGraph = errors.New("inconsistent update graph")

// =============================================================================
// Types
// =============================================================================

// Payload is a single release node of the update graph.
type Payload struct {
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata"`
	Payload  string            `json:"payload"`
}

// Edge is an upgrade path between two node indices, serialized as [from, to].
type Edge [2]uint64

// From returns the source node index.
func (e Edge) From() uint64 { return e[0] }

// To returns the target node index.
func (e Edge) To() uint64 { return e[1] }

// Graph is a Cincinnati update graph.
type Graph struct {
	Nodes []Payload `json:"nodes"`
	Edges []Edge    `json:"edges"`
}

// Empty returns a graph with no nodes and no edges.
//
// It serializes as {"nodes":[],"edges":[]}, never with null lists.
func Empty() Graph {
	return Graph{Nodes: []Payload{}, Edges: []Edge{}}
}

// MarshalJSON keeps empty lists as [] instead of null.
func (g Graph) MarshalJSON() ([]byte, error) {
	type plain Graph
	out := plain(g)
	if out.Nodes == nil {
		out.Nodes = []Payload{}
	}
	if out.Edges == nil {
		out.Edges = []Edge{}
	}
	return json.Marshal(out)
}

// Scope identifies the partition a graph is built and cached for.
//
// Scopes are comparable and are used directly as map keys.
type Scope struct {
	Basearch string `json:"basearch" yaml:"basearch"`
	Stream   string `json:"stream" yaml:"stream"`
	OCI      bool   `json:"oci" yaml:"oci"`
}

// SchemeName returns the payload scheme served for this scope.
func (s Scope) SchemeName() string {
	if s.OCI {
		return metadata.SchemeOCI
	}
	return metadata.SchemeChecksum
}

// String renders the scope for logs and cache keys.
func (s Scope) String() string {
	return fmt.Sprintf("%s/%s/%s", s.Basearch, s.Stream, s.SchemeName())
}

// =============================================================================
// Assembly
// =============================================================================

// FromMetadata assembles the update graph for scope with dead ends
// removed. It is Assemble followed by FilterDeadends.
//
// # Outputs
//
//   - Graph: Deadend-free graph with edges sorted by (from, to).
//   - error: ErrInconsistentGraph if the computed edges break an invariant.
func FromMetadata(releases []metadata.Release, updates metadata.UpdatesJSON, scope Scope) (Graph, error) {
	g, err := Assemble(releases, updates, scope)
	if err != nil {
		return Graph{}, err
	}
	return FilterDeadends(g), nil
}

// Assemble builds the update graph for scope, dead ends included.
//
// # Description
//
// Builds nodes from the release index, oldest first, keeping only releases
// with a payload for the scope's architecture and scheme. Each node is tagged
// with its age index and scheme, then augmented from the updates policy.
// Edges are computed from the barrier and rollout markers.
//
// # Inputs
//
//   - releases: Release index entries, oldest first.
//   - updates: Updates policy for the scope's stream.
//   - scope: Architecture and payload scheme selecting eligible releases.
//
// # Outputs
//
//   - Graph: Every eligible release, dead ends marked but kept, with edges
//     sorted by (from, to).
//   - error: ErrInconsistentGraph if the computed edges break an invariant.
//
// # Limitations
//
//   - Ineligible releases are skipped silently, never reported.
//   - Rollout start, percentage and duration are carried as metadata only.
func Assemble(releases []metadata.Release, updates metadata.UpdatesJSON, scope Scope) (Graph, error) {
	policy := updates.ByVersion()

	nodes := make([]Payload, 0, len(releases))
	for ageIndex, release := range releases {
		node, ok := newPayload(release, ageIndex, scope)
		if !ok {
			continue
		}
		if overrides, found := policy[node.Version]; found {
			applyOverrides(&node, overrides)
		}
		nodes = append(nodes, node)
	}

	g := Graph{Nodes: nodes, Edges: computeEdges(nodes)}
	if err := g.Validate(); err != nil {
		return Graph{}, err
	}
	return g, nil
}

// newPayload builds the node for release, or reports false when the release
// has no payload for the scope. The last matching payload wins.
func newPayload(release metadata.Release, ageIndex int, scope Scope) (Payload, bool) {
	node := Payload{
		Version: release.Version,
		Metadata: map[string]string{
			metadata.AgeIndex: strconv.Itoa(ageIndex),
		},
	}

	found := false
	if scope.OCI {
		for _, image := range release.OCIImages {
			if image.Architecture != scope.Basearch || image.DigestRef == "" {
				continue
			}
			found = true
			node.Payload = image.DigestRef
		}
	} else {
		for _, commit := range release.Commits {
			if commit.Architecture != scope.Basearch || commit.Checksum == "" {
				continue
			}
			found = true
			node.Payload = commit.Checksum
		}
	}
	if !found {
		return Payload{}, false
	}

	node.Metadata[metadata.Scheme] = scope.SchemeName()
	return node, true
}

// applyOverrides merges the deadend, barrier and rollout overrides into node.
func applyOverrides(node *Payload, overrides metadata.UpdateMetadata) {
	if deadend := overrides.Deadend; deadend != nil {
		node.Metadata[metadata.Deadend] = "true"
		node.Metadata[metadata.DeadendReason] = reasonOrGeneric(deadend.Reason)
	}

	if barrier := overrides.Barrier; barrier != nil {
		node.Metadata[metadata.Barrier] = "true"
		node.Metadata[metadata.BarrierReason] = reasonOrGeneric(barrier.Reason)
	}

	if rollout := overrides.Rollout; rollout != nil {
		node.Metadata[metadata.Rollout] = "true"
		if rollout.StartEpoch != nil {
			node.Metadata[metadata.StartEpoch] = strconv.FormatInt(*rollout.StartEpoch, 10)
		}
		if rollout.StartPercentage != nil {
			node.Metadata[metadata.StartValue] = strconv.FormatFloat(*rollout.StartPercentage, 'f', -1, 64)
		}
		if rollout.DurationMinutes != nil {
			node.Metadata[metadata.Duration] = strconv.FormatUint(*rollout.DurationMinutes, 10)
		}
	}
}

func reasonOrGeneric(reason string) string {
	if reason == "" {
		return metadata.GenericReason
	}
	return reason
}

// =============================================================================
// Edge Computation
// =============================================================================

// computeEdges derives the edge set from barrier and rollout markers.
//
// # Description
//
// The computation is target-centric: each barrier, rollout and the newest
// node gets its full incoming edge set, and nothing else gets edges.
//
//  1. Rollouts, newest first: every index from the nearest barrier strictly
//     before the rollout (or 0) up to the rollout links to it.
//  2. Barriers, ascending: every index from the previous barrier (or 0) up
//     to the barrier links to it. Barriers that are also rollouts are left
//     to step 1 so that rollout gating is not bypassed.
//  3. The newest node that is not a dead end, when it is neither barrier
//     nor rollout, is fully available: every index from the nearest barrier
//     before it links to it. Dead ends are skipped so the head survives
//     FilterDeadends.
//
// Each target is processed exactly once, so no duplicate edge can arise.
func computeEdges(nodes []Payload) []Edge {
	var barriers []int
	rollouts := make(map[int]bool)
	for index, node := range nodes {
		if _, ok := node.Metadata[metadata.Rollout]; ok {
			rollouts[index] = true
		}
		if _, ok := node.Metadata[metadata.Barrier]; ok {
			barriers = append(barriers, index)
		}
	}
	isBarrier := func(index int) bool {
		_, found := slices.BinarySearch(barriers, index)
		return found
	}

	edges := make([]Edge, 0)
	linkFrom := func(start, target int) {
		for i := start; i < target; i++ {
			edges = append(edges, Edge{uint64(i), uint64(target)})
		}
	}

	for index := len(nodes) - 1; index >= 0; index-- {
		if rollouts[index] {
			linkFrom(previousBarrier(barriers, index), index)
		}
	}

	start := 0
	for _, target := range barriers {
		if !rollouts[target] {
			linkFrom(start, target)
		}
		start = target
	}

	head := len(nodes) - 1
	for head >= 0 && nodes[head].IsDeadend() {
		head--
	}
	if head > 0 && !rollouts[head] && !isBarrier(head) {
		linkFrom(previousBarrier(barriers, head), head)
	}

	slices.SortFunc(edges, func(a, b Edge) int {
		if a[0] != b[0] {
			return cmp.Compare(a[0], b[0])
		}
		return cmp.Compare(a[1], b[1])
	})
	return edges
}

// previousBarrier returns the nearest barrier index strictly below target,
// or 0 when there is none. barriers must be sorted ascending.
func previousBarrier(barriers []int, target int) int {
	pos, _ := slices.BinarySearch(barriers, target)
	if pos == 0 {
		return 0
	}
	return barriers[pos-1]
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks the structural invariants of g.
//
// Every edge must reference existing nodes, point strictly forward and
// appear once. Violations wrap ErrInconsistentGraph.
func (g Graph) Validate() error {
	seen := make(map[Edge]struct{}, len(g.Edges))
	count := uint64(len(g.Nodes))
	for _, edge := range g.Edges {
		if edge.From() >= count || edge.To() >= count {
			return fmt.Errorf("%w: edge %v out of range for %d nodes", ErrInconsistentGraph, edge, count)
		}
		if edge.From() >= edge.To() {
			return fmt.Errorf("%w: edge %v does not point forward", ErrInconsistentGraph, edge)
		}
		if _, dup := seen[edge]; dup {
			return fmt.Errorf("%w: duplicate edge %v", ErrInconsistentGraph, edge)
		}
		seen[edge] = struct{}{}
	}
	return nil
}
