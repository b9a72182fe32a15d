// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"maps"

	"github.com/aaradhak/fedora-coreos-cincinnati/services/graph_builder/metadata"
)

// IsDeadend reports whether the node is marked as a dead end.
func (p Payload) IsDeadend() bool {
	return p.Metadata[metadata.Deadend] == "true"
}

// FilterDeadends returns a copy of g without dead-end nodes.
//
// # Description
//
// Removes every node marked as a dead end together with every edge touching
// it, then renumbers the remaining edges so indices stay contiguous. The
// relative order of the surviving nodes is preserved and their age index
// metadata is left as assigned at assembly time.
//
// # Inputs
//
//   - g: Any graph. It is not modified.
//
// # Outputs
//
//   - Graph: A new graph with no dead ends. Node metadata maps are cloned.
//
// # Limitations
//
//   - Edges referencing indices outside g are dropped rather than reported.
//
// # Assumptions
//
//   - Callers may apply it more than once; filtering a filtered graph
//     returns an equal graph.
func FilterDeadends(g Graph) Graph {
	// remap[old] is the new index, or -1 for removed nodes.
	remap := make([]int, len(g.Nodes))
	nodes := make([]Payload, 0, len(g.Nodes))
	for i, node := range g.Nodes {
		if node.IsDeadend() {
			remap[i] = -1
			continue
		}
		remap[i] = len(nodes)
		nodes = append(nodes, Payload{
			Version:  node.Version,
			Metadata: maps.Clone(node.Metadata),
			Payload:  node.Payload,
		})
	}

	edges := make([]Edge, 0, len(g.Edges))
	for _, edge := range g.Edges {
		if edge.From() >= uint64(len(remap)) || edge.To() >= uint64(len(remap)) {
			continue
		}
		from, to := remap[edge.From()], remap[edge.To()]
		if from < 0 || to < 0 {
			continue
		}
		edges = append(edges, Edge{uint64(from), uint64(to)})
	}

	return Graph{Nodes: nodes, Edges: edges}
}
