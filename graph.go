package nodeidentifier

import (
	"cmp"
	"slices"
)

// Edge is a directed, named relationship between two nodes of the same
// Subgraph.
type Edge struct {
	Name string
	From string // Key of the source node.
	To   string // Key of the target node.
}

func compareEdges(a, b Edge) int {
	return cmp.Or(
		cmp.Compare(a.From, b.From),
		cmp.Compare(a.Name, b.Name),
		cmp.Compare(a.To, b.To),
	)
}

// Subgraph is a small graph produced by a single event (or the accumulation of
// many events, see Merge).
//
// Nodes are stored by key and edges are grouped by the key of their source
// node. Both keys of every edge must reference nodes of the same Subgraph.
//
// The zero value is not ready for use; call NewSubgraph.
type Subgraph struct {
	Timestamp uint64
	Nodes     map[string]Node
	Edges     map[string][]Edge
}

// NewSubgraph returns an empty Subgraph observed at the given timestamp.
func NewSubgraph(timestamp uint64) *Subgraph {
	return &Subgraph{
		Timestamp: timestamp,
		Nodes:     make(map[string]Node),
		Edges:     make(map[string][]Edge),
	}
}

// AddNode stores n under its current key, replacing any node stored under the
// same key.
func (g *Subgraph) AddNode(n Node) {
	g.Nodes[n.NodeKey()] = n
}

// AddEdge appends an edge to the list keyed by from.
func (g *Subgraph) AddEdge(name, from, to string) {
	g.Edges[from] = append(g.Edges[from], Edge{Name: name, From: from, To: to})
}

// IsEmpty reports whether the Subgraph holds neither nodes nor edges.
func (g *Subgraph) IsEmpty() bool {
	return len(g.Nodes) == 0 && g.EdgeCount() == 0
}

// EdgeCount returns the number of edges across all edge lists.
func (g *Subgraph) EdgeCount() (n int) {
	for _, edges := range g.Edges {
		n += len(edges)
	}
	return n
}

// SortedEdges returns all the edges of the Subgraph in a deterministic order:
// by source key, then name, then target key.
func (g *Subgraph) SortedEdges() []Edge {
	edges := make([]Edge, 0, g.EdgeCount())
	for _, list := range g.Edges {
		edges = append(edges, list...)
	}
	slices.SortFunc(edges, compareEdges)
	return edges
}

// SortedKeys returns the keys of all nodes in lexicographic order.
func (g *Subgraph) SortedKeys() []string {
	keys := make([]string, 0, len(g.Nodes))
	for k := range g.Nodes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Merge unions the nodes and edges of other into g. Call it only on
// canonical-keyed graphs; ephemeral keys of different events would collide.
//
// Nodes sharing a key are merged into one (see MergeNodes); edges are unioned
// without duplicates. The membership of the result does not depend on the
// order of calls, and neither do merged properties: conflicts are settled by
// observation timestamps, not by which graph was merged into which.
//
// The merged Subgraph keeps the earliest of both timestamps. Nodes of other are
// copied, so other can be discarded (or modified) after the call.
func (g *Subgraph) Merge(other *Subgraph) {
	if other.Timestamp < g.Timestamp {
		g.Timestamp = other.Timestamp
	}

	for key, n := range other.Nodes {
		if existing, ok := g.Nodes[key]; ok {
			g.Nodes[key] = MergeNodes(existing, n)
		} else {
			g.Nodes[key] = CloneNode(n)
		}
	}

	for from, edges := range other.Edges {
		for _, e := range edges {
			if !slices.Contains(g.Edges[from], e) {
				g.Edges[from] = append(g.Edges[from], e)
			}
		}
	}
}
