package identify

import (
	"errors"
	"fmt"
	"slices"

	"github.com/go-digitaltwin/go-nodeidentifier"
)

// ErrUnresolvedEndpoint is returned (wrapped) by RemapEdges when an edge that
// survived pruning references a node missing from the identity map.
var ErrUnresolvedEndpoint = errors.New("edge endpoint has no identity")

// PruneDead removes the dead nodes of g, along with every edge touching them.
func PruneDead(dead DeadSet, g *nodeidentifier.Subgraph) {
	if len(dead) == 0 {
		return
	}
	for key := range dead {
		delete(g.Nodes, key)
		delete(g.Edges, key)
	}
	for from, edges := range g.Edges {
		edges = slices.DeleteFunc(edges, func(e nodeidentifier.Edge) bool {
			return dead.Contains(e.To) || dead.Contains(e.From)
		})
		if len(edges) == 0 {
			delete(g.Edges, from)
		} else {
			g.Edges[from] = edges
		}
	}
}

// RemapEdges adds to out a canonical copy of every edge of in that does not
// touch a dead node. Duplicate edges (after remapping) are added once.
//
// Every endpoint of such an edge must be in ids; otherwise RemapEdges returns
// an error wrapping ErrUnresolvedEndpoint and out is left partially written.
func RemapEdges(ids IdentityMap, dead DeadSet, in, out *nodeidentifier.Subgraph) error {
	for _, e := range in.SortedEdges() {
		if dead.Contains(e.From) || dead.Contains(e.To) {
			continue
		}
		from, ok := ids[e.From]
		if !ok {
			return fmt.Errorf("%w: %s edge from %q", ErrUnresolvedEndpoint, e.Name, e.From)
		}
		to, ok := ids[e.To]
		if !ok {
			return fmt.Errorf("%w: %s edge to %q", ErrUnresolvedEndpoint, e.Name, e.To)
		}
		edge := nodeidentifier.Edge{Name: e.Name, From: from, To: to}
		if !slices.Contains(out.Edges[from], edge) {
			out.AddEdge(edge.Name, edge.From, edge.To)
		}
	}
	return nil
}
