package identify

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/go-digitaltwin/go-nodeidentifier"
	"github.com/google/go-cmp/cmp"
)

// randomGraph returns a graph of n process nodes with random edges between
// them, keyed "p0" to "p<n-1>".
func randomGraph(r *rand.Rand, n int) *nodeidentifier.Subgraph {
	g := nodeidentifier.NewSubgraph(1)
	for i := range n {
		g.AddNode(&nodeidentifier.ProcessNode{Envelope: nodeidentifier.Envelope{ID: fmt.Sprint("p", i)}, PID: uint64(i)})
	}
	for range 3 * n {
		g.AddEdge("children", fmt.Sprint("p", r.IntN(n)), fmt.Sprint("p", r.IntN(n)))
	}
	return g
}

func TestPruneDead_noDanglingEdges(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for trial := range 100 {
		g := randomGraph(r, 1+r.IntN(20))
		dead := make(DeadSet)
		for key := range g.Nodes {
			if r.IntN(3) == 0 {
				dead.Add(key)
			}
		}
		before := len(g.Nodes)

		PruneDead(dead, g)

		if len(g.Nodes) != before-len(dead) {
			t.Errorf("trial %d: %d nodes left, want %d", trial, len(g.Nodes), before-len(dead))
		}
		for from, edges := range g.Edges {
			if len(edges) == 0 {
				t.Errorf("trial %d: empty edge list left for %q", trial, from)
			}
			for _, e := range edges {
				if _, ok := g.Nodes[e.From]; !ok {
					t.Errorf("trial %d: edge %v references removed node %q", trial, e, e.From)
				}
				if _, ok := g.Nodes[e.To]; !ok {
					t.Errorf("trial %d: edge %v references removed node %q", trial, e, e.To)
				}
			}
		}
	}
}

func TestRemapEdges(t *testing.T) {
	in := nodeidentifier.NewSubgraph(1)
	in.AddEdge("children", "p1", "p2")
	in.AddEdge("children", "p1", "p3") // p3 is dead
	in.AddEdge("bin_file", "p2", "f1") // f1 and f2 share a canonical id
	in.AddEdge("bin_file", "p2", "f2")
	ids := IdentityMap{"p1": "proc-a", "p2": "proc-b", "f1": "file-c", "f2": "file-c"}
	dead := DeadSet{"p3": {}}

	out := nodeidentifier.NewSubgraph(1)
	if err := RemapEdges(ids, dead, in, out); err != nil {
		t.Fatal("RemapEdges:", err)
	}

	want := []nodeidentifier.Edge{
		{Name: "children", From: "proc-a", To: "proc-b"},
		{Name: "bin_file", From: "proc-b", To: "file-c"},
	}
	if diff := cmp.Diff(want, out.SortedEdges()); diff != "" {
		t.Errorf("RemapEdges mismatch (-want +got):\n%s", diff)
	}
}

func TestRemapEdges_unresolvedEndpoint(t *testing.T) {
	in := nodeidentifier.NewSubgraph(1)
	in.AddEdge("children", "p1", "p2")

	err := RemapEdges(IdentityMap{"p1": "proc-a"}, DeadSet{}, in, nodeidentifier.NewSubgraph(1))
	if !errors.Is(err, ErrUnresolvedEndpoint) {
		t.Errorf("RemapEdges() error = %v, want %v", err, ErrUnresolvedEndpoint)
	}
}
