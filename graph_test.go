package nodeidentifier

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSubgraph_AddEdge(t *testing.T) {
	g := NewSubgraph(100)
	g.AddEdge("children", "p1", "p2")
	g.AddEdge("children", "p1", "p3")
	g.AddEdge("created_files", "p2", "f1")

	want := map[string][]Edge{
		"p1": {{Name: "children", From: "p1", To: "p2"}, {Name: "children", From: "p1", To: "p3"}},
		"p2": {{Name: "created_files", From: "p2", To: "f1"}},
	}
	if diff := cmp.Diff(want, g.Edges); diff != "" {
		t.Errorf("Edges mismatch (-want +got):\n%s", diff)
	}
	if got := g.EdgeCount(); got != 3 {
		t.Errorf("EdgeCount() = %d, want 3", got)
	}
}

func TestSubgraph_IsEmpty(t *testing.T) {
	g := NewSubgraph(1)
	if !g.IsEmpty() {
		t.Error("new subgraph is not empty")
	}
	g.AddNode(&AssetNode{Envelope: Envelope{ID: "a"}})
	if g.IsEmpty() {
		t.Error("subgraph with a node is empty")
	}
}

// membership captures what Merge must keep independent of call order.
type membership struct {
	Timestamp uint64
	Nodes     map[string]Node
	Edges     []Edge
}

func membershipOf(g *Subgraph) membership {
	return membership{Timestamp: g.Timestamp, Nodes: g.Nodes, Edges: g.SortedEdges()}
}

func TestSubgraph_Merge(t *testing.T) {
	build := func() (g1, g2 *Subgraph) {
		g1 = NewSubgraph(200)
		g1.AddNode(&AssetNode{Envelope: Envelope{ID: "asset-1", Seen: 200}, IP: "10.0.0.5"})
		g1.AddNode(&ProcessNode{Envelope: Envelope{ID: "proc-1", Seen: 200}, Asset: "asset-1", PID: 42, Name: "sshd"})
		g1.AddEdge("asset_processes", "asset-1", "proc-1")

		g2 = NewSubgraph(100)
		g2.AddNode(&AssetNode{Envelope: Envelope{ID: "asset-1", Seen: 100}, IP: "10.0.0.5", Hostname: "web-1"})
		g2.AddNode(&ProcessNode{Envelope: Envelope{ID: "proc-1", Seen: 100}, Asset: "asset-1", PID: 42, Name: "bash", CreatedAt: 90})
		g2.AddNode(&FileNode{Envelope: Envelope{ID: "file-1", Seen: 100}, Asset: "asset-1", Path: "/tmp/x", Inode: 7})
		g2.AddEdge("asset_processes", "asset-1", "proc-1")
		g2.AddEdge("created_files", "proc-1", "file-1")
		return g1, g2
	}

	a1, a2 := build()
	a1.Merge(a2)
	b1, b2 := build()
	b2.Merge(b1)

	if diff := cmp.Diff(membershipOf(a1), membershipOf(b2)); diff != "" {
		t.Errorf("Merge is order-sensitive (-g1.Merge(g2) +g2.Merge(g1)):\n%s", diff)
	}

	want := membership{
		Timestamp: 100,
		Nodes: map[string]Node{
			"asset-1": &AssetNode{Envelope: Envelope{ID: "asset-1", Seen: 200}, IP: "10.0.0.5", Hostname: "web-1"},
			"proc-1":  &ProcessNode{Envelope: Envelope{ID: "proc-1", Seen: 200}, Asset: "asset-1", PID: 42, Name: "sshd", CreatedAt: 90},
			"file-1":  &FileNode{Envelope: Envelope{ID: "file-1", Seen: 100}, Asset: "asset-1", Path: "/tmp/x", Inode: 7},
		},
		Edges: []Edge{
			{Name: "asset_processes", From: "asset-1", To: "proc-1"},
			{Name: "created_files", From: "proc-1", To: "file-1"},
		},
	}
	if diff := cmp.Diff(want, membershipOf(a1)); diff != "" {
		t.Errorf("Merge mismatch (-want +got):\n%s", diff)
	}
}

func TestSubgraph_Merge_copiesNodes(t *testing.T) {
	src := NewSubgraph(1)
	src.AddNode(&ProcessNode{Envelope: Envelope{ID: "p", Seen: 1}, PID: 1})

	dst := NewSubgraph(1)
	dst.Merge(src)
	src.Nodes["p"].(*ProcessNode).PID = 2

	if got := dst.Nodes["p"].(*ProcessNode).PID; got != 1 {
		t.Errorf("merged node aliases its source: PID = %d, want 1", got)
	}
}

func TestMergeNodes_sameTimestamp(t *testing.T) {
	a := &ProcessNode{Envelope: Envelope{ID: "p", Seen: 5}, PID: 1, Name: "a"}
	b := &ProcessNode{Envelope: Envelope{ID: "p", Seen: 5}, PID: 1, Name: "b", CreatedAt: 3}

	ab := MergeNodes(a, b)
	ba := MergeNodes(b, a)
	if diff := cmp.Diff(ab, ba); diff != "" {
		t.Errorf("MergeNodes is order-sensitive on equal timestamps:\n%s", diff)
	}
	if got := ab.(*ProcessNode).CreatedAt; got != 3 {
		t.Errorf("CreatedAt = %d, want 3 (union of properties)", got)
	}
}

// Nodes sharing a timestamp merge to the same node in any order.
func TestMergeNodes_sameTimestampAnyOrder(t *testing.T) {
	nodes := []Node{
		&ProcessNode{Envelope: Envelope{ID: "p", Seen: 10}, Name: "a", CreatedAt: 0, TerminatedAt: 7},
		&ProcessNode{Envelope: Envelope{ID: "p", Seen: 10}, Name: "b", CreatedAt: 5, TerminatedAt: 0},
		&ProcessNode{Envelope: Envelope{ID: "p", Seen: 10}, Name: "", CreatedAt: 9, TerminatedAt: 3},
	}
	want := Node(&ProcessNode{Envelope: Envelope{ID: "p", Seen: 10}, Name: "b", CreatedAt: 9, TerminatedAt: 7})

	orders := [][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, o := range orders {
		x, y, z := nodes[o[0]], nodes[o[1]], nodes[o[2]]
		if diff := cmp.Diff(want, MergeNodes(MergeNodes(x, y), z)); diff != "" {
			t.Errorf("((%d %d) %d) mismatch (-want +got):\n%s", o[0], o[1], o[2], diff)
		}
		if diff := cmp.Diff(want, MergeNodes(x, MergeNodes(y, z))); diff != "" {
			t.Errorf("(%d (%d %d)) mismatch (-want +got):\n%s", o[0], o[1], o[2], diff)
		}
	}
}

func TestMergeNodes_differentKinds(t *testing.T) {
	a := &AssetNode{Envelope: Envelope{ID: "k", Seen: 1}, IP: "10.0.0.1"}
	b := &ProcessNode{Envelope: Envelope{ID: "k", Seen: 2}, PID: 9}

	got := MergeNodes(a, b)
	if diff := cmp.Diff(Node(b), got); diff != "" {
		t.Errorf("MergeNodes mismatch (-want +got):\n%s", diff)
	}
	if got == Node(b) {
		t.Error("MergeNodes returned its argument instead of a copy")
	}
}
