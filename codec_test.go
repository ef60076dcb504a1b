package nodeidentifier

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

func exampleSubgraph() *Subgraph {
	g := NewSubgraph(1_700_000_000)
	g.AddNode(&AssetNode{Envelope: Envelope{ID: "a", Seen: 1_700_000_000}, IP: "10.0.0.5", Hostname: "web-1"})
	g.AddNode(&ProcessNode{Envelope: Envelope{ID: "p", Seen: 1_700_000_000}, Asset: "a", PID: 4242, Name: "curl", CreatedAt: 1_699_999_990})
	g.AddNode(&FileNode{Envelope: Envelope{ID: "f", Seen: 1_700_000_001}, Asset: "a", Path: "/usr/bin/curl", Inode: 77})
	g.AddNode(&ConnectionNode{Envelope: Envelope{ID: "c", Seen: 1_700_000_002}, Asset: "a", Protocol: "tcp",
		LocalAddr: "10.0.0.5", LocalPort: 50123, RemoteAddr: "93.184.216.34", RemotePort: 443})
	g.AddEdge("bin_file", "p", "f")
	g.AddEdge("connections", "p", "c")
	g.AddEdge("asset_processes", "a", "p")
	return g
}

func TestDecode_reconstructsEncode(t *testing.T) {
	want := exampleSubgraph()
	b, err := Encode(want)
	if err != nil {
		t.Fatal("Encode:", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatal("Decode:", err)
	}
	if diff := cmp.Diff(membershipOf(want), membershipOf(got)); diff != "" {
		t.Errorf("Decode(Encode(g)) mismatch (-want +got):\n%s", diff)
	}
}

// Publishing relies on equal graphs producing equal bytes, regardless of the
// order in which their maps were populated.
func TestEncode_deterministic(t *testing.T) {
	g1 := exampleSubgraph()

	g2 := NewSubgraph(g1.Timestamp)
	for _, key := range []string{"c", "f", "p", "a"} {
		g2.AddNode(CloneNode(g1.Nodes[key]))
	}
	g2.AddEdge("asset_processes", "a", "p")
	g2.AddEdge("connections", "p", "c")
	g2.AddEdge("bin_file", "p", "f")

	b1, err := Encode(g1)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := Encode(g2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b1, b2) {
		t.Error("Encode produced different bytes for equal graphs")
	}
	if ObjectKeyOf(b1) != ObjectKeyOf(b2) {
		t.Error("ObjectKeyOf differs for equal graphs")
	}
}

func TestEncode_keyMismatch(t *testing.T) {
	g := NewSubgraph(1)
	g.Nodes["stale"] = &AssetNode{Envelope: Envelope{ID: "fresh"}}
	if _, err := Encode(g); err == nil {
		t.Error("Encode succeeded with a node stored under a stale key")
	}
}

func TestDecodeBatch(t *testing.T) {
	g1 := exampleSubgraph()
	g2 := NewSubgraph(5)
	g2.AddNode(&AssetNode{Envelope: Envelope{ID: "x", Seen: 5}, Hostname: "db-1"})

	b, err := EncodeBatch([]*Subgraph{g1, g2})
	if err != nil {
		t.Fatal("EncodeBatch:", err)
	}
	graphs, err := DecodeBatch(b)
	if err != nil {
		t.Fatal("DecodeBatch:", err)
	}
	if len(graphs) != 2 {
		t.Fatalf("DecodeBatch returned %d subgraphs, want 2", len(graphs))
	}
	if diff := cmp.Diff(membershipOf(g2), membershipOf(graphs[1])); diff != "" {
		t.Errorf("second subgraph mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_skipsUnknownFields(t *testing.T) {
	want := exampleSubgraph()
	b, err := Encode(want)
	if err != nil {
		t.Fatal(err)
	}
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "from a newer producer")

	got, err := Decode(b)
	if err != nil {
		t.Fatal("Decode:", err)
	}
	if diff := cmp.Diff(membershipOf(want), membershipOf(got)); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_malformed(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{name: "TruncatedTag", input: []byte{0x80}},
		{name: "TruncatedNode", input: protowire.AppendTag(nil, fieldGraphNode, protowire.BytesType)},
		{name: "TimestampOutOfRange", input: appendUint(nil, fieldGraphTimestamp, 1<<63)},
		{name: "UnknownKind", input: func() []byte {
			m := appendUint(nil, fieldNodeKind, 200)
			b := protowire.AppendTag(nil, fieldGraphNode, protowire.BytesType)
			return protowire.AppendBytes(b, m)
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Decode() error = %v, want %v", err, ErrMalformed)
			}
		})
	}
}
