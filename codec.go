package nodeidentifier

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The wire format follows the protocol-buffers encoding, written and read with
// protowire so the output is deterministic: nodes are sorted by key and edges by
// (from, name, to). The message layout is:
//
//	Batch     { repeated Subgraph subgraphs = 1; }
//	Subgraph  { uint64 timestamp = 1; repeated Node nodes = 2; repeated Edge edges = 3; }
//	Node      { uint32 kind = 1; string key = 2; uint64 seen = 3; <kind-specific fields from 10> }
//	Edge      { string name = 1; string from = 2; string to = 3; }
//
// Decoders skip unknown fields. Subgraph timestamps beyond the int64 range are
// rejected, as no history store can hold them.
const (
	fieldBatchSubgraphs protowire.Number = 1

	fieldGraphTimestamp protowire.Number = 1
	fieldGraphNode      protowire.Number = 2
	fieldGraphEdge      protowire.Number = 3

	fieldNodeKind protowire.Number = 1
	fieldNodeKey  protowire.Number = 2
	fieldNodeSeen protowire.Number = 3

	fieldEdgeName protowire.Number = 1
	fieldEdgeFrom protowire.Number = 2
	fieldEdgeTo   protowire.Number = 3
)

// Encode returns the deterministic binary encoding of g. Equal graphs always
// produce equal bytes.
func Encode(g *Subgraph) ([]byte, error) {
	return appendSubgraph(nil, g)
}

// EncodeBatch encodes a list of subgraphs as a single message, preserving
// their order.
func EncodeBatch(graphs []*Subgraph) ([]byte, error) {
	var b []byte
	for i, g := range graphs {
		m, err := appendSubgraph(nil, g)
		if err != nil {
			return nil, fmt.Errorf("subgraph %d: %w", i, err)
		}
		b = protowire.AppendTag(b, fieldBatchSubgraphs, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b, nil
}

func appendSubgraph(b []byte, g *Subgraph) ([]byte, error) {
	b = protowire.AppendTag(b, fieldGraphTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, g.Timestamp)

	for _, key := range g.SortedKeys() {
		n := g.Nodes[key]
		if n.NodeKey() != key {
			return nil, fmt.Errorf("node stored under %q has key %q", key, n.NodeKey())
		}
		m, err := appendNode(nil, n)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", key, err)
		}
		b = protowire.AppendTag(b, fieldGraphNode, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	for _, e := range g.SortedEdges() {
		var m []byte
		m = appendString(m, fieldEdgeName, e.Name)
		m = appendString(m, fieldEdgeFrom, e.From)
		m = appendString(m, fieldEdgeTo, e.To)
		b = protowire.AppendTag(b, fieldGraphEdge, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b, nil
}

func appendNode(b []byte, n Node) ([]byte, error) {
	b = appendUint(b, fieldNodeKind, uint64(n.Kind()))
	b = appendString(b, fieldNodeKey, n.NodeKey())
	b = appendUint(b, fieldNodeSeen, n.ObservedAt())

	switch x := n.(type) {
	case *AssetNode:
		b = appendString(b, 10, x.IP)
		b = appendString(b, 11, x.Hostname)
	case *ProcessNode:
		b = appendString(b, 10, x.Asset)
		b = appendUint(b, 11, x.PID)
		b = appendString(b, 12, x.Name)
		b = appendUint(b, 13, x.CreatedAt)
		b = appendUint(b, 14, x.TerminatedAt)
	case *FileNode:
		b = appendString(b, 10, x.Asset)
		b = appendString(b, 11, x.Path)
		b = appendUint(b, 12, x.Inode)
		b = appendUint(b, 13, x.CreatedAt)
		b = appendUint(b, 14, x.DeletedAt)
	case *ConnectionNode:
		b = appendString(b, 10, x.Asset)
		b = appendString(b, 11, x.Protocol)
		b = appendString(b, 12, x.LocalAddr)
		b = appendUint(b, 13, x.LocalPort)
		b = appendString(b, 14, x.RemoteAddr)
		b = appendUint(b, 15, x.RemotePort)
	default:
		return nil, fmt.Errorf("unsupported node type %T", n)
	}
	return b, nil
}

// Zero values are omitted from the encoding, like proto3 scalars.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// ErrMalformed is returned (wrapped) when decoding bytes that are not a valid
// encoding.
var ErrMalformed = errors.New("malformed encoding")

// Decode parses a Subgraph previously encoded by Encode.
func Decode(b []byte) (*Subgraph, error) {
	g := NewSubgraph(0)
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldGraphTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > math.MaxInt64 {
				return 0, fmt.Errorf("%w: timestamp %d out of range", ErrMalformed, v)
			}
			g.Timestamp = v
			return n, nil
		case num == fieldGraphNode && typ == protowire.BytesType:
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			node, err := decodeNode(m)
			if err != nil {
				return 0, err
			}
			if _, dup := g.Nodes[node.NodeKey()]; dup {
				return 0, fmt.Errorf("%w: duplicate node key %q", ErrMalformed, node.NodeKey())
			}
			g.AddNode(node)
			return n, nil
		case num == fieldGraphEdge && typ == protowire.BytesType:
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var e Edge
			err := consumeFields(m, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				var dst *string
				switch num {
				case fieldEdgeName:
					dst = &e.Name
				case fieldEdgeFrom:
					dst = &e.From
				case fieldEdgeTo:
					dst = &e.To
				default:
					return protowire.ConsumeFieldValue(num, typ, b), nil
				}
				return consumeString(typ, b, dst)
			})
			if err != nil {
				return 0, fmt.Errorf("edge: %w", err)
			}
			g.AddEdge(e.Name, e.From, e.To)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// DecodeBatch parses a list of subgraphs previously encoded by EncodeBatch.
func DecodeBatch(b []byte) ([]*Subgraph, error) {
	var graphs []*Subgraph
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldBatchSubgraphs || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		m, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		g, err := Decode(m)
		if err != nil {
			return 0, fmt.Errorf("subgraph %d: %w", len(graphs), err)
		}
		graphs = append(graphs, g)
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return graphs, nil
}

func decodeNode(b []byte) (Node, error) {
	var (
		kind NodeKind
		key  string
		seen uint64
	)
	// The kind must be known before the kind-specific fields can be parsed, so
	// the envelope is read in a first pass.
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldNodeKind:
			var v uint64
			n, err := consumeUint(typ, b, &v)
			kind = NodeKind(v)
			return n, err
		case fieldNodeKey:
			return consumeString(typ, b, &key)
		case fieldNodeSeen:
			return consumeUint(typ, b, &seen)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	node := newNode(kind)
	if node == nil {
		return nil, fmt.Errorf("%w: node %q has unknown kind %v", ErrMalformed, key, kind)
	}
	node.SetNodeKey(key)

	strings, uints := nodeFields(node)
	err = consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldNodeSeen {
			return consumeUint(typ, b, nodeSeen(node))
		}
		if dst, ok := strings[num]; ok {
			return consumeString(typ, b, dst)
		}
		if dst, ok := uints[num]; ok {
			return consumeUint(typ, b, dst)
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", key, err)
	}
	return node, nil
}

// nodeFields maps the kind-specific field numbers of n to the fields they
// populate. It mirrors appendNode.
func nodeFields(n Node) (map[protowire.Number]*string, map[protowire.Number]*uint64) {
	switch x := n.(type) {
	case *AssetNode:
		return map[protowire.Number]*string{10: &x.IP, 11: &x.Hostname}, nil
	case *ProcessNode:
		return map[protowire.Number]*string{10: &x.Asset, 12: &x.Name},
			map[protowire.Number]*uint64{11: &x.PID, 13: &x.CreatedAt, 14: &x.TerminatedAt}
	case *FileNode:
		return map[protowire.Number]*string{10: &x.Asset, 11: &x.Path},
			map[protowire.Number]*uint64{12: &x.Inode, 13: &x.CreatedAt, 14: &x.DeletedAt}
	case *ConnectionNode:
		return map[protowire.Number]*string{10: &x.Asset, 11: &x.Protocol, 12: &x.LocalAddr, 14: &x.RemoteAddr},
			map[protowire.Number]*uint64{13: &x.LocalPort, 15: &x.RemotePort}
	default:
		return nil, nil
	}
}

func nodeSeen(n Node) *uint64 {
	switch x := n.(type) {
	case *AssetNode:
		return &x.Seen
	case *ProcessNode:
		return &x.Seen
	case *FileNode:
		return &x.Seen
	case *ConnectionNode:
		return &x.Seen
	default:
		panic(fmt.Sprintf("nodeidentifier: unsupported node type %T", n))
	}
}

// consumeFields iterates over the fields of a message. The callback consumes
// the value of a single field, returning the number of bytes it consumed (or a
// negative protowire error code).
func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("%w: want bytes, got wire type %v", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}

func consumeUint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: want varint, got wire type %v", ErrMalformed, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n, nil
}
