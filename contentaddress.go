package nodeidentifier

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"reflect"
	"sort"

	"github.com/mr-tron/base58"
)

// ContentAddress returns a NodeHash for the given node.
//
// The hash is computed by a reflection-based algorithm over the node's exported
// fields (irrespective of their order), salted with the node's Go type. The
// embedded Envelope takes no part in the hash: two nodes of the same kind with
// the same properties share a content address regardless of their keys and
// observation timestamps.
//
// Content addresses tell apart nodes that share a canonical key but disagree on
// their properties; the hash must remain stable as the software evolves. A
// content-address should change if:
//
//   - the Go type changes its name
//   - the Go type moves between packages
//   - the Go type adds or removes exported fields
//   - the Go type renames an exported field
//
// It should not change if the Go type reorders its exported fields.
func ContentAddress(node Node) (NodeHash, error) {
	v := reflect.ValueOf(node)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	h := newNodeHash(v.Type())
	if err := reflectiveContentAddress(h, v); err != nil {
		return NodeHash{}, err
	}
	return NodeHash(h.Sum(nil)), nil
}

func MustContentAddress(node Node) NodeHash {
	h, err := ContentAddress(node)
	if err != nil {
		panic(fmt.Sprintf("nodeidentifier: un-hashable node (type %T): %v", node, err))
	}
	return h
}

func reflectiveContentAddress(digest hash.Hash, node reflect.Value) error {
	if node.Kind() != reflect.Struct {
		panic("nodeidentifier: reflection-based content-address supports only structs; got " + node.Kind().String())
	}

	fields := reflect.VisibleFields(node.Type())
	// sort fields by name to ensure a stable hash, regardless of the order in which
	// fields are defined in the struct.
	sort.Slice(fields, func(i, j int) bool {
		return fields[i].Name < fields[j].Name
	})

	for _, field := range fields {
		if !field.IsExported() || len(field.Index) > 1 {
			// promoted fields are hashed as part of their embedding struct
			continue
		}
		// explicitly ignore the embedded Envelope; keys and timestamps are not content
		if field.Anonymous && field.Type == reflect.TypeOf(Envelope{}) {
			continue
		}

		// hash should be different if the field name changes
		digest.Write([]byte(field.Name))

		value := node.FieldByIndex(field.Index)
		switch value.Kind() {
		case reflect.Struct:
			err := reflectiveContentAddress(digest, value)
			if err != nil {
				return fmt.Errorf("struct field %s: %w", field.Name, err)
			}
		case reflect.String:
			// length-prefix strings so adjacent fields cannot collide
			buf := make([]byte, binary.MaxVarintLen64)
			n := binary.PutUvarint(buf, uint64(value.Len()))
			digest.Write(buf[:n])
			digest.Write([]byte(value.String()))
		case reflect.Int:
			// int is variable-size based on the architecture it is compiled for,
			// so to be consistent across architectures we convert to int64
			buf := make([]byte, binary.MaxVarintLen64)
			n := binary.PutVarint(buf, value.Int())
			digest.Write(buf[:n])
		case reflect.Uint:
			buf := make([]byte, binary.MaxVarintLen64)
			n := binary.PutUvarint(buf, value.Uint())
			digest.Write(buf[:n])
		case reflect.Bool, reflect.Float32, reflect.Float64,
			reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			// binary package handles fixed-size signed/unsigned integers, floats and booleans
			err := binary.Write(digest, binary.BigEndian, value.Interface())
			if err != nil {
				return fmt.Errorf("field %s: %w", field.Name, err)
			}
		default:
			// node variants hold scalar fields only
			return fmt.Errorf("field %s: unsupported %s %v", field.Name, value.Kind(), value.Type())
		}
	}

	return nil
}

// newNodeHash returns a hash salted by the given node type. Callers are
// expected to write to the returned hash.Hash in order to compute their
// content-address sum.
func newNodeHash(t reflect.Type) hash.Hash {
	h := sha256.New()
	h.Write([]byte(t.PkgPath())) // type-preamble
	h.Write([]byte(t.Name()))
	return h
}

// NodeHash is a consistent hash (i.e., content address) over a node's
// properties. It is independent of the node's key, so it identifies equal
// observations across events.
type NodeHash contentAddress

func (h NodeHash) MarshalText() ([]byte, error)     { return contentAddress(h).MarshalText() }
func (h *NodeHash) UnmarshalText(text []byte) error { return (*contentAddress)(h).UnmarshalText(text) }
func (h NodeHash) String() string                   { return "node(" + contentAddress(h).String() + ")" }
func (h NodeHash) IsZero() bool                     { return contentAddress(h).IsZero() }

// Compare returns an integer comparing two hashes lexicographically.
func (h NodeHash) Compare(other NodeHash) int { return bytes.Compare(h[:], other[:]) }

// ObjectKey is the content address of an encoded graph: the SHA-256 digest of
// its uncompressed encoding. Identical graphs share an ObjectKey, regardless of
// how they are compressed for storage.
type ObjectKey contentAddress

// ObjectKeyOf returns the ObjectKey of the given encoded graph.
func ObjectKeyOf(encoded []byte) ObjectKey {
	return ObjectKey(sha256.Sum256(encoded))
}

func (h ObjectKey) MarshalText() ([]byte, error) { return contentAddress(h).MarshalText() }
func (h *ObjectKey) UnmarshalText(text []byte) error {
	return (*contentAddress)(h).UnmarshalText(text)
}
func (h ObjectKey) String() string { return contentAddress(h).String() }
func (h ObjectKey) IsZero() bool   { return contentAddress(h).IsZero() }

// contentAddress is a consistent hash primitive serving as the base for strongly
// typed hashes, like NodeHash and ObjectKey.
//
// Its text form is base-58, which keeps object names short and free of
// characters that need escaping in object-storage keys.
type contentAddress [sha256.Size]byte

func (h contentAddress) MarshalText() ([]byte, error) {
	return []byte(base58.Encode(h[:])), nil
}

func (h *contentAddress) UnmarshalText(text []byte) error {
	b, err := base58.Decode(string(text))
	if err != nil {
		return fmt.Errorf("decode base58: %w", err)
	}
	if len(b) != len(h) {
		return fmt.Errorf("content address has %d bytes, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return nil
}

func (h contentAddress) String() string {
	return base58.Encode(h[:])
}

// IsZero reports whether h is the zero value of the type.
func (h contentAddress) IsZero() bool {
	return h == contentAddress{}
}
