package nodeidentifier

import (
	"fmt"
	"reflect"
)

// MergeNodes returns a new node combining the properties of a and b, which are
// expected to share a key.
//
// The node observed later wins every conflicting property; properties that the
// winner lacks (zero values) are taken from the other node. Nodes of one kind
// observed at the same timestamp are combined field by field, keeping the
// greater value of each property (strings compare lexically).
//
// MergeNodes is commutative. For nodes of one kind it is also associative when
// the nodes share an observation timestamp or all have distinct ones, so a set
// of such nodes merges to the same node in any order.
//
// Nodes of different kinds are not combined at all; the winner is returned
// as is.
func MergeNodes(a, b Node) Node {
	if a.ObservedAt() == b.ObservedAt() && a.Kind() == b.Kind() {
		return mergeGreatest(a, b)
	}

	winner, loser := a, b
	if precedes(a, b) {
		winner, loser = b, a
	}

	merged := CloneNode(winner)
	if winner.Kind() != loser.Kind() {
		return merged
	}

	dst := reflect.ValueOf(merged).Elem()
	src := reflect.ValueOf(loser).Elem()
	for i := 0; i < dst.NumField(); i++ {
		if dst.Type().Field(i).Anonymous {
			continue // the Envelope of the winner is kept whole
		}
		if f := dst.Field(i); f.IsZero() {
			f.Set(src.Field(i))
		}
	}
	return merged
}

// mergeGreatest combines two nodes of one kind and timestamp, keeping the
// greater value of every field.
func mergeGreatest(a, b Node) Node {
	merged := CloneNode(a)
	if b.NodeKey() > a.NodeKey() {
		merged.SetNodeKey(b.NodeKey())
	}

	dst := reflect.ValueOf(merged).Elem()
	src := reflect.ValueOf(b).Elem()
	for i := 0; i < dst.NumField(); i++ {
		if dst.Type().Field(i).Anonymous {
			continue
		}
		if f, v := dst.Field(i), src.Field(i); greater(v, f) {
			f.Set(v)
		}
	}
	return merged
}

// greater reports whether x > y, for values of one of the property kinds nodes
// are made of.
func greater(x, y reflect.Value) bool {
	switch x.Kind() {
	case reflect.String:
		return x.String() > y.String()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return x.Uint() > y.Uint()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return x.Int() > y.Int()
	case reflect.Bool:
		return x.Bool() && !y.Bool()
	default:
		// a developer error: node properties are scalars
		panic(fmt.Sprintf("nodeidentifier: cannot order node property of kind %v", x.Kind()))
	}
}

// precedes reports whether a loses a conflict against b.
func precedes(a, b Node) bool {
	if a.ObservedAt() != b.ObservedAt() {
		return a.ObservedAt() < b.ObservedAt()
	}
	return a.Kind() < b.Kind()
}
