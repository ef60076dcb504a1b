package neo4jhistory

import (
	"errors"
	"reflect"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// A errPropertyNotFound occurs when a record lacks a column.
//
// It most likely occurs when changing a Cypher query without modifying the
// surrounding code properly. Expect a panic eventually.
var errPropertyNotFound = errors.New("property not found")

// An unexpectedPropertyTypeError occurs when a column of a record has a runtime
// type that is different from the expected type.
type unexpectedPropertyTypeError struct {
	Type reflect.Type // Effective type encountered at runtime.
}

func (e unexpectedPropertyTypeError) Error() string {
	return "unexpected property type: " + e.Type.String()
}

// isDeveloperError reports whether err indicates a Cypher query that went out of
// sync with the code reading its records.
func isDeveloperError(err error) bool {
	return errors.Is(err, errPropertyNotFound) || errors.As(err, &unexpectedPropertyTypeError{})
}

// recordProperty lists the types returned by the queries of this package.
type recordProperty interface {
	string | int64
}

func getRecordProperty[T recordProperty](record *neo4j.Record, key string) (value T, err error) {
	prop, exists := record.Get(key)
	if !exists {
		return value, errPropertyNotFound
	}
	v, ok := prop.(T)
	if !ok {
		return value, unexpectedPropertyTypeError{Type: reflect.TypeOf(prop)}
	}
	return v, nil
}
