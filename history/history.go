/*
Package history defines the time-scoped store that holds the canonical
identities of assets and sessions.

The store keeps two logical relations:

	asset_history(asset_descriptor, canonical_asset_id, valid_from, valid_to)
	session_history(asset_id, session_descriptor, node_type, canonical_id, valid_from, valid_to, last_seen)

Each row is an interval of time during which a scope (an asset descriptor, or a
session descriptor on an asset) denotes a single canonical identity. Intervals
are half-open: an interval covers the timestamp at when

	valid_from <= at AND (valid_to IS NULL OR at < valid_to)

A NULL valid_to marks an open interval. Opening a new interval for a scope
closes the interval it supersedes, so the intervals of a scope never overlap
when written through this package.

Callers acquire a Conn for the duration of a single unit of work (one event)
and release it before moving on.
*/
package history

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrNotFound is returned (possibly wrapped) by lookups when no interval covers
// the requested timestamp.
var ErrNotFound = errors.New("no covering interval")

// ErrAmbiguous is returned by lookups when more than a single interval covers
// the requested timestamp. It wraps ErrNotFound: an ambiguous scope resolves to
// nothing.
var ErrAmbiguous = fmt.Errorf("ambiguous intervals: %w", ErrNotFound)

// SessionScope identifies a session on an already-resolved asset.
type SessionScope struct {
	AssetID    string // Canonical id of the asset.
	Kind       string // Node type, e.g. "process".
	Descriptor string // Raw session identifier, e.g. a pid.
}

func (s SessionScope) String() string {
	return s.AssetID + "/" + s.Kind + "/" + s.Descriptor
}

// Interval is a single row of either relation.
type Interval struct {
	Canonical string
	ValidFrom uint64
	ValidTo   uint64 // Zero while the interval is open.
	LastSeen  uint64 // Sessions only.
}

// Open reports whether the interval has no end.
func (i Interval) Open() bool { return i.ValidTo == 0 }

// Covers reports whether the interval contains the timestamp at.
func (i Interval) Covers(at uint64) bool {
	return i.ValidFrom <= at && (i.Open() || at < i.ValidTo)
}

// Store hands out connections to a history store.
type Store interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a connection to a history store. It is not safe for concurrent use.
type Conn interface {
	// LookupAsset returns the interval of the asset with the given descriptor
	// that covers the given timestamp.
	LookupAsset(ctx context.Context, descriptor string, at uint64) (Interval, error)
	// OpenAsset starts a new interval for the descriptor at the given timestamp,
	// closing the interval it supersedes. It returns the interval starting at at,
	// whose canonical id differs from canonical when another interval already
	// started at the same timestamp.
	OpenAsset(ctx context.Context, descriptor, canonical string, at uint64) (Interval, error)

	// LookupSession returns the interval of the session that covers the given
	// timestamp.
	LookupSession(ctx context.Context, scope SessionScope, at uint64) (Interval, error)
	// OpenSession is the session counterpart of OpenAsset.
	OpenSession(ctx context.Context, scope SessionScope, canonical string, at uint64) (Interval, error)
	// TouchSession records that the session was observed at the given timestamp,
	// extending the last_seen mark of the interval covering it. It returns
	// ErrNotFound unless that interval belongs to canonical.
	TouchSession(ctx context.Context, scope SessionScope, canonical string, at uint64) error

	// Close releases the connection.
	Close(ctx context.Context) error
}

// MaxTimestamp is the latest timestamp a store accepts. Stores keep timestamps
// in signed 64-bit columns.
const MaxTimestamp = math.MaxInt64

// ErrTimestampRange is returned (wrapped) by every Conn method given a
// timestamp after MaxTimestamp.
var ErrTimestampRange = errors.New("timestamp out of range")

// CheckTimestamp returns at as an int64, or an error wrapping ErrTimestampRange
// when at is after MaxTimestamp.
func CheckTimestamp(at uint64) (int64, error) {
	if at > MaxTimestamp {
		return 0, fmt.Errorf("%w: %d", ErrTimestampRange, at)
	}
	return int64(at), nil
}

// ErrClosed is returned by operations on a Conn after it was closed.
var ErrClosed = errors.New("history: connection closed")
