/*
Package historytest provides a suite of tests designed to assess
implementations of [history.Store] (e.g. in-memory, SQLite, Neo4j).

Call historytest.Run in its own test, passing a fresh, empty store:

	func TestStore(t *testing.T) {
		store := openEmptyStore(t)
		historytest.Run(t, store)
	}

The test-cases run in order against the same store because each case relies on
the intervals written by the cases before it. Every case acquires its own
connection and closes it before the next case begins.

Specific store implementations are encouraged to perform additional tests which
are specific to the underlying database.
*/
package historytest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"testing"

	"github.com/go-digitaltwin/go-nodeidentifier/history"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// A step performs operations on a connection, reporting problems to t.
type step func(ctx context.Context, t *testing.T, c history.Conn)

type testCase struct {
	// Subtest name.
	name string
	// A path leading to the test-case's file and line in the source code.
	location string
	steps    []step
}

var (
	process = history.SessionScope{AssetID: "asset-42", Kind: "process", Descriptor: "4242"}
	file    = history.SessionScope{AssetID: "asset-42", Kind: "file", Descriptor: "4242"}
	remote  = history.SessionScope{AssetID: "asset-99", Kind: "process", Descriptor: "4242"}
)

// span returns the interval [from, to) of canonical; a zero to leaves it open.
func span(canonical string, from, to uint64) history.Interval {
	return history.Interval{Canonical: canonical, ValidFrom: from, ValidTo: to}
}

// miss is the zero Interval, expected from lookups that find nothing.
var miss history.Interval

var cases = []testCase{
	{
		name:     "lookup-unknown-asset",
		location: locateSource(),
		steps: []step{
			lookupAsset("10.0.0.5", 100, miss),
		},
	},
	{
		name:     "open-asset",
		location: locateSource(),
		steps: []step{
			openAsset("10.0.0.5", "asset-42", 150, span("asset-42", 150, 0)),
			lookupAsset("10.0.0.5", 149, miss),
			lookupAsset("10.0.0.5", 150, span("asset-42", 150, 0)),
			lookupAsset("10.0.0.5", 200, span("asset-42", 150, 0)),
			lookupAsset("10.0.0.5", 1<<40, span("asset-42", 150, 0)),
			lookupAsset("10.0.0.6", 200, miss),
		},
	},
	{
		name:     "reopen-asset-same-timestamp",
		location: locateSource(),
		steps: []step{
			// the interval already starting at 150 wins
			openAsset("10.0.0.5", "asset-43", 150, span("asset-42", 150, 0)),
			lookupAsset("10.0.0.5", 150, span("asset-42", 150, 0)),
		},
	},
	{
		name:     "supersede-asset",
		location: locateSource(),
		steps: []step{
			openAsset("10.0.0.5", "asset-99", 300, span("asset-99", 300, 0)),
			lookupAsset("10.0.0.5", 299, span("asset-42", 150, 300)),
			lookupAsset("10.0.0.5", 300, span("asset-99", 300, 0)),
			lookupAsset("10.0.0.5", 5000, span("asset-99", 300, 0)),
		},
	},
	{
		name:     "open-asset-before-history",
		location: locateSource(),
		steps: []step{
			openAsset("10.0.0.5", "asset-7", 100, span("asset-7", 100, 150)),
			lookupAsset("10.0.0.5", 99, miss),
			lookupAsset("10.0.0.5", 149, span("asset-7", 100, 150)),
			lookupAsset("10.0.0.5", 150, span("asset-42", 150, 300)),
		},
	},
	{
		name:     "open-asset-inside-interval",
		location: locateSource(),
		steps: []step{
			openAsset("10.0.0.5", "asset-8", 200, span("asset-8", 200, 300)),
			lookupAsset("10.0.0.5", 199, span("asset-42", 150, 200)),
			lookupAsset("10.0.0.5", 250, span("asset-8", 200, 300)),
			lookupAsset("10.0.0.5", 300, span("asset-99", 300, 0)),
		},
	},
	{
		name:     "lookup-unknown-session",
		location: locateSource(),
		steps: []step{
			lookupSession(process, 100, miss),
			touchSession(process, "proc-1", 100, history.ErrNotFound),
		},
	},
	{
		name:     "open-session",
		location: locateSource(),
		steps: []step{
			openSession(process, "proc-1", 100, span("proc-1", 100, 0)),
			lookupSession(process, 100, span("proc-1", 100, 0)),
			lookupSession(process, 180, span("proc-1", 100, 0)),
			touchSession(process, "proc-1", 180, nil),
			// scopes differ by kind and by asset
			lookupSession(file, 180, miss),
			lookupSession(remote, 180, miss),
		},
	},
	{
		name:     "supersede-session",
		location: locateSource(),
		steps: []step{
			openSession(process, "proc-2", 200, span("proc-2", 200, 0)),
			lookupSession(process, 199, span("proc-1", 100, 200)),
			lookupSession(process, 200, span("proc-2", 200, 0)),
			openSession(process, "proc-3", 200, span("proc-2", 200, 0)),
			touchSession(process, "proc-1", 150, nil),
			touchSession(process, "proc-1", 99, history.ErrNotFound),
			// the interval covering 250 belongs to another session
			touchSession(process, "proc-1", 250, history.ErrNotFound),
			touchSession(process, "proc-2", 250, nil),
		},
	},
	{
		name:     "timestamp-out-of-range",
		location: locateSource(),
		steps: []step{
			rejectTimestamp("LookupAsset", func(ctx context.Context, c history.Conn, at uint64) error {
				_, err := c.LookupAsset(ctx, "10.0.0.5", at)
				return err
			}),
			rejectTimestamp("OpenAsset", func(ctx context.Context, c history.Conn, at uint64) error {
				_, err := c.OpenAsset(ctx, "10.0.0.5", "asset-0", at)
				return err
			}),
			rejectTimestamp("LookupSession", func(ctx context.Context, c history.Conn, at uint64) error {
				_, err := c.LookupSession(ctx, process, at)
				return err
			}),
			rejectTimestamp("OpenSession", func(ctx context.Context, c history.Conn, at uint64) error {
				_, err := c.OpenSession(ctx, process, "proc-0", at)
				return err
			}),
			rejectTimestamp("TouchSession", func(ctx context.Context, c history.Conn, at uint64) error {
				return c.TouchSession(ctx, process, "proc-2", at)
			}),
			// nothing was written
			lookupAsset("10.0.0.5", 5000, span("asset-99", 300, 0)),
			lookupSession(process, 5000, span("proc-2", 200, 0)),
		},
	},
}

// Run runs the conformance suite against store, which must be empty.
func Run(t *testing.T, store history.Store) {
	t.Helper()

	// Stores should not depend on specific context values.
	ctx := context.Background()

	for _, c := range cases {
		t.Logf("Read the source for test-case %v at %v", c.name, c.location)
		conn, err := store.Connect(ctx)
		if err != nil {
			t.Fatalf("Connect(%v) failed: %v", c.name, err)
		}
		for _, s := range c.steps {
			s(ctx, t, conn)
		}
		if err := conn.Close(ctx); err != nil {
			t.Fatalf("Close(%v) failed: %v", c.name, err)
		}
		// Later cases depend on the writes of earlier ones.
		if t.Failed() {
			t.Fatalf("Stopping after test-case %v failed", c.name)
		}
	}

	t.Run("closed-connection", func(t *testing.T) {
		conn, err := store.Connect(ctx)
		if err != nil {
			t.Fatal("Connect failed:", err)
		}
		if err := conn.Close(ctx); err != nil {
			t.Fatal("Close failed:", err)
		}
		if _, err := conn.LookupAsset(ctx, "10.0.0.5", 200); err == nil || errors.Is(err, history.ErrNotFound) {
			t.Errorf("LookupAsset on a closed connection: got error %v, want a connection error", err)
		}
	})
}

func lookupAsset(descriptor string, at uint64, want history.Interval) step {
	return func(ctx context.Context, t *testing.T, c history.Conn) {
		t.Helper()
		got, err := c.LookupAsset(ctx, descriptor, at)
		checkLookup(t, fmt.Sprintf("LookupAsset(%q, %d)", descriptor, at), got, err, want)
	}
}

func openAsset(descriptor, canonical string, at uint64, want history.Interval) step {
	return func(ctx context.Context, t *testing.T, c history.Conn) {
		t.Helper()
		got, err := c.OpenAsset(ctx, descriptor, canonical, at)
		checkOpen(t, fmt.Sprintf("OpenAsset(%q, %q, %d)", descriptor, canonical, at), got, err, want)
	}
}

func lookupSession(scope history.SessionScope, at uint64, want history.Interval) step {
	return func(ctx context.Context, t *testing.T, c history.Conn) {
		t.Helper()
		got, err := c.LookupSession(ctx, scope, at)
		checkLookup(t, fmt.Sprintf("LookupSession(%v, %d)", scope, at), got, err, want)
	}
}

func openSession(scope history.SessionScope, canonical string, at uint64, want history.Interval) step {
	return func(ctx context.Context, t *testing.T, c history.Conn) {
		t.Helper()
		got, err := c.OpenSession(ctx, scope, canonical, at)
		checkOpen(t, fmt.Sprintf("OpenSession(%v, %q, %d)", scope, canonical, at), got, err, want)
	}
}

func touchSession(scope history.SessionScope, canonical string, at uint64, want error) step {
	return func(ctx context.Context, t *testing.T, c history.Conn) {
		t.Helper()
		err := c.TouchSession(ctx, scope, canonical, at)
		if !errors.Is(err, want) {
			t.Errorf("TouchSession(%v, %q, %d) error = %v, want %v", scope, canonical, at, err, want)
		}
	}
}

// rejectTimestamp expects call to fail with ErrTimestampRange for timestamps
// past MaxTimestamp.
func rejectTimestamp(name string, call func(ctx context.Context, c history.Conn, at uint64) error) step {
	return func(ctx context.Context, t *testing.T, c history.Conn) {
		t.Helper()
		for _, at := range []uint64{history.MaxTimestamp + 1, math.MaxUint64} {
			if err := call(ctx, c, at); !errors.Is(err, history.ErrTimestampRange) {
				t.Errorf("%v(%d) error = %v, want %v", name, at, err, history.ErrTimestampRange)
			}
		}
	}
}

// Only the bounds and canonical id are compared; last_seen is checked by
// store-specific tests.
var ignoreLastSeen = cmpopts.IgnoreFields(history.Interval{}, "LastSeen")

// checkLookup expects a miss when want is the zero Interval.
func checkLookup(t *testing.T, call string, got history.Interval, err error, want history.Interval) {
	t.Helper()
	switch {
	case want == miss && !errors.Is(err, history.ErrNotFound):
		t.Errorf("%v = %v, %v; want %v", call, got, err, history.ErrNotFound)
	case want != miss && err != nil:
		t.Errorf("%v failed: %v", call, err)
	case want != miss:
		if diff := cmp.Diff(want, got, ignoreLastSeen); diff != "" {
			t.Errorf("%v mismatch (-want +got):\n%s", call, diff)
		}
	}
}

func checkOpen(t *testing.T, call string, got history.Interval, err error, want history.Interval) {
	t.Helper()
	if err != nil {
		t.Errorf("%v failed: %v", call, err)
	} else if diff := cmp.Diff(want, got, ignoreLastSeen); diff != "" {
		t.Errorf("%v mismatch (-want +got):\n%s", call, diff)
	}
}

// Call this function to set the location of every test-case in the source file.
// The returned string guides developers of history stores to the appropriate
// test-case.
func locateSource() (path string) {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		panic("runtime.Caller failed")
	}
	return fmt.Sprintf("%v:%v", file, line)
}
