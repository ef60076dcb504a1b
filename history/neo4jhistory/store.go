/*
Package neo4jhistory implements history.Store on Neo4j.

Every interval is a node, labelled by its relation:

	(:AssetInterval {descriptor, canonical, validFrom, validTo})
	(:SessionInterval {assetId, kind, descriptor, canonical, validFrom, validTo, lastSeen})

An open interval lacks the validTo property. Call BootstrapDatabase once before
use.
*/
package neo4jhistory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-nodeidentifier/history"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	assetLabel   = "AssetInterval"
	sessionLabel = "SessionInterval"
)

// Store is a history.Store on a Neo4j database.
type Store struct {
	driver   neo4j.DriverWithContext // Connection to the neo4j server/cluster.
	database string                  // Target database name.
}

// NewStore returns a Store using the given database, which must have been
// bootstrapped.
func NewStore(driver neo4j.DriverWithContext, database string) *Store {
	return &Store{driver: driver, database: database}
}

// Connect opens a new neo4j session; each connection keeps its own session so
// that no state carries over between events.
func (s *Store) Connect(ctx context.Context) (history.Conn, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	return &conn{session: session, database: s.database}, nil
}

// A relation describes one of the interval labels.
type relation struct {
	label    string
	scope    []string // properties identifying the scope
	lastSeen bool
}

var (
	assets   = relation{label: assetLabel, scope: []string{"descriptor"}}
	sessions = relation{label: sessionLabel, scope: []string{"assetId", "kind", "descriptor"}, lastSeen: true}
)

// pattern returns a node pattern matching the scope, e.g.
// "(i:AssetInterval {descriptor: $descriptor})". Extra properties are matched
// against the parameters of the same name.
func (r relation) pattern(v string, extra ...string) string {
	var props []string
	for _, p := range append(r.scope[:len(r.scope):len(r.scope)], extra...) {
		props = append(props, p+": $"+p)
	}
	return "(" + v + ":" + r.label + " {" + strings.Join(props, ", ") + "})"
}

func assetParams(descriptor string) map[string]any {
	return map[string]any{"descriptor": descriptor}
}

func sessionParams(s history.SessionScope) map[string]any {
	return map[string]any{"assetId": s.AssetID, "kind": s.Kind, "descriptor": s.Descriptor}
}

type conn struct {
	session  neo4j.SessionWithContext
	database string
	closed   bool
}

func (c *conn) LookupAsset(ctx context.Context, descriptor string, at uint64) (history.Interval, error) {
	return c.lookup(ctx, assets, assetParams(descriptor), at)
}

func (c *conn) OpenAsset(ctx context.Context, descriptor, canonical string, at uint64) (history.Interval, error) {
	return c.open(ctx, assets, assetParams(descriptor), canonical, at)
}

func (c *conn) LookupSession(ctx context.Context, scope history.SessionScope, at uint64) (history.Interval, error) {
	return c.lookup(ctx, sessions, sessionParams(scope), at)
}

func (c *conn) OpenSession(ctx context.Context, scope history.SessionScope, canonical string, at uint64) (history.Interval, error) {
	return c.open(ctx, sessions, sessionParams(scope), canonical, at)
}

func (c *conn) TouchSession(ctx context.Context, scope history.SessionScope, canonical string, at uint64) error {
	ts, err := history.CheckTimestamp(at)
	if err != nil {
		return err
	}
	query := `
		MATCH ` + sessions.pattern("i", "canonical") + `
		WHERE i.validFrom <= $at AND (i.validTo IS NULL OR $at < i.validTo)
		SET i.lastSeen = CASE WHEN i.lastSeen < $at THEN $at ELSE i.lastSeen END
		RETURN count(i) AS touched
	`
	params := sessionParams(scope)
	params["at"] = ts
	params["canonical"] = canonical

	touched, err := execute(ctx, c, "TouchSession", func(tx neo4j.ManagedTransaction) (int64, error) {
		record, err := single(ctx, tx, query, params)
		if err != nil {
			return 0, err
		}
		return getRecordProperty[int64](record, "touched")
	})
	if err != nil {
		return err
	}
	if touched == 0 {
		return history.ErrNotFound
	}
	return nil
}

func (c *conn) Close(ctx context.Context) error {
	if c.closed {
		return history.ErrClosed
	}
	c.closed = true
	return c.session.Close(ctx)
}

// returnInterval is the RETURN clause read by recordInterval. An open interval
// reads as validTo 0, and asset intervals as lastSeen 0.
func returnInterval(v string) string {
	return "RETURN " + v + ".canonical AS canonical, " + v + ".validFrom AS validFrom, " +
		"coalesce(" + v + ".validTo, 0) AS validTo, coalesce(" + v + ".lastSeen, 0) AS lastSeen"
}

func recordInterval(record *neo4j.Record) (i history.Interval, err error) {
	if i.Canonical, err = getRecordProperty[string](record, "canonical"); err != nil {
		return i, err
	}
	for _, p := range []struct {
		key string
		dst *uint64
	}{{"validFrom", &i.ValidFrom}, {"validTo", &i.ValidTo}, {"lastSeen", &i.LastSeen}} {
		v, err := getRecordProperty[int64](record, p.key)
		if err != nil {
			return i, err
		}
		*p.dst = uint64(v)
	}
	return i, nil
}

func (c *conn) lookup(ctx context.Context, r relation, params map[string]any, at uint64) (history.Interval, error) {
	ts, err := history.CheckTimestamp(at)
	if err != nil {
		return history.Interval{}, err
	}
	query := `
		MATCH ` + r.pattern("i") + `
		WHERE i.validFrom <= $at AND (i.validTo IS NULL OR $at < i.validTo)
		` + returnInterval("i") + `
		LIMIT 2
	`
	params["at"] = ts

	found, err := execute(ctx, c, "Lookup"+r.label, func(tx neo4j.ManagedTransaction) ([]history.Interval, error) {
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, fmt.Errorf("run cypher: %w", err)
		}
		records, err := result.Collect(ctx)
		if err != nil {
			return nil, fmt.Errorf("collect records: %w", err)
		}
		found := make([]history.Interval, len(records))
		for i, record := range records {
			if found[i], err = recordInterval(record); err != nil {
				return nil, err
			}
		}
		return found, nil
	})
	if err != nil {
		return history.Interval{}, err
	}
	switch len(found) {
	case 0:
		return history.Interval{}, history.ErrNotFound
	case 1:
		return found[0], nil
	default:
		return history.Interval{}, fmt.Errorf("%w: %s at %d", history.ErrAmbiguous, r.label, at)
	}
}

// open cuts the interval covering at short and merges the interval [at, next),
// where next is the start of the following interval of the scope. MERGE leaves
// an interval already starting at at untouched; either way, that interval is
// returned.
func (c *conn) open(ctx context.Context, r relation, params map[string]any, canonical string, at uint64) (history.Interval, error) {
	ts, err := history.CheckTimestamp(at)
	if err != nil {
		return history.Interval{}, err
	}
	onCreate := "i.canonical = $canonical, i.validTo = next"
	if r.lastSeen {
		onCreate += ", i.lastSeen = $at"
	}
	query := `
		OPTIONAL MATCH ` + r.pattern("n") + ` WHERE n.validFrom > $at
		WITH min(n.validFrom) AS next
		OPTIONAL MATCH ` + r.pattern("p") + `
		WHERE p.validFrom < $at AND (p.validTo IS NULL OR p.validTo > $at)
		  AND NOT EXISTS { MATCH ` + r.pattern("e") + ` WHERE e.validFrom = $at }
		SET p.validTo = $at
		WITH DISTINCT next
		MERGE ` + r.pattern("i", "validFrom") + `
		ON CREATE SET ` + onCreate + `
		` + returnInterval("i") + `
	`
	params["at"] = ts
	params["validFrom"] = ts
	params["canonical"] = canonical

	return execute(ctx, c, "Open"+r.label, func(tx neo4j.ManagedTransaction) (history.Interval, error) {
		record, err := single(ctx, tx, query, params)
		if err != nil {
			return history.Interval{}, err
		}
		return recordInterval(record)
	})
}

// execute runs work in a write transaction, so the driver retries transient
// failures.
//
// It panics when the records returned by a query do not match the code reading
// them; this happens only when a Cypher query was modified without care.
func execute[T any](ctx context.Context, c *conn, op string, work func(tx neo4j.ManagedTransaction) (T, error)) (v T, err error) {
	if c.closed {
		return v, history.ErrClosed
	}
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("neo4j.database", c.database),
	))
	defer span.End()

	v, err = neo4j.ExecuteWrite(ctx, c.session, work)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return v, err
	} else if isDeveloperError(err) {
		component.Logger(ctx).Error("A Cypher query was modified without care", "error", err, "op", op)
		panic(fmt.Errorf("seek developer attention: neo4j cypher query: %w", err))
	} else if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return v, fmt.Errorf("neo4j execute: %w", err)
	}
	return v, nil
}

func single(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) (*neo4j.Record, error) {
	result, err := tx.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("run cypher: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return nil, fmt.Errorf("query single result: %w", err)
	}
	return record, nil
}
