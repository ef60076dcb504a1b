/*
Package identify turns event-local (ephemeral) node keys into canonical
identities and rewrites graphs accordingly.

Each event is processed in three steps:

 1. ResolveAssets resolves asset nodes against the asset history; unresolved
    assets are pruned from the event (PruneDead).
 2. ResolveSessions resolves processes, files and connections within their
    asset, through the identity cache and the session history.
 3. RemapEdges rewrites the surviving edges to canonical endpoints.

An Identifier drives these steps over a batch of events and publishes the
merged result.
*/
package identify

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-nodeidentifier"
	"github.com/go-digitaltwin/go-nodeidentifier/history"
	"github.com/go-digitaltwin/go-nodeidentifier/identitycache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPublish is returned (wrapped) by Identifier.Process when the merged graph
// could not be published. Unlike per-event errors, it fails the whole batch.
var ErrPublish = errors.New("publish merged graph")

// EventError records the failure of a single event of a batch.
type EventError struct {
	Index     int    // Position of the event in the sorted batch.
	Timestamp uint64 // Timestamp of the event.
	Err       error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("event %d (timestamp %d): %v", e.Index, e.Timestamp, e.Err)
}

func (e *EventError) Unwrap() error { return e.Err }

// Publisher stores a canonical graph, returning the name it was stored under.
type Publisher interface {
	Publish(ctx context.Context, g *nodeidentifier.Subgraph) (string, error)
}

// Identifier resolves batches of events and publishes their merged canonical
// graph.
//
// The Cache is owned by the Identifier's worker and shared by every event of
// every batch it processes.
type Identifier struct {
	Store     history.Store
	Cache     *identitycache.Cache
	Mode      Mode
	Publisher Publisher
}

// Process identifies every event of the batch, in timestamp order, and merges
// the canonical output of the successful ones into a single graph. The merged
// graph is published once, unless it is empty, even when some events failed.
//
// Per-event failures are logged and do not stop the batch. Process returns the
// last of them (as an *EventError), or an error wrapping ErrPublish when
// publishing failed. The events of the batch are rewritten in place.
func (r *Identifier) Process(ctx context.Context, batch []*nodeidentifier.Subgraph) (err error) {
	if len(batch) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "Process", trace.WithAttributes(
		attribute.Int("batch.size", len(batch)),
		attribute.String("mode", r.Mode.String()),
	))
	defer span.End()
	logger := component.Logger(ctx).With("mode", r.Mode.String())
	ctx = component.InjectLogger(ctx, logger)

	start := time.Now()
	defer func() { measureBatch(ctx, r.Mode, !errors.Is(err, ErrPublish), time.Since(start)) }()

	events := slices.Clone(batch)
	slices.SortStableFunc(events, func(a, b *nodeidentifier.Subgraph) int {
		return cmp.Compare(a.Timestamp, b.Timestamp)
	})

	var (
		total  *nodeidentifier.Subgraph
		failed []*EventError
	)
	for i, event := range events {
		out, err := r.identifyEvent(ctx, event)
		if err != nil {
			failed = append(failed, &EventError{Index: i, Timestamp: event.Timestamp, Err: err})
			continue
		}
		if out.IsEmpty() {
			continue
		}
		if total == nil {
			total = nodeidentifier.NewSubgraph(out.Timestamp)
		}
		total.Merge(out)
	}

	for _, e := range failed {
		logger.Error("Failed to identify event", "event", e.Index, "timestamp", e.Timestamp, "error", e.Err)
	}
	measureEvents(ctx, r.Mode, len(events), len(failed))

	if total != nil && !total.IsEmpty() {
		key, err := r.Publisher.Publish(ctx, total)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("%w: %w", ErrPublish, err)
		}
		logger.Info("Published canonical graph", "key", key,
			"nodes", len(total.Nodes), "edges", total.EdgeCount(), "events", len(events), "failed", len(failed))
	} else {
		logger.Info("Nothing to publish", "events", len(events), "failed", len(failed))
	}

	if len(failed) > 0 {
		last := failed[len(failed)-1]
		span.SetStatus(codes.Error, last.Error())
		return last
	}
	return nil
}

// identifyEvent resolves a single event into a new canonical graph. The
// connection to the history store is released before it returns.
func (r *Identifier) identifyEvent(ctx context.Context, in *nodeidentifier.Subgraph) (_ *nodeidentifier.Subgraph, err error) {
	logger := component.Logger(ctx).With("timestamp", in.Timestamp)
	ctx = component.InjectLogger(ctx, logger)

	conn, err := r.Store.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect history: %w", err)
	}
	defer func() {
		if err := conn.Close(ctx); err != nil {
			logger.Error("Failed to close history connection", "error", err)
		}
	}()

	step := time.Now()
	dead, err := ResolveAssets(ctx, conn, in)
	if err != nil {
		return nil, fmt.Errorf("resolve assets: %w", err)
	}
	PruneDead(dead, in)
	logger.Debug("Resolved assets", "dead", len(dead), "duration", time.Since(step))
	measureDead(ctx, "asset", len(dead))

	step = time.Now()
	out := nodeidentifier.NewSubgraph(in.Timestamp)
	ids, dead, err := ResolveSessions(ctx, conn, r.Cache, r.Mode, in, out)
	if err != nil {
		return nil, fmt.Errorf("resolve sessions: %w", err)
	}
	logger.Debug("Resolved sessions", "dead", len(dead), "resolved", len(ids), "duration", time.Since(step))
	measureDead(ctx, "session", len(dead))

	step = time.Now()
	if err := RemapEdges(ids, dead, in, out); err != nil {
		return nil, fmt.Errorf("remap edges: %w", err)
	}
	logger.Debug("Remapped edges", "edges", out.EdgeCount(), "duration", time.Since(step))

	if logger.Enabled(ctx, slog.LevelDebug) && len(dead) > 0 {
		logger.Debug("Dropped unresolved sessions", "keys", slices.Sorted(maps.Keys(dead)))
	}
	return out, nil
}
