/*
Package ingest feeds batches of raw subgraphs into a Processor.

A Worker receives object-storage notifications from a pubsub subscription,
gathers them into batches, reads the objects they reference from a bucket and
hands their subgraphs to the Processor in a single call. Messages are
acknowledged only after the Processor succeeds; otherwise they are negatively
acknowledged (when the driver supports it) and redelivered.
*/
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-nodeidentifier"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
)

// Processor handles a batch of raw subgraphs.
type Processor interface {
	Process(ctx context.Context, batch []*nodeidentifier.Subgraph) error
}

// Worker is a [component.Procedure] that feeds the Processor from a
// subscription.
type Worker struct {
	Subscription *pubsub.Subscription
	Source       *Source
	Processor    Processor
	// BatchSize caps the number of messages per batch.
	BatchSize int
	// BatchWindow bounds how long a batch waits for more messages once its
	// first message arrived.
	BatchWindow time.Duration
}

func (w *Worker) Exec(l *component.L) {
	logger := component.Logger(l.Context())
	for l.Continue() {
		msgs, err := w.receiveBatch(l.GraceContext())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// we're shutting down
			return
		} else if err != nil {
			// Receive fails only on non-retryable driver errors.
			l.Fatal(fmt.Errorf("receive: %w", err))
		}

		if err := w.handleBatch(l.GraceContext(), msgs); err != nil {
			logger.Error("Batch left for redelivery", slog.Any("error", err), slog.Int("messages", len(msgs)))
		}
	}
}

// receiveBatch blocks until a message arrives, then keeps receiving until the
// batch is full or its window elapses. It returns an error only when no
// message was received.
func (w *Worker) receiveBatch(ctx context.Context) ([]*pubsub.Message, error) {
	first, err := w.Subscription.Receive(ctx)
	if err != nil {
		return nil, err
	}
	msgs := []*pubsub.Message{first}

	window, cancel := context.WithTimeout(ctx, w.BatchWindow)
	defer cancel()
	for len(msgs) < w.BatchSize {
		msg, err := w.Subscription.Receive(window)
		if err != nil {
			// the window elapsed, or we're shutting down; either way the messages
			// in hand are processed
			if window.Err() == nil {
				component.Logger(ctx).Warn("Receive failed while gathering a batch", "error", err)
			}
			break
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// handleBatch processes the subgraphs of all messages as a single batch.
//
// Messages with undecodable bodies or objects are acknowledged and dropped, as
// redelivery would not help them. The rest are acknowledged if the Processor
// succeeds, and negatively acknowledged otherwise.
func (w *Worker) handleBatch(ctx context.Context, msgs []*pubsub.Message) (err error) {
	ctx, span := tracer.Start(ctx, "ingest.handleBatch", trace.WithAttributes(
		attribute.Int("batch.messages", len(msgs)),
	))
	defer span.End()
	logger := component.Logger(ctx)

	var (
		accepted []*pubsub.Message
		batch    []*nodeidentifier.Subgraph
	)
	for _, msg := range msgs {
		logger := logger.With(slog.String("msg.id", msg.LoggableID))
		keys, err := ObjectKeys(msg.Body)
		if err != nil {
			logger.Error("Dropping undecodable notification", slog.Any("error", err))
			measureMessages(ctx, outcomeDropped, 1)
			msg.Ack()
			continue
		}
		graphs, err := w.Source.Fetch(ctx, keys)
		if errors.Is(err, ErrUndecodable) {
			logger.Error("Dropping notification of undecodable objects", slog.Any("error", err), slog.Any("keys", keys))
			measureMessages(ctx, outcomeDropped, 1)
			msg.Ack()
			continue
		} else if err != nil {
			logger.Error("Failed to fetch objects", slog.Any("error", err), slog.Any("keys", keys))
			nack(ctx, msg)
			continue
		}
		accepted = append(accepted, msg)
		batch = append(batch, graphs...)
	}

	logger.Debug("Processing batch", slog.Int("messages", len(accepted)), slog.Int("events", len(batch)))
	err = w.Processor.Process(ctx, batch)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		for _, msg := range accepted {
			nack(ctx, msg)
		}
		return fmt.Errorf("process: %w", err)
	}
	for _, msg := range accepted {
		msg.Ack()
	}
	measureMessages(ctx, outcomeAcked, len(accepted))
	return nil
}

// nack requests redelivery of msg when the driver supports it; otherwise the
// message is redelivered once its acknowledgement deadline passes.
func nack(ctx context.Context, msg *pubsub.Message) {
	measureMessages(ctx, outcomeNacked, 1)
	if msg.Nackable() {
		msg.Nack()
	}
}
