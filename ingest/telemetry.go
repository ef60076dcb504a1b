package ingest

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-nodeidentifier/ingest")
var meter = otel.Meter("github.com/go-digitaltwin/go-nodeidentifier/ingest")

// messages counts handled notifications by their outcome.
var messages metric.Int64Counter

func init() {
	var err error
	messages, err = meter.Int64Counter(
		"ingest.messages",
		metric.WithDescription("The number of notifications handled, by outcome: acked, nacked or dropped."),
	)
	if err != nil {
		panic(fmt.Sprintf("ingest: failed to init 'ingest.messages' instrument: %v", err))
	}
}

var (
	outcomeAcked   = attribute.NewSet(attribute.String("outcome", "acked"))
	outcomeNacked  = attribute.NewSet(attribute.String("outcome", "nacked"))
	outcomeDropped = attribute.NewSet(attribute.String("outcome", "dropped"))
)

func measureMessages(ctx context.Context, outcome attribute.Set, n int) {
	if n > 0 {
		messages.Add(ctx, int64(n), metric.WithAttributeSet(outcome))
	}
}
