package identify

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-nodeidentifier/identify")
var meter = otel.Meter("github.com/go-digitaltwin/go-nodeidentifier/identify")

const (
	// modeAttribute associates each record with the processing Mode, so the
	// normal and retry pipelines can be told apart.
	modeAttribute = "mode"
	// resolutionAttribute associates dead-node records with the resolution step
	// that dropped them: "asset" or "session".
	resolutionAttribute = "resolution"
)

var (
	// batchDuration measures the processing of an entire batch, including
	// publishing its merged graph. Batches that failed to publish are not
	// recorded.
	batchDuration metric.Float64Histogram
	// eventsProcessed counts events, whether they failed or not.
	eventsProcessed metric.Int64Counter
	// eventsFailed counts events that failed identification.
	eventsFailed metric.Int64Counter
	// deadNodes counts nodes dropped for lack of identity.
	deadNodes metric.Int64Counter
	// fabricatedIdentities counts identities created in retry mode.
	fabricatedIdentities metric.Int64Counter
	// conflictingNodes counts nodes of an event merged into a node of different
	// content under the same canonical key.
	conflictingNodes metric.Int64Counter
)

func init() {
	var err error
	batchDuration, err = meter.Float64Histogram(
		"identify.batch.duration",
		metric.WithDescription("The duration of identifying a batch of events and publishing their merged graph."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("identify: failed to init 'identify.batch.duration' instrument: %v", err))
	}

	eventsProcessed, err = meter.Int64Counter(
		"identify.events",
		metric.WithDescription("The number of events processed."),
	)
	if err != nil {
		panic(fmt.Sprintf("identify: failed to init 'identify.events' instrument: %v", err))
	}

	eventsFailed, err = meter.Int64Counter(
		"identify.events.failures",
		metric.WithDescription("The number of events that failed identification."),
	)
	if err != nil {
		panic(fmt.Sprintf("identify: failed to init 'identify.events.failures' instrument: %v", err))
	}

	deadNodes, err = meter.Int64Counter(
		"identify.nodes.dead",
		metric.WithDescription("The number of nodes dropped because their identity could not be resolved."),
	)
	if err != nil {
		panic(fmt.Sprintf("identify: failed to init 'identify.nodes.dead' instrument: %v", err))
	}

	fabricatedIdentities, err = meter.Int64Counter(
		"identify.identities.fabricated",
		metric.WithDescription("The number of session identities fabricated in retry mode."),
	)
	if err != nil {
		panic(fmt.Sprintf("identify: failed to init 'identify.identities.fabricated' instrument: %v", err))
	}

	conflictingNodes, err = meter.Int64Counter(
		"identify.nodes.conflicts",
		metric.WithDescription("The number of nodes merged with a node of different content sharing their canonical key."),
	)
	if err != nil {
		panic(fmt.Sprintf("identify: failed to init 'identify.nodes.conflicts' instrument: %v", err))
	}
}

// measureBatch records the duration of a batch that succeeded in publishing.
//
// According to [metric] documentation, [metric.WithAttributeSet] should be used
// instead of [metric.WithAttributes] for performance optimization.
func measureBatch(ctx context.Context, mode Mode, published bool, d time.Duration) {
	if !published {
		return
	}
	attrs := attribute.NewSet(attribute.String(modeAttribute, mode.String()))
	// floating-point division for sub-millisecond precision
	batchDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributeSet(attrs))
}

func measureEvents(ctx context.Context, mode Mode, processed, failed int) {
	attrs := metric.WithAttributeSet(attribute.NewSet(attribute.String(modeAttribute, mode.String())))
	eventsProcessed.Add(ctx, int64(processed), attrs)
	if failed > 0 {
		eventsFailed.Add(ctx, int64(failed), attrs)
	}
}

func measureDead(ctx context.Context, resolution string, n int) {
	if n == 0 {
		return
	}
	attrs := attribute.NewSet(attribute.String(resolutionAttribute, resolution))
	deadNodes.Add(ctx, int64(n), metric.WithAttributeSet(attrs))
}
