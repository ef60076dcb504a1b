package publish

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-nodeidentifier/publish")
var meter = otel.Meter("github.com/go-digitaltwin/go-nodeidentifier/publish")

var (
	// publishDuration measures a successful publication, from encoding to the
	// end of the upload.
	publishDuration metric.Float64Histogram
	// publishedBytes counts the bytes of published graphs, labelled by whether
	// they were counted before or after compression.
	publishedBytes metric.Int64Counter
	// publishFailures counts failed publications.
	publishFailures metric.Int64Counter
)

func init() {
	var err error
	publishDuration, err = meter.Float64Histogram(
		"publish.duration",
		metric.WithDescription("The duration of encoding, compressing and uploading a canonical graph."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Sprintf("publish: failed to init 'publish.duration' instrument: %v", err))
	}

	publishedBytes, err = meter.Int64Counter(
		"publish.bytes",
		metric.WithDescription("The number of bytes of published canonical graphs."),
		metric.WithUnit("By"),
	)
	if err != nil {
		panic(fmt.Sprintf("publish: failed to init 'publish.bytes' instrument: %v", err))
	}

	publishFailures, err = meter.Int64Counter(
		"publish.failures",
		metric.WithDescription("The number of canonical graphs that failed to upload."),
	)
	if err != nil {
		panic(fmt.Sprintf("publish: failed to init 'publish.failures' instrument: %v", err))
	}
}

var (
	uncompressed = attribute.NewSet(attribute.Bool("compressed", false))
	compressed   = attribute.NewSet(attribute.Bool("compressed", true))
)

func measurePublish(ctx context.Context, succeeded bool, d time.Duration, size int, written int64) {
	if !succeeded {
		publishFailures.Add(ctx, 1)
		return
	}
	publishDuration.Record(ctx, float64(d)/float64(time.Millisecond))
	publishedBytes.Add(ctx, int64(size), metric.WithAttributeSet(uncompressed))
	publishedBytes.Add(ctx, written, metric.WithAttributeSet(compressed))
}
