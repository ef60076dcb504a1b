package identitycache

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/go-digitaltwin/go-nodeidentifier/identitycache")

var (
	// hits counts lookups served from the cache.
	hits metric.Int64Counter
	// misses counts lookups that invoked the resolver, whether it succeeded or
	// not.
	misses metric.Int64Counter
	// outOfRange counts entries found for a timestamp their interval does not
	// cover; each is also counted as a miss.
	outOfRange metric.Int64Counter
	// evictions counts entries dropped for capacity or age.
	evictions metric.Int64Counter
)

func init() {
	var err error
	hits, err = meter.Int64Counter(
		"identitycache.hits",
		metric.WithDescription("The number of identity lookups served from the cache."),
	)
	if err != nil {
		panic(fmt.Sprintf("identitycache: failed to init 'identitycache.hits' instrument: %v", err))
	}

	misses, err = meter.Int64Counter(
		"identitycache.misses",
		metric.WithDescription("The number of identity lookups that reached the history store."),
	)
	if err != nil {
		panic(fmt.Sprintf("identitycache: failed to init 'identitycache.misses' instrument: %v", err))
	}

	outOfRange, err = meter.Int64Counter(
		"identitycache.out_of_range",
		metric.WithDescription("The number of cache entries skipped because their interval does not cover the requested timestamp."),
	)
	if err != nil {
		panic(fmt.Sprintf("identitycache: failed to init 'identitycache.out_of_range' instrument: %v", err))
	}

	evictions, err = meter.Int64Counter(
		"identitycache.evictions",
		metric.WithDescription("The number of cache entries evicted for capacity or age."),
	)
	if err != nil {
		panic(fmt.Sprintf("identitycache: failed to init 'identitycache.evictions' instrument: %v", err))
	}
}
