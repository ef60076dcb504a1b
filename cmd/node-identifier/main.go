// Command node-identifier resolves the ephemeral node keys of raw subgraphs
// into canonical identities and publishes the merged canonical graphs.
//
// It receives object-storage notifications from a subscription, reads the
// batches they reference from a source bucket and publishes to a sink bucket.
// Every flag may also be set through an environment variable prefixed with
// NODE_IDENTIFIER_, e.g. NODE_IDENTIFIER_CACHE_PEPPER.
//
// Buckets and subscriptions are opened by URL; the mem:// and file:// bucket
// schemes and the mem:// subscription scheme are linked in.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-nodeidentifier/history"
	"github.com/go-digitaltwin/go-nodeidentifier/history/neo4jhistory"
	"github.com/go-digitaltwin/go-nodeidentifier/history/sqlhistory"
	"github.com/go-digitaltwin/go-nodeidentifier/identify"
	"github.com/go-digitaltwin/go-nodeidentifier/identitycache"
	"github.com/go-digitaltwin/go-nodeidentifier/ingest"
	"github.com/go-digitaltwin/go-nodeidentifier/publish"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/peterbourgon/ff/v3"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
)

type config struct {
	Mode     identify.Mode
	LogLevel slog.Level

	HistoryDriver string
	SQLitePath    string
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	Neo4jDatabase string

	Subscription string
	SourceBucket string
	SinkBucket   string

	CacheCapacity int
	CacheTTL      time.Duration
	CachePepper   string

	BatchSize        int
	BatchWindow      time.Duration
	FetchConcurrency int
	Level            int
}

func parseConfig(args []string) (config, error) {
	var c config
	fs := flag.NewFlagSet("node-identifier", flag.ContinueOnError)
	fs.Var(&c.Mode, "mode", "session resolution mode: normal or retry")
	fs.TextVar(&c.LogLevel, "log-level", slog.LevelInfo, "minimum level of emitted logs")

	fs.StringVar(&c.HistoryDriver, "history", "sqlite", "history store: memory, sqlite or neo4j")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "history.db", "path of the SQLite history database")
	fs.StringVar(&c.Neo4jURI, "neo4j-uri", "neo4j://localhost:7687", "URI of the Neo4j history database")
	fs.StringVar(&c.Neo4jUser, "neo4j-user", "", "Neo4j user; empty disables authentication")
	fs.StringVar(&c.Neo4jPassword, "neo4j-password", "", "Neo4j password")
	fs.StringVar(&c.Neo4jDatabase, "neo4j-database", "neo4j", "name of the Neo4j history database")

	fs.StringVar(&c.Subscription, "subscription", "", "URL of the notification subscription (required)")
	fs.StringVar(&c.SourceBucket, "source-bucket", "", "URL of the bucket holding raw batches (required)")
	fs.StringVar(&c.SinkBucket, "sink-bucket", "", "URL of the bucket receiving canonical graphs (required)")

	fs.IntVar(&c.CacheCapacity, "cache-capacity", identitycache.DefaultCapacity, "maximum number of cached session identities")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", identitycache.DefaultTTL, "lifetime of a cached session identity")
	fs.StringVar(&c.CachePepper, "cache-pepper", "", "secret keying the cache keys, 1 to 64 bytes (required)")

	fs.IntVar(&c.BatchSize, "batch-size", 10, "maximum number of notifications per batch")
	fs.DurationVar(&c.BatchWindow, "batch-window", 2*time.Second, "how long a batch waits for more notifications")
	fs.IntVar(&c.FetchConcurrency, "fetch-concurrency", 8, "maximum number of objects read at once")
	fs.IntVar(&c.Level, "zstd-level", publish.DefaultLevel, "zstd level of published objects")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("NODE_IDENTIFIER")); err != nil {
		return config{}, err
	}

	switch {
	case c.Subscription == "":
		return config{}, errors.New("missing -subscription")
	case c.SourceBucket == "":
		return config{}, errors.New("missing -source-bucket")
	case c.SinkBucket == "":
		return config{}, errors.New("missing -sink-bucket")
	case c.CachePepper == "":
		return config{}, errors.New("missing -cache-pepper")
	}
	switch c.HistoryDriver {
	case "memory", "sqlite", "neo4j":
	default:
		return config{}, fmt.Errorf("unknown history store %q", c.HistoryDriver)
	}
	return c, nil
}

func main() {
	c, err := parseConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	} else if err != nil {
		fmt.Fprintln(os.Stderr, "node-identifier:", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
	slog.SetDefault(logger)

	component.RunProc(func(l *component.L) {
		if err := run(l, c); err != nil {
			l.Fatal(err)
		}
	})
}

// run opens every dependency of the worker, registers their release with l and
// forks the worker.
func run(l *component.L, c config) error {
	ctx := component.InjectLogger(l.Context(), slog.Default().With("mode", c.Mode.String()))
	logger := component.Logger(ctx)

	store, err := openHistory(ctx, l, c)
	if err != nil {
		return fmt.Errorf("open history %q: %w", c.HistoryDriver, err)
	}
	logger.Info("History store ready", slog.String("history", c.HistoryDriver))

	cache, err := identitycache.New(c.CacheCapacity, c.CacheTTL, []byte(c.CachePepper))
	if err != nil {
		return fmt.Errorf("identity cache: %w", err)
	}
	l.CleanupBackground(func(context.Context) error {
		cache.Close()
		return nil
	})

	sink, err := blob.OpenBucket(ctx, c.SinkBucket)
	if err != nil {
		return fmt.Errorf("open sink bucket: %w", err)
	}
	l.CleanupBackground(func(context.Context) error { return sink.Close() })

	bucket, err := blob.OpenBucket(ctx, c.SourceBucket)
	if err != nil {
		return fmt.Errorf("open source bucket: %w", err)
	}
	l.CleanupBackground(func(context.Context) error { return bucket.Close() })
	source, err := ingest.NewSource(bucket, c.FetchConcurrency)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	l.CleanupBackground(func(context.Context) error {
		source.Close()
		return nil
	})

	logger.Debug("Opening subscription...", slog.String("url", c.Subscription))
	sub, err := pubsub.OpenSubscription(ctx, c.Subscription)
	if err != nil {
		return fmt.Errorf("open subscription: %w", err)
	}
	l.CleanupBackground(sub.Shutdown)
	logger.Info("Subscription opened successfully")

	l.Fork("ingest", &ingest.Worker{
		Subscription: sub,
		Source:       source,
		Processor: &identify.Identifier{
			Store:     store,
			Cache:     cache,
			Mode:      c.Mode,
			Publisher: &publish.Publisher{Bucket: sink, Level: c.Level},
		},
		BatchSize:   c.BatchSize,
		BatchWindow: c.BatchWindow,
	})
	return nil
}

// openHistory connects to the configured history store and bootstraps its
// schema.
func openHistory(ctx context.Context, l *component.L, c config) (history.Store, error) {
	switch c.HistoryDriver {
	case "memory":
		component.Logger(ctx).Warn("History is kept in memory and lost on exit")
		return new(history.MemoryStore), nil

	case "sqlite":
		store, err := sqlhistory.Open(ctx, c.SQLitePath)
		if err != nil {
			return nil, err
		}
		l.CleanupBackground(func(context.Context) error { return store.Close() })
		return store, nil

	case "neo4j":
		auth := neo4j.NoAuth()
		if c.Neo4jUser != "" {
			auth = neo4j.BasicAuth(c.Neo4jUser, c.Neo4jPassword, "")
		}
		driver, err := neo4j.NewDriverWithContext(c.Neo4jURI, auth)
		if err != nil {
			return nil, fmt.Errorf("driver: %w", err)
		}
		l.CleanupBackground(driver.Close)
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return nil, fmt.Errorf("verify connectivity: %w", err)
		}
		if err := neo4jhistory.BootstrapDatabase(ctx, driver, c.Neo4jDatabase); err != nil {
			return nil, fmt.Errorf("bootstrap: %w", err)
		}
		return neo4jhistory.NewStore(driver, c.Neo4jDatabase), nil

	default:
		return nil, fmt.Errorf("unknown history store %q", c.HistoryDriver)
	}
}
