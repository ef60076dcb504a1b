// Package publish uploads canonical graphs to object storage under their
// content address.
package publish

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/danielorbach/go-component"
	"github.com/go-digitaltwin/go-nodeidentifier"
	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
)

// DefaultLevel is the zstd compression level used when none is configured.
const DefaultLevel = 4

// ContentType of the published objects.
const ContentType = "application/zstd"

// Publisher encodes graphs, compresses them with zstd and writes them to a
// bucket.
//
// Objects are named "<day>/<object key>", where day is the Unix time of the
// upload truncated to a multiple of 86400 seconds, and the object key is the
// base-58 SHA-256 digest of the uncompressed encoding. Publishing the same
// graph twice on the same day writes the same object.
type Publisher struct {
	Bucket *blob.Bucket
	// Level is the zstd compression level, 1 (fastest) to 22; zero selects
	// DefaultLevel.
	Level int
	// Now returns the current time; nil selects time.Now.
	Now func() time.Time
}

// Publish uploads g and returns the name of the object it wrote.
func (p *Publisher) Publish(ctx context.Context, g *nodeidentifier.Subgraph) (name string, err error) {
	ctx, span := tracer.Start(ctx, "Publish")
	defer span.End()

	start := time.Now()
	encoded, err := nodeidentifier.Encode(g)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	name = ObjectName(p.now(), nodeidentifier.ObjectKeyOf(encoded))

	written, err := p.upload(ctx, name, encoded)
	if err != nil {
		measurePublish(ctx, false, 0, 0, 0)
		return "", fmt.Errorf("upload %q: %w", name, err)
	}
	measurePublish(ctx, true, time.Since(start), len(encoded), written)
	component.Logger(ctx).Debug("Uploaded graph", "object", name, "size", len(encoded), "compressed", written)
	return name, nil
}

// upload streams the compressed encoding into the bucket and returns the
// number of compressed bytes written.
func (p *Publisher) upload(ctx context.Context, name string, encoded []byte) (written int64, err error) {
	// Cancelling the writer's context before closing it aborts the upload.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := p.Bucket.NewWriter(ctx, name, &blob.WriterOptions{ContentType: ContentType})
	if err != nil {
		return 0, fmt.Errorf("new writer: %w", err)
	}
	counter := &countingWriter{w: w}
	defer func() {
		if err != nil {
			cancel()
		}
		if closeErr := w.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close writer: %w", closeErr)
		}
	}()

	level := p.Level
	if level == 0 {
		level = DefaultLevel
	}
	z, err := zstd.NewWriter(counter, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := z.Write(encoded); err != nil {
		_ = z.Close()
		return 0, fmt.Errorf("compress: %w", err)
	}
	if err := z.Close(); err != nil {
		return 0, fmt.Errorf("compress: %w", err)
	}
	return counter.n, nil
}

func (p *Publisher) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// ObjectName returns the name under which a graph with the given key is
// published at the given time.
func ObjectName(at time.Time, key nodeidentifier.ObjectKey) string {
	sec := at.Unix()
	day := sec - sec%86400
	return strconv.FormatInt(day, 10) + "/" + key.String()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
