package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-digitaltwin/go-nodeidentifier"
	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"
)

// ErrUndecodable is returned (wrapped) by Source.Fetch when an object does not
// hold a valid batch. Retrying such an object is pointless.
var ErrUndecodable = errors.New("undecodable object")

// Source reads batches of raw subgraphs from a bucket. Each object holds a
// zstd-compressed batch encoding (see nodeidentifier.EncodeBatch).
type Source struct {
	bucket      *blob.Bucket
	decoder     *zstd.Decoder
	concurrency int
}

// NewSource returns a Source reading from bucket, with at most concurrency
// objects read at once. Call Close to release its decoder.
func NewSource(bucket *blob.Bucket, concurrency int) (*Source, error) {
	// a nil reader makes the decoder usable only through DecodeAll, which is
	// safe for concurrent use
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Source{bucket: bucket, decoder: dec, concurrency: max(concurrency, 1)}, nil
}

// Close releases the resources of the Source; it does not close the bucket.
func (s *Source) Close() {
	s.decoder.Close()
}

// Fetch reads the objects with the given keys and returns all of their
// subgraphs. Missing objects are reported as ErrUndecodable.
func (s *Source) Fetch(ctx context.Context, keys []string) ([]*nodeidentifier.Subgraph, error) {
	batches := make([][]*nodeidentifier.Subgraph, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			graphs, err := s.fetch(ctx, key)
			if err != nil {
				return fmt.Errorf("object %q: %w", key, err)
			}
			batches[i] = graphs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []*nodeidentifier.Subgraph
	for _, b := range batches {
		all = append(all, b...)
	}
	return all, nil
}

func (s *Source) fetch(ctx context.Context, key string) ([]*nodeidentifier.Subgraph, error) {
	compressed, err := s.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	} else if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	encoded, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %w", ErrUndecodable, err)
	}
	graphs, err := nodeidentifier.DecodeBatch(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
	}
	return graphs, nil
}
