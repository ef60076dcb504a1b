// Package identitycache memoizes recently resolved history intervals.
//
// A Cache is never a source of truth; it only saves round trips to the history
// store. Entries are evicted by capacity (least recently used first) or by age,
// whichever comes first. Reading an entry refreshes its recency but never its
// age, so no entry outlives its TTL.
//
// An entry holds the whole interval that resolved a key, not only its
// canonical id: the same raw identifier denotes different entities at
// different times, so an entry serves only the timestamps its interval covers.
//
// Lookup keys are peppered before they are stored: the cache never holds raw
// identifiers (addresses, paths, pids) in memory as map keys.
package identitycache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-digitaltwin/go-nodeidentifier/history"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"
)

const (
	// DefaultCapacity is the number of entries a worker keeps by default.
	DefaultCapacity = 100_000
	// DefaultTTL bounds the age of an entry by default.
	DefaultTTL = 5 * time.Minute
)

// Key is the peppered form of a raw lookup key.
type Key [blake2b.Size256]byte

// Cache maps peppered lookup keys to history intervals. It is safe for
// concurrent use, but it is meant to be owned by a single worker and passed
// explicitly to every resolution call. Close it when the worker stops.
type Cache struct {
	entries *expirable.LRU[Key, history.Interval]
	pepper  []byte
	closed  atomic.Bool
}

// New returns an empty Cache holding at most capacity entries, each for at
// most ttl. The pepper is a secret of 1 to 64 bytes.
func New(capacity int, ttl time.Duration, pepper []byte) (*Cache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl must be positive, got %v", ttl)
	}
	if len(pepper) == 0 || len(pepper) > blake2b.Size {
		return nil, fmt.Errorf("pepper must hold 1 to %d bytes, got %d", blake2b.Size, len(pepper))
	}
	c := &Cache{pepper: append([]byte(nil), pepper...)}
	c.entries = expirable.NewLRU[Key, history.Interval](capacity, func(Key, history.Interval) {
		evictions.Add(context.Background(), 1)
	}, ttl)
	return c, nil
}

// Key returns the peppered form of raw.
func (c *Cache) Key(raw string) Key {
	// the pepper is validated by New, so blake2b cannot fail here
	h, err := blake2b.New256(c.pepper)
	if err != nil {
		panic("identitycache: keyed blake2b: " + err.Error())
	}
	h.Write([]byte(raw))
	var k Key
	h.Sum(k[:0])
	return k
}

// Resolver finds the interval covering the requested timestamp, typically by
// querying the history store.
type Resolver func() (history.Interval, error)

// GetOrResolve returns the canonical identity of rawKey at the timestamp at.
//
// An entry serves the lookup only when its interval covers at. Otherwise (on a
// miss, an expired entry or an entry for another time) resolve is invoked and
// its interval replaces the entry. Failures are never cached; the error of
// resolve is returned unchanged.
func (c *Cache) GetOrResolve(ctx context.Context, rawKey string, at uint64, resolve Resolver) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}
	key := c.Key(rawKey)
	if i, ok := c.entries.Get(key); ok {
		if i.Covers(at) {
			hits.Add(ctx, 1)
			return i.Canonical, nil
		}
		outOfRange.Add(ctx, 1)
	}
	misses.Add(ctx, 1)

	i, err := resolve()
	if err != nil {
		return "", err
	}
	if i.Canonical == "" {
		return "", errEmptyIdentity
	}
	c.entries.Add(key, i)
	return i.Canonical, nil
}

// Forget drops the entry of rawKey, if any.
func (c *Cache) Forget(rawKey string) {
	c.entries.Remove(c.Key(rawKey))
}

var errEmptyIdentity = errors.New("identitycache: resolver returned an empty identity")

// ErrClosed is returned by GetOrResolve after Close.
var ErrClosed = errors.New("identitycache: cache closed")

// Len returns the number of entries in the cache, possibly including expired
// entries that were not yet swept.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.entries.Purge()
}

// Close drops every entry and fails later lookups with ErrClosed. The
// expirable LRU offers no way to stop its sweeping goroutine; once purged it
// holds nothing and stays idle.
func (c *Cache) Close() {
	c.closed.Store(true)
	c.entries.Purge()
}
