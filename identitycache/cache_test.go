package identitycache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-digitaltwin/go-nodeidentifier/history"
)

// counter returns a Resolver yielding an open interval of id and counting its
// invocations.
func counter(id string, calls *int) Resolver {
	return spanResolver(history.Interval{Canonical: id}, calls)
}

func spanResolver(i history.Interval, calls *int) Resolver {
	return func() (history.Interval, error) {
		*calls++
		return i, nil
	}
}

func newCache(t *testing.T, capacity int, ttl time.Duration) *Cache {
	t.Helper()
	c, err := New(capacity, ttl, []byte("pepper"))
	if err != nil {
		t.Fatal("New:", err)
	}
	return c
}

func TestCache_GetOrResolve(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 10, time.Minute)

	var calls int
	for i := 0; i < 3; i++ {
		id, err := c.GetOrResolve(ctx, "asset-1\x00process\x0042", 100, counter("proc-1", &calls))
		if err != nil {
			t.Fatal("GetOrResolve:", err)
		}
		if id != "proc-1" {
			t.Errorf("GetOrResolve() = %q, want %q", id, "proc-1")
		}
	}
	if calls != 1 {
		t.Errorf("resolver invoked %d times, want 1", calls)
	}
}

func TestCache_GetOrResolve_failure(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 10, time.Minute)
	errStore := errors.New("store unavailable")

	var calls int
	failing := func() (history.Interval, error) {
		calls++
		return history.Interval{}, errStore
	}
	for i := 0; i < 2; i++ {
		_, err := c.GetOrResolve(ctx, "k", 100, failing)
		if err != errStore {
			t.Errorf("GetOrResolve() error = %v, want %v unchanged", err, errStore)
		}
	}
	if calls != 2 {
		t.Errorf("resolver invoked %d times, want 2 (failures are not cached)", calls)
	}

	id, err := c.GetOrResolve(ctx, "k", 100, counter("recovered", &calls))
	if err != nil || id != "recovered" {
		t.Errorf("GetOrResolve() = %q, %v; want %q, nil", id, err, "recovered")
	}
}

func TestCache_GetOrResolve_emptyIdentity(t *testing.T) {
	c := newCache(t, 10, time.Minute)
	_, err := c.GetOrResolve(context.Background(), "k", 100, func() (history.Interval, error) {
		return history.Interval{ValidFrom: 50}, nil
	})
	if err == nil {
		t.Error("GetOrResolve cached an empty identity")
	}
}

func TestCache_evictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	const capacity = 3
	c := newCache(t, capacity, time.Minute)

	calls := make(map[string]int)
	resolve := func(k string) Resolver {
		return func() (history.Interval, error) {
			calls[k]++
			return history.Interval{Canonical: "id-" + k}, nil
		}
	}
	get := func(k string) {
		t.Helper()
		if _, err := c.GetOrResolve(ctx, k, 100, resolve(k)); err != nil {
			t.Fatalf("GetOrResolve(%q): %v", k, err)
		}
	}

	for i := 0; i < capacity; i++ {
		get(fmt.Sprint(i))
	}
	get("0") // refresh; "1" is now the least recently used
	get("3") // capacity + 1 distinct keys

	for _, k := range []string{"0", "2", "3"} {
		get(k)
		if calls[k] != 1 {
			t.Errorf("key %q resolved %d times, want 1 (should have survived)", k, calls[k])
		}
	}
	get("1")
	if calls["1"] != 2 {
		t.Errorf("key %q resolved %d times, want 2 (should have been evicted)", "1", calls["1"])
	}
}

func TestCache_expiresDespiteReads(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing test in short mode")
	}
	ctx := context.Background()
	const ttl = 400 * time.Millisecond
	c := newCache(t, 10, ttl)

	var calls int
	added := time.Now()
	if _, err := c.GetOrResolve(ctx, "k", 100, counter("id", &calls)); err != nil {
		t.Fatal(err)
	}
	for time.Since(added) < ttl/2 {
		if _, err := c.GetOrResolve(ctx, "k", 100, counter("id", &calls)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if calls != 1 {
		t.Fatalf("resolver invoked %d times before expiry, want 1", calls)
	}

	time.Sleep(ttl + 100*time.Millisecond - time.Since(added))
	if _, err := c.GetOrResolve(ctx, "k", 100, counter("id", &calls)); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("resolver invoked %d times, want 2 (entry outlived its TTL)", calls)
	}
}

func TestCache_GetOrResolve_outsideInterval(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 10, time.Minute)
	const key = "asset-1\x00process\x0042"

	var calls int
	first := spanResolver(history.Interval{Canonical: "proc-1", ValidFrom: 150, ValidTo: 500}, &calls)
	second := spanResolver(history.Interval{Canonical: "proc-2", ValidFrom: 500}, &calls)

	tests := []struct {
		at      uint64
		resolve Resolver
		want    string
		calls   int
	}{
		{at: 200, resolve: first, want: "proc-1", calls: 1},
		{at: 499, resolve: first, want: "proc-1", calls: 1},
		// the pid was reused at 500
		{at: 600, resolve: second, want: "proc-2", calls: 2},
		{at: 700, resolve: second, want: "proc-2", calls: 2},
		// an older event replaces the entry again
		{at: 300, resolve: first, want: "proc-1", calls: 3},
		{at: 100, resolve: spanResolver(history.Interval{Canonical: "proc-0", ValidFrom: 90, ValidTo: 150}, &calls), want: "proc-0", calls: 4},
	}
	for _, tt := range tests {
		id, err := c.GetOrResolve(ctx, key, tt.at, tt.resolve)
		if err != nil {
			t.Fatalf("GetOrResolve at %d: %v", tt.at, err)
		}
		if id != tt.want {
			t.Errorf("GetOrResolve at %d = %q, want %q", tt.at, id, tt.want)
		}
		if calls != tt.calls {
			t.Errorf("after lookup at %d, resolver invoked %d times, want %d", tt.at, calls, tt.calls)
		}
	}
}

func TestCache_Forget(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 10, time.Minute)

	var calls int
	for _, id := range []string{"proc-1", "proc-2"} {
		got, err := c.GetOrResolve(ctx, "k", 100, counter(id, &calls))
		if err != nil {
			t.Fatal("GetOrResolve:", err)
		}
		if got != id {
			t.Errorf("GetOrResolve() = %q, want %q", got, id)
		}
		c.Forget("k")
	}
	if calls != 2 {
		t.Errorf("resolver invoked %d times, want 2", calls)
	}
	if n := c.Len(); n != 0 {
		t.Errorf("got %d entries after Forget, want 0", n)
	}
}

func TestCache_Close(t *testing.T) {
	ctx := context.Background()
	c := newCache(t, 10, time.Minute)

	var calls int
	if _, err := c.GetOrResolve(ctx, "k", 100, counter("id", &calls)); err != nil {
		t.Fatal("GetOrResolve:", err)
	}
	c.Close()
	if n := c.Len(); n != 0 {
		t.Errorf("got %d entries after Close, want 0", n)
	}
	_, err := c.GetOrResolve(ctx, "k", 100, counter("id", &calls))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("GetOrResolve after Close got error %v, want %v", err, ErrClosed)
	}
	if calls != 1 {
		t.Errorf("resolver invoked %d times, want 1", calls)
	}
}

func TestCache_Key(t *testing.T) {
	c1, err := New(1, time.Minute, []byte("pepper-1"))
	if err != nil {
		t.Fatal(err)
	}
	c2, err := New(1, time.Minute, []byte("pepper-2"))
	if err != nil {
		t.Fatal(err)
	}

	if c1.Key("10.0.0.5") != c1.Key("10.0.0.5") {
		t.Error("Key is not deterministic")
	}
	if c1.Key("10.0.0.5") == c2.Key("10.0.0.5") {
		t.Error("Key does not depend on the pepper")
	}
	if c1.Key("10.0.0.5") == c1.Key("10.0.0.6") {
		t.Error("Key collides for distinct raw keys")
	}
}

func TestNew_invalid(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		ttl      time.Duration
		pepper   []byte
	}{
		{name: "ZeroCapacity", capacity: 0, ttl: time.Minute, pepper: []byte("p")},
		{name: "ZeroTTL", capacity: 1, ttl: 0, pepper: []byte("p")},
		{name: "NoPepper", capacity: 1, ttl: time.Minute},
		{name: "LongPepper", capacity: 1, ttl: time.Minute, pepper: make([]byte, 65)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.capacity, tt.ttl, tt.pepper); err == nil {
				t.Error("New succeeded")
			}
		})
	}
}
