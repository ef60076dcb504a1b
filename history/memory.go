package history

import (
	"context"
	"sync"
)

// MemoryStore is a Store that keeps its intervals in memory. It is safe for
// concurrent use by multiple connections.
//
// The zero value is an empty store, ready for use.
type MemoryStore struct {
	mu       sync.Mutex
	assets   map[string]timeline
	sessions map[SessionScope]timeline
	conns    int // currently open connections
}

// Connect returns a new connection to the store. It never fails.
func (s *MemoryStore) Connect(context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns++
	return &memoryConn{store: s}, nil
}

// OpenConns returns the number of connections that were not closed yet.
func (s *MemoryStore) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// AssetHistory returns a copy of the intervals recorded for the descriptor.
func (s *MemoryStore) AssetHistory(descriptor string) []Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Interval(nil), s.assets[descriptor]...)
}

// SessionHistory returns a copy of the intervals recorded for the scope.
func (s *MemoryStore) SessionHistory(scope SessionScope) []Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Interval(nil), s.sessions[scope]...)
}

type memoryConn struct {
	store  *MemoryStore
	closed bool
}

// do runs f while holding the store's lock, lazily creating its maps.
func (c *memoryConn) do(at uint64, f func(s *MemoryStore) error) error {
	if c.closed {
		return ErrClosed
	}
	if _, err := CheckTimestamp(at); err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.assets == nil {
		c.store.assets = make(map[string]timeline)
		c.store.sessions = make(map[SessionScope]timeline)
	}
	return f(c.store)
}

func (c *memoryConn) LookupAsset(_ context.Context, descriptor string, at uint64) (i Interval, err error) {
	err = c.do(at, func(s *MemoryStore) error {
		i, err = s.assets[descriptor].lookup(at)
		return err
	})
	return i, err
}

func (c *memoryConn) OpenAsset(_ context.Context, descriptor, canonical string, at uint64) (i Interval, err error) {
	err = c.do(at, func(s *MemoryStore) error {
		s.assets[descriptor], i = s.assets[descriptor].open(canonical, at)
		return nil
	})
	return i, err
}

func (c *memoryConn) LookupSession(_ context.Context, scope SessionScope, at uint64) (i Interval, err error) {
	err = c.do(at, func(s *MemoryStore) error {
		i, err = s.sessions[scope].lookup(at)
		return err
	})
	return i, err
}

func (c *memoryConn) OpenSession(_ context.Context, scope SessionScope, canonical string, at uint64) (i Interval, err error) {
	err = c.do(at, func(s *MemoryStore) error {
		s.sessions[scope], i = s.sessions[scope].open(canonical, at)
		return nil
	})
	return i, err
}

func (c *memoryConn) TouchSession(_ context.Context, scope SessionScope, canonical string, at uint64) error {
	return c.do(at, func(s *MemoryStore) error {
		return s.sessions[scope].touch(canonical, at)
	})
}

func (c *memoryConn) Close(context.Context) error {
	if c.closed {
		return ErrClosed
	}
	c.closed = true
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.conns--
	return nil
}
