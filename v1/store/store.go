package store

import (
	"context"
	"sync"
	"time"
)

// NoExpiry is reported by TTL for keys that exist without an expiration.
const NoExpiry time.Duration = -1

// Store is the arbitration medium shared by every registry that coordinates
// on the same keys.
type Store interface {
	// SetIfAbsent creates key with value and ttl only if key does not exist.
	// It reports whether the key was created.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DeleteIfValue removes key only if its current value equals value.
	// It reports whether the key was deleted.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
	// TTL returns the remaining time to live of key. The boolean is false when
	// the key does not exist. Keys without expiration report NoExpiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
}

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemory is a Store backed by a map. Expired keys are dropped lazily on
// access. It only coordinates registries living in the same process.
type InMemory struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

// NewInMemory returns an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{items: make(map[string]entry), now: time.Now}
}

// lookup returns the live entry for key, dropping it when expired.
// Callers must hold s.mu.
func (s *InMemory) lookup(key string) (entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.items, key)
		return entry{}, false
	}
	return e, true
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *InMemory) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = e
	return true, nil
}

// DeleteIfValue implements Store.DeleteIfValue.
func (s *InMemory) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok || e.value != value {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// TTL implements Store.TTL.
func (s *InMemory) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return NoExpiry, true, nil
	}
	return e.expiresAt.Sub(s.now()), true, nil
}

// Len returns the number of live keys.
func (s *InMemory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.items {
		if _, ok := s.lookup(k); ok {
			n++
		}
	}
	return n
}
