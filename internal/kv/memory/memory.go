// Package memory provides an in-memory kv.Store for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/toolgate/internal/kv"
)

// DefaultJanitorInterval is how often the background janitor sweeps expired
// entries when none is configured.
const DefaultJanitorInterval = 5 * time.Minute

type entry struct {
	value     []byte
	counter   int64
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store implements kv.Store using in-memory storage. Data is lost on restart,
// which is acceptable for single-node deployments and tests.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	stopJanitor chan struct{}
	stopOnce    sync.Once
}

// New creates an in-memory store and starts a background janitor sweeping
// expired entries every interval. An interval of zero uses
// DefaultJanitorInterval.
func New(interval time.Duration) *Store {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}

	s := &Store{
		entries:     make(map[string]*entry),
		stopJanitor: make(chan struct{}),
	}

	go s.janitor(interval)

	return s
}

// Get returns the value for key, or kv.ErrKeyNotFound if absent or expired.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, kv.ErrKeyNotFound
	}

	// Clone to avoid external modifications
	value := make([]byte, len(e.value))
	copy(value, e.value)

	return value, nil
}

// Put writes the value for key, replacing any existing entry.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = newEntry(value, ttl)

	return nil
}

// Add writes the value for key only if no live entry exists.
func (s *Store) Add(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !e.expired(time.Now()) {
		return kv.ErrKeyExists
	}

	s.entries[key] = newEntry(value, ttl)

	return nil
}

// Take atomically reads and deletes the value for key.
func (s *Store) Take(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, kv.ErrKeyNotFound
	}

	delete(s.entries, key)

	return e.value, nil
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)

	return nil
}

// Increment adds delta to the counter at key and returns the new value.
func (s *Store) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		e = newEntry(nil, ttl)
		s.entries[key] = e
	}

	e.counter += delta

	return e.counter, nil
}

// Close stops the background janitor.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopJanitor)
	})

	return nil
}

// Len returns the number of live entries, counting expired entries the
// janitor has not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}

func (s *Store) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.stopJanitor:
			return
		}
	}
}

func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
}

func newEntry(value []byte, ttl time.Duration) *entry {
	e := &entry{}

	if value != nil {
		e.value = make([]byte, len(value))
		copy(e.value, value)
	}

	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	return e
}
