package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/wolfeidau/sqlbot/internal/models"
	"github.com/wolfeidau/sqlbot/internal/store"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Store implements store.SessionStore with an in-process map. It is the
// fallback backend when Redis is unreachable at startup; entries carry a
// manually tracked absolute expiry and are evicted lazily on read or by
// Cleanup. The map is the only shared resource, so a single mutex covers
// get, put, delete and sweep.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry

	now func() time.Time
}

// New creates an empty in-memory session store.
func New() *Store {
	return &Store{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Name() string { return "memory" }

func (s *Store) Close() error { return nil }

// Put stores the encoded session with an absolute expiry of now+ttl.
func (s *Store) Put(ctx context.Context, key string, sess *models.Session, ttl time.Duration) error {
	data, err := store.Encode(sess)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{data: data, expiresAt: s.now().Add(ttl)}
	return nil
}

// Get returns the session under key, deleting it at read time if expired
// (lazy expiry) and re-arming the expiry window on a hit.
func (s *Store) Get(ctx context.Context, key string, ttl time.Duration) (*models.Session, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, store.ErrSessionNotFound
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, store.ErrSessionNotFound
	}
	e.expiresAt = s.now().Add(ttl)
	s.entries[key] = e
	s.mu.Unlock()

	sess, err := store.Decode(e.data)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes the key, reporting whether a live record was present.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	delete(s.entries, key)
	return s.now().Before(e.expiresAt), nil
}

// CountPrefix sweeps expired entries first, then counts survivors under the
// prefix.
func (s *Store) CountPrefix(ctx context.Context, prefix string) (int, error) {
	s.Cleanup(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count, nil
}

// Cleanup removes all expired entries. Idempotent and safe to call
// concurrently with reads and writes.
func (s *Store) Cleanup(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}
