package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/sqlbot/internal/models"
)

// Sentinel errors for session lookups. Callers distinguish three outcomes:
// found, not found (absent or expired), and invalid (present but corrupt).
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInvalid  = errors.New("session record invalid")
)

// SessionStore is the uniform contract over the two session backends: a
// networked Redis store with native per-key expiry, and a local in-process
// map with manually tracked expiry. The backend is selected once at startup.
//
// Every Put and every Get hit re-arms the key's TTL to the given window
// (sliding expiration). Operation failures are returned to the caller, which
// treats them as "no session" rather than propagating them to the end user.
type SessionStore interface {
	// Put stores the session under key with the given TTL, overwriting any
	// existing record unconditionally.
	Put(ctx context.Context, key string, sess *models.Session, ttl time.Duration) error

	// Get returns the session stored under key, re-arming its TTL as a side
	// effect. Returns ErrSessionNotFound for absent or expired keys and
	// ErrSessionInvalid when the stored blob cannot be decoded.
	Get(ctx context.Context, key string, ttl time.Duration) (*models.Session, error)

	// Delete removes the key, reporting whether a record was actually present.
	Delete(ctx context.Context, key string) (bool, error)

	// CountPrefix counts live keys under the given namespace prefix. The
	// count is observational: it is not a transactional snapshot and may be
	// stale under concurrent mutation.
	CountPrefix(ctx context.Context, prefix string) (int, error)

	// Cleanup evicts expired entries and returns how many were removed.
	// Backends with native expiry treat this as a no-op. Safe to call
	// concurrently with reads and writes.
	Cleanup(ctx context.Context) int

	// Name identifies the backend ("redis" or "memory") for diagnostics.
	Name() string

	Close() error
}
