package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/sqlbot/internal/models"
	"github.com/wolfeidau/sqlbot/internal/store"
)

// KeyPrefix is the storage namespace for session records. Keys are derived
// from the externally validated subject identifier, never from the signed
// session identifier.
const KeyPrefix = "session:"

// DefaultRefreshThreshold is how close to expiry an access token may get
// before it is treated as already expired and refreshed early.
const DefaultRefreshThreshold = 5 * time.Minute

// Manager owns the session lifecycle: create, fetch, update, delete, expire
// and count, keyed by user identity. All configuration is injected through
// the constructor; there is no package-level instance.
type Manager struct {
	store     store.SessionStore
	issuer    *Issuer
	timeout   time.Duration
	threshold time.Duration
	now       func() time.Time
}

// Update names the session fields that may be changed in place. Nil fields
// are left untouched.
type Update struct {
	UserData    *models.UserData
	AccessToken *string
	ExpiresAt   *time.Time
	Active      *bool
}

// NewManager creates a session manager over the given backend. timeout is
// the sliding storage window each read and write re-arms.
func NewManager(st store.SessionStore, issuer *Issuer, timeout time.Duration) *Manager {
	return &Manager{
		store:     st,
		issuer:    issuer,
		timeout:   timeout,
		threshold: DefaultRefreshThreshold,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// BackendName reports which storage backend is active, for diagnostics.
func (m *Manager) BackendName() string { return m.store.Name() }

func (m *Manager) key(userID string) string { return KeyPrefix + userID }

// CreateSession establishes a new session for userID from freshly validated
// token claims, overwriting any existing record unconditionally. It returns
// the signed session identifier for optional client-side use.
func (m *Manager) CreateSession(ctx context.Context, userID string, data models.UserData, accessToken string, expiresAt time.Time) (string, error) {
	sessionID, err := m.issuer.Issue(userID)
	if err != nil {
		return "", err
	}

	now := m.now().UTC()
	sess := &models.Session{
		SessionID:    sessionID,
		UserID:       userID,
		UserData:     data,
		AccessToken:  accessToken,
		ExpiresAt:    expiresAt,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}

	if err := m.store.Put(ctx, m.key(userID), sess, m.timeout); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to store session")
		return "", err
	}

	log.Info().Str("user_id", userID).Msg("Created session")
	return sessionID, nil
}

// GetSession returns the live session for userID, bumping its activity
// timestamp and sliding window as a side effect of the read. A missing,
// expired or corrupt record returns store.ErrSessionNotFound; the caller
// must treat that as "not authenticated, re-establish".
func (m *Manager) GetSession(ctx context.Context, userID string) (*models.Session, error) {
	sess, err := m.store.Get(ctx, m.key(userID), m.timeout)
	if err != nil {
		if errors.Is(err, store.ErrSessionInvalid) {
			log.Warn().Str("user_id", userID).Err(err).Msg("Discarding corrupt session record")
			return nil, store.ErrSessionNotFound
		}
		return nil, err
	}

	sess.LastActivity = m.now().UTC()
	if err := m.store.Put(ctx, m.key(userID), sess, m.timeout); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Failed to refresh session activity")
	}
	return sess, nil
}

// UpdateSession applies a read-modify-write over the stored record. It
// reports false when no session exists; it never creates one implicitly.
// Concurrent updates for the same user are last-writer-wins.
func (m *Manager) UpdateSession(ctx context.Context, userID string, upd Update) bool {
	sess, err := m.GetSession(ctx, userID)
	if err != nil {
		return false
	}

	if upd.UserData != nil {
		sess.UserData = *upd.UserData
	}
	if upd.AccessToken != nil {
		sess.AccessToken = *upd.AccessToken
	}
	if upd.ExpiresAt != nil {
		sess.ExpiresAt = *upd.ExpiresAt
	}
	if upd.Active != nil {
		sess.Active = *upd.Active
	}
	sess.LastActivity = m.now().UTC()

	if err := m.store.Put(ctx, m.key(userID), sess, m.timeout); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to update session")
		return false
	}
	return true
}

// DeleteSession terminates the session for userID. The record is flagged
// inactive before removal so a stale reference held across the logout cannot
// be used. Idempotent; returns true only when a record was actually removed.
func (m *Manager) DeleteSession(ctx context.Context, userID string) bool {
	inactive := false
	m.UpdateSession(ctx, userID, Update{Active: &inactive})

	removed, err := m.store.Delete(ctx, m.key(userID))
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to delete session")
		return false
	}
	if removed {
		log.Info().Str("user_id", userID).Msg("Deleted session")
	}
	return removed
}

// IsTokenExpired reports whether the session's cached access token is
// expired or close enough to expiry that it should be refreshed now. A
// missing expiry counts as expired. Pure function, no side effects.
func (m *Manager) IsTokenExpired(sess *models.Session) bool {
	if sess == nil || sess.ExpiresAt.IsZero() {
		return true
	}
	return sess.ExpiresAt.Sub(m.now()) <= m.threshold
}

// CleanupExpired sweeps expired entries on backends without native expiry.
func (m *Manager) CleanupExpired(ctx context.Context) int {
	removed := m.store.Cleanup(ctx)
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("Cleaned up expired sessions")
	}
	return removed
}

// ActiveSessionCount returns the number of live sessions. Approximate under
// concurrent mutation; intended for health and diagnostics only.
func (m *Manager) ActiveSessionCount(ctx context.Context) int {
	count, err := m.store.CountPrefix(ctx, KeyPrefix)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count sessions")
		return 0
	}
	return count
}

// UserSessionData returns the cached profile only when the session is both
// present and active. A logically terminated session yields nil even if the
// record has not been evicted yet.
func (m *Manager) UserSessionData(ctx context.Context, userID string) *models.UserData {
	sess, err := m.GetSession(ctx, userID)
	if err != nil || !sess.Active {
		return nil
	}
	data := sess.UserData
	return &data
}
