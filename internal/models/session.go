package models

import (
	"encoding/json"
	"time"
)

// UserData is the denormalized profile snapshot captured when a session is
// created. It is served from the cache on subsequent requests rather than
// being re-derived from the bearer token every time.
type UserData struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Session is the server-side record of one authenticated user's working
// context. Exactly one session exists per user ID at any time.
//
// ExpiresAt tracks the access token's own expiry, which is independent of
// (and usually shorter than) the sliding storage TTL. A zero ExpiresAt means
// the expiry is unknown and the token must be treated as expired.
type Session struct {
	SessionID    string
	UserID       string
	UserData     UserData
	AccessToken  string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	LastActivity time.Time

	// Active distinguishes a logically terminated session from a physically
	// absent one. It is cleared just before deletion on the logout path.
	Active bool

	// Extra carries unrecognised fields from the stored blob. They survive a
	// round trip through the codec but are never interpreted.
	Extra map[string]json.RawMessage
}
