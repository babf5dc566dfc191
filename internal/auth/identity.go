package auth

import (
	"context"
	"strings"
	"time"

	"github.com/wolfeidau/sqlbot/internal/models"
)

// Identity is the authenticated caller extracted from a validated bearer
// token. It is added to the request context by the verification middleware.
type Identity struct {
	Subject     string
	Profile     models.UserData
	AccessToken string
	ExpiresAt   time.Time
}

type contextKey int

const identityContextKey contextKey = iota

// IdentityFromContext extracts the authenticated identity from the request
// context. Returns nil for unauthenticated requests.
func IdentityFromContext(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey).(*Identity)
	return identity
}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, identity)
}

// roleByName maps known first names to their assigned role. Anyone not
// listed gets the default "User" role.
var roleByName = map[string]string{
	"mathu":    "Marketing",
	"baghya":   "Finance",
	"vivek":    "Analyst",
	"dhivakar": "Admin",
}

// ResolveRole returns the role for a display name, matching on the
// lowercased name.
func ResolveRole(name string) string {
	if role, ok := roleByName[strings.ToLower(name)]; ok {
		return role
	}
	return "User"
}
