package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidToken is the single failure mode for Verify. Expired, forged and
// malformed tokens are deliberately indistinguishable to the caller so the
// outcome gives an attacker no oracle.
var ErrInvalidToken = errors.New("invalid session token")

// Issuer mints and verifies the signed session identifier: a self-contained,
// tamper-evident encoding of {user_id, issued_at} with its own max-age.
// Verification is pure computation against the shared secret; no storage
// lookup is involved, and the identifier is never used as a storage key.
type Issuer struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

type tokenPayload struct {
	UserID   string    `json:"user_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// NewIssuer creates a token issuer. The secret must be at least 32 bytes.
func NewIssuer(secret []byte, maxAge time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("session secret must be at least 32 bytes")
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("session token max age must be greater than 0")
	}
	return &Issuer{secret: secret, maxAge: maxAge, now: time.Now}, nil
}

// WithClock overrides the time source. Tests only.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue returns a signed identifier bound to userID.
func (i *Issuer) Issue(userID string) (string, error) {
	payload := tokenPayload{UserID: userID, IssuedAt: i.now().UTC()}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal session token: %w", err)
	}
	encoded := base64.URLEncoding.EncodeToString(data)

	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(encoded))
	signature := mac.Sum(nil)

	return encoded + "." + base64.URLEncoding.EncodeToString(signature), nil
}

// Verify checks the signature and age of a token and returns the bound user
// ID. Every failure returns ErrInvalidToken.
func (i *Issuer) Verify(token string) (string, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrInvalidToken
	}

	receivedSig, err := base64.URLEncoding.DecodeString(sig)
	if err != nil {
		return "", ErrInvalidToken
	}

	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(encoded))
	if !hmac.Equal(receivedSig, mac.Sum(nil)) {
		return "", ErrInvalidToken
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidToken
	}

	var payload tokenPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", ErrInvalidToken
	}
	if payload.UserID == "" {
		return "", ErrInvalidToken
	}
	if i.now().Sub(payload.IssuedAt) > i.maxAge {
		return "", ErrInvalidToken
	}

	return payload.UserID, nil
}
