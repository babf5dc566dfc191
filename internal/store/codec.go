package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wolfeidau/sqlbot/internal/models"
)

// Wire field names for the stored session blob. These match the JSON layout
// that earlier deployments wrote, so records survive an upgrade in place.
const (
	fieldSessionID    = "session_id"
	fieldUserID       = "user_id"
	fieldUserData     = "user_data"
	fieldAccessToken  = "access_token"
	fieldExpiresAt    = "expires_at"
	fieldCreatedAt    = "created_at"
	fieldLastActivity = "last_activity"
	fieldActive       = "active"
)

// timestampLayouts are the accepted encodings for stored timestamps: RFC 3339
// with a trailing UTC marker or an explicit offset, plus the bare ISO form
// (no zone, taken as UTC) that older writers produced.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Encode serialises a session to its storage blob. Unknown fields carried in
// sess.Extra are written back untouched; known fields always win.
func Encode(sess *models.Session) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(sess.Extra)+8)
	for k, v := range sess.Extra {
		out[k] = v
	}

	set := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		out[key] = raw
		return nil
	}

	if err := set(fieldSessionID, sess.SessionID); err != nil {
		return nil, err
	}
	if err := set(fieldUserID, sess.UserID); err != nil {
		return nil, err
	}
	if err := set(fieldUserData, sess.UserData); err != nil {
		return nil, err
	}
	if err := set(fieldAccessToken, sess.AccessToken); err != nil {
		return nil, err
	}
	if err := set(fieldActive, sess.Active); err != nil {
		return nil, err
	}
	if err := set(fieldCreatedAt, formatTimestamp(sess.CreatedAt)); err != nil {
		return nil, err
	}
	if err := set(fieldLastActivity, formatTimestamp(sess.LastActivity)); err != nil {
		return nil, err
	}
	if !sess.ExpiresAt.IsZero() {
		if err := set(fieldExpiresAt, formatTimestamp(sess.ExpiresAt)); err != nil {
			return nil, err
		}
	}

	return json.Marshal(out)
}

// Decode parses a storage blob back into a session. A malformed blob returns
// ErrSessionInvalid; callers treat that the same as a missing session. An
// unparseable individual timestamp decodes to the zero time rather than
// failing the whole record.
func Decode(data []byte) (*models.Session, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionInvalid, err)
	}

	sess := &models.Session{}

	if err := takeString(raw, fieldSessionID, &sess.SessionID); err != nil {
		return nil, err
	}
	if err := takeString(raw, fieldUserID, &sess.UserID); err != nil {
		return nil, err
	}
	if err := takeString(raw, fieldAccessToken, &sess.AccessToken); err != nil {
		return nil, err
	}
	if v, ok := raw[fieldUserData]; ok {
		if err := json.Unmarshal(v, &sess.UserData); err != nil {
			return nil, fmt.Errorf("%w: user_data: %v", ErrSessionInvalid, err)
		}
		delete(raw, fieldUserData)
	}
	if v, ok := raw[fieldActive]; ok {
		if err := json.Unmarshal(v, &sess.Active); err != nil {
			return nil, fmt.Errorf("%w: active: %v", ErrSessionInvalid, err)
		}
		delete(raw, fieldActive)
	}

	sess.ExpiresAt = takeTimestamp(raw, fieldExpiresAt)
	sess.CreatedAt = takeTimestamp(raw, fieldCreatedAt)
	sess.LastActivity = takeTimestamp(raw, fieldLastActivity)

	if len(raw) > 0 {
		sess.Extra = raw
	}

	return sess, nil
}

func takeString(raw map[string]json.RawMessage, key string, dst *string) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSessionInvalid, key, err)
	}
	delete(raw, key)
	return nil
}

func takeTimestamp(raw map[string]json.RawMessage, key string) time.Time {
	v, ok := raw[key]
	if !ok {
		return time.Time{}
	}
	delete(raw, key)

	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return time.Time{}
	}
	return ParseTimestamp(s)
}

// ParseTimestamp normalises the two accepted timestamp representations to a
// single absolute instant. Returns the zero time when nothing matches.
func ParseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
