package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestNewIssuerRejectsShortSecret(t *testing.T) {
	_, err := NewIssuer([]byte("too short"), time.Hour)
	require.Error(t, err)
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	issuer, err := NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)

	token, err := issuer.Issue("user-1")
	require.NoError(t, err)
	require.Contains(t, token, ".")

	userID, err := issuer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)
}

func TestVerifyFailuresAreUniform(t *testing.T) {
	now := time.Now()
	issuer, err := NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	issuer.WithClock(func() time.Time { return now })

	token, err := issuer.Issue("user-1")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token func() string
	}{
		{
			name: "tampered payload",
			token: func() string {
				encoded, sig, _ := strings.Cut(token, ".")
				return "x" + encoded + "." + sig
			},
		},
		{
			name: "tampered signature",
			token: func() string {
				encoded, _, _ := strings.Cut(token, ".")
				return encoded + ".AAAA"
			},
		},
		{
			name:  "no separator",
			token: func() string { return strings.ReplaceAll(token, ".", "") },
		},
		{
			name:  "empty",
			token: func() string { return "" },
		},
		{
			name: "over max age",
			token: func() string {
				now = now.Add(time.Hour + time.Second)
				return token
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Verify(tt.token())
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer, err := NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)

	other, err := NewIssuer([]byte("ffffffffffffffffffffffffffffffff"), time.Hour)
	require.NoError(t, err)

	token, err := issuer.Issue("user-1")
	require.NoError(t, err)

	_, err = other.Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
