package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/sqlbot/internal/models"
	"github.com/wolfeidau/sqlbot/internal/store"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return New(client), mr
}

func testSession(userID string) *models.Session {
	now := time.Now().UTC()
	return &models.Session{
		SessionID:    "sid-" + userID,
		UserID:       userID,
		UserData:     models.UserData{Name: "Test", Email: "test@example.com", Role: "User"},
		AccessToken:  "token",
		ExpiresAt:    now.Add(time.Hour),
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := testStore(t)

	require.NoError(t, s.Put(ctx, "session:u1", testSession("u1"), time.Minute))
	require.True(t, mr.Exists("session:u1"))

	got, err := s.Get(ctx, "session:u1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "u1", got.UserID)
	require.Equal(t, "Test", got.UserData.Name)
}

func TestGetMissing(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.Get(context.Background(), "session:absent", time.Minute)
	require.True(t, errors.Is(err, store.ErrSessionNotFound))
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	s, mr := testStore(t)

	require.NoError(t, s.Put(ctx, "session:u1", testSession("u1"), time.Second))

	mr.FastForward(2 * time.Second)

	_, err := s.Get(ctx, "session:u1", time.Second)
	require.True(t, errors.Is(err, store.ErrSessionNotFound))
}

func TestGetReArmsTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := testStore(t)

	require.NoError(t, s.Put(ctx, "session:u1", testSession("u1"), 10*time.Second))

	mr.FastForward(8 * time.Second)

	// A read inside the window pushes the full TTL out again.
	_, err := s.Get(ctx, "session:u1", 10*time.Second)
	require.NoError(t, err)

	mr.FastForward(8 * time.Second)

	_, err = s.Get(ctx, "session:u1", 10*time.Second)
	require.NoError(t, err)
}

func TestGetCorruptRecord(t *testing.T) {
	ctx := context.Background()
	s, mr := testStore(t)

	require.NoError(t, mr.Set("session:u1", "not json"))

	_, err := s.Get(ctx, "session:u1", time.Minute)
	require.True(t, errors.Is(err, store.ErrSessionInvalid))
}

func TestDeleteReportsPresence(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	require.NoError(t, s.Put(ctx, "session:u1", testSession("u1"), time.Minute))

	removed, err := s.Delete(ctx, "session:u1")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = s.Delete(ctx, "session:u1")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestCountPrefix(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	require.NoError(t, s.Put(ctx, "session:u1", testSession("u1"), time.Minute))
	require.NoError(t, s.Put(ctx, "session:u2", testSession("u2"), time.Minute))
	require.NoError(t, s.Put(ctx, "other:x", testSession("x"), time.Minute))

	count, err := s.CountPrefix(ctx, "session:")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
