package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolfeidau/sqlbot/internal/models"
	"github.com/wolfeidau/sqlbot/internal/store"
)

// Store implements store.SessionStore on Redis. TTL handling is delegated to
// Redis native expiry; a Get hit re-arms the key's TTL so active use keeps a
// session alive indefinitely (sliding expiration).
type Store struct {
	client *redis.Client
}

// New wraps an already connected Redis client. The caller is responsible for
// probing connectivity at startup; there is no reconnect loop here.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Name() string { return "redis" }

func (s *Store) Close() error { return s.client.Close() }

// Put stores the encoded session with the given TTL, overwriting any
// existing value.
func (s *Store) Put(ctx context.Context, key string, sess *models.Session, ttl time.Duration) error {
	data, err := store.Encode(sess)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Get fetches and decodes the session under key, sliding its TTL forward on
// a hit. Redis evicts expired keys itself, so a miss and an expiry look the
// same here.
func (s *Store) Get(ctx context.Context, key string, ttl time.Duration) (*models.Session, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	sess, err := store.Decode(data)
	if err != nil {
		return nil, err
	}

	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return nil, fmt.Errorf("redis expire: %w", err)
	}
	return sess, nil
}

// Delete removes the key, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

// CountPrefix counts keys under the namespace using SCAN, so it never blocks
// the server the way KEYS would. The result is approximate under concurrent
// mutation.
func (s *Store) CountPrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("redis scan: %w", err)
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}

// Cleanup is a no-op: Redis expires keys natively.
func (s *Store) Cleanup(ctx context.Context) int { return 0 }
