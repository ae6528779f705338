// Package session caches verified principals in Redis so hot requests skip
// re-verifying the provider JWT. The cache is advisory: entries expire with
// the token and a miss simply re-verifies.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"inkwell/api/internal/identity"
)

// ErrCacheMiss is returned when no principal is cached for the token.
var ErrCacheMiss = errors.New("session: cache miss")

type cachedPrincipal struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	CachedAt time.Time `json:"cached_at"`
}

// RedisStore is a TTL-bound principal cache keyed by token hash. Raw tokens
// never reach Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "principal:"}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "principal:"}
}

func (s *RedisStore) key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%s%x", s.prefix, sum)
}

// Save caches the principal until the token's expiry.
func (s *RedisStore) Save(ctx context.Context, token string, principal identity.Principal, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(cachedPrincipal{
		ID:       principal.ID,
		Email:    principal.Email,
		CachedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal principal: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache principal: %w", err)
	}
	return nil
}

// Lookup returns the cached principal for the token, or ErrCacheMiss.
func (s *RedisStore) Lookup(ctx context.Context, token string) (identity.Principal, error) {
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return identity.Principal{}, ErrCacheMiss
	}
	if err != nil {
		return identity.Principal{}, fmt.Errorf("lookup principal: %w", err)
	}

	var cached cachedPrincipal
	if err := json.Unmarshal(data, &cached); err != nil {
		return identity.Principal{}, fmt.Errorf("unmarshal principal: %w", err)
	}
	return identity.Principal{ID: cached.ID, Email: cached.Email}, nil
}

// Invalidate drops the cache entry for the token (sign-out path).
func (s *RedisStore) Invalidate(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("invalidate principal: %w", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
