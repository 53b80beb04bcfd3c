// Package session stores browser login state for the editor front-end.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"coedit/api/internal/auth"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("browser session not found or expired")

// BrowserSession is what a browser cookie resolves to.
type BrowserSession struct {
	UserID      string    `json:"user_id,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	ConvID      string    `json:"conv_id,omitempty"`
	Token       string    `json:"token,omitempty"`
	OAuthState  string    `json:"oauth_state,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RedisStore implements browser session storage using Redis
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed browser session store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
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

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "coedit:browser:",
		ttl:    ttl,
	}
}

// key hashes the cookie value so raw identifiers never reach Redis
func (s *RedisStore) key(id string) string {
	return s.prefix + auth.HashToken(id)
}

// Save stores the session and refreshes its expiry
func (s *RedisStore) Save(ctx context.Context, id string, data BrowserSession) error {
	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now()
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal browser session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(id), jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("save browser session: %w", err)
	}
	return nil
}

// Load retrieves the session for a cookie value
func (s *RedisStore) Load(ctx context.Context, id string) (BrowserSession, error) {
	jsonData, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return BrowserSession{}, ErrNotFound
	}
	if err != nil {
		return BrowserSession{}, fmt.Errorf("lookup browser session: %w", err)
	}

	var data BrowserSession
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return BrowserSession{}, fmt.Errorf("unmarshal browser session: %w", err)
	}
	return data, nil
}

// Delete removes a session; deleting a missing session is not an error
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("delete browser session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
