package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"convoflow/internal/core"
)

// DefaultSessionTTL bounds how long a persisted snapshot outlives its last write.
const DefaultSessionTTL = 40 * time.Minute

// RedisStore persists session snapshots in Redis with a TTL per key.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis using the given URL (redis://...) and
// verifies the connection with a ping.
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	if url == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

func (r *RedisStore) SaveSession(ctx context.Context, tenantID, userID, sessionID string, session *core.Session) error {
	data, err := sonic.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", sessionID, err)
	}
	key := storageKey(tenantID, userID, sessionID)
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %w", core.ErrPersistenceUnavailable, key, err)
	}
	return nil
}

func (r *RedisStore) LoadSession(ctx context.Context, tenantID, userID, sessionID string) (*core.Session, error) {
	key := storageKey(tenantID, userID, sessionID)
	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get %s: %w", core.ErrPersistenceUnavailable, key, err)
	}

	var session core.Session
	if err := sonic.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", sessionID, err)
	}

	// Reads refresh the TTL so active conversations outlive idle ones.
	r.client.Expire(ctx, key, r.ttl)
	return &session, nil
}

func (r *RedisStore) DeleteSession(ctx context.Context, tenantID, userID, sessionID string) error {
	key := storageKey(tenantID, userID, sessionID)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %w", core.ErrPersistenceUnavailable, key, err)
	}
	return nil
}

// Ping tests the Redis connection.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
