package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TokenKey is the fast slot holding only the bearer token.
	TokenKey = "auth-token"
	// StorageKey holds the serialized session state blob.
	StorageKey = "auth-storage"

	storagePrefix = "bugbridge:ws:"
)

// Storage is the durable key/value space backing one workspace.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// RedisStorage scopes durable keys to a single browser session.
type RedisStorage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStorage builds a Storage for the given workspace ID. A zero ttl keeps keys forever.
func NewRedisStorage(client *redis.Client, workspaceID string, ttl time.Duration) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: WorkspacePrefix(workspaceID),
		ttl:    ttl,
	}
}

// WorkspacePrefix returns the Redis key prefix used for a workspace.
func WorkspacePrefix(workspaceID string) string {
	return storagePrefix + workspaceID + ":"
}

// StoragePattern matches every structured blob across workspaces.
func StoragePattern() string {
	return storagePrefix + "*:" + StorageKey
}

// Get returns the value for key and whether it exists.
func (s *RedisStorage) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("session: storage get %s: %w", key, err)
	}
	return value, true, nil
}

// Set writes value under key, refreshing the expiry.
func (s *RedisStorage) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.prefix+key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("session: storage set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("session: storage delete %s: %w", key, err)
	}
	return nil
}

var _ Storage = (*RedisStorage)(nil)
