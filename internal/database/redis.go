package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"presence/pkg/interfaces"
	dbconfig "presence/pkg/database"
	"presence/pkg/types"
)

// RedisStore keeps the registry document under a single redis key
// ARCHITECTURAL DISCOVERY: The document is replaced with one SET, so a reader
// never sees a partially written registry
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to redis with short timeouts
func NewRedisStore(config *dbconfig.Config) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         config.RedisAddr,
		Password:     config.RedisPassword,
		DB:           config.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
	})
	return &RedisStore{client: client, key: config.RedisKey}
}

// SaveSnapshot replaces the stored document
func (s *RedisStore) SaveSnapshot(ctx context.Context, snapshot *types.Snapshot) error {
	document, err := dbconfig.EncodeSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, document, 0).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot to redis: %w", err)
	}
	return nil
}

// LoadSnapshot reads the stored document
func (s *RedisStore) LoadSnapshot(ctx context.Context) (*types.Snapshot, error) {
	document, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, interfaces.ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to load snapshot from redis: %w", err)
	}
	return dbconfig.DecodeSnapshot(document)
}

// HealthCheck pings redis
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if s == nil || s.client == nil {
		return ErrRedisDown
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRedisDown, err)
	}
	return nil
}

// Close releases the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
