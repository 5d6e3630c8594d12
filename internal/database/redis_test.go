package database

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"presence/pkg/interfaces"
	dbconfig "presence/pkg/database"
)

// Redis tests need a live server; set ATTENDANCE_TEST_REDIS_ADDR to run them
func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("ATTENDANCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ATTENDANCE_TEST_REDIS_ADDR not set")
	}
	config := dbconfig.DefaultConfig()
	config.Backend = dbconfig.BackendRedis
	config.RedisAddr = addr
	config.RedisKey = "attendance:test:" + uuid.NewString()

	store := NewRedisStore(config)
	t.Cleanup(func() {
		_ = store.client.Del(context.Background(), store.key).Err()
		_ = store.Close()
	})
	return store
}

func TestRedisStore_SaveAndLoad(t *testing.T) {
	store := setupRedisStore(t)
	ctx := context.Background()

	if _, err := store.LoadSnapshot(ctx); !errors.Is(err, interfaces.ErrSnapshotNotFound) {
		t.Fatalf("Expected ErrSnapshotNotFound, got %v", err)
	}
	if err := store.SaveSnapshot(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	loaded, err := store.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if loaded.Classes["CSCI-101"].Students["1"].Name != "Ada" {
		t.Errorf("Unexpected snapshot: %+v", loaded)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestRedisStore_UnreachableHealthCheck(t *testing.T) {
	config := dbconfig.DefaultConfig()
	config.RedisAddr = "127.0.0.1:1"
	store := NewRedisStore(config)
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := store.HealthCheck(ctx); !errors.Is(err, ErrRedisDown) {
		t.Errorf("Expected ErrRedisDown, got %v", err)
	}
}
