package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("RIDE_DISPATCH_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("RIDE_DISPATCH_TEST_PG_DSN not set; skipping Postgres-backed store tests")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewPostgresStore(ctx, dsn, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	script, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_create_ride_requests.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if err := store.Migrate(ctx, string(script)); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	runStoreContract(t, func(t *testing.T) RequestStore { return store })
}

func TestRedisStoreContract(t *testing.T) {
	addr := os.Getenv("RIDE_DISPATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RIDE_DISPATCH_TEST_REDIS_ADDR not set; skipping Redis-backed store tests")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	runStoreContract(t, func(t *testing.T) RequestStore { return NewRedisStore(client, slog.New(slog.NewTextHandler(io.Discard, nil))) })
}
