package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/relay-tender/db"
	"github.com/onnwee/relay-tender/store"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.Exec(`TRUNCATE relay_sessions, kv`); err != nil {
		database.Close()
		t.Fatalf("failed to truncate: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// SetupTestRedis connects to TEST_REDIS_ADDR (DB 15), flushes it and returns
// a store over it. It skips the test when the variable is not set.
func SetupTestRedis(t *testing.T) *store.RedisStore {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := store.NewRedisStore(ctx, addr, os.Getenv("TEST_REDIS_PASSWORD"), 15)
	if err != nil {
		t.Fatalf("connect redis: %v", err)
	}
	if err := s.Client.FlushDB(ctx).Err(); err != nil && err != redis.Nil {
		t.Fatalf("flush redis: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}
