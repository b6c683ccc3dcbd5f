//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisDB is the database integration tests use.
const RedisDB = 15

// RedisAddr returns the address of the test Redis, taken from
// SYDEFLASH_TEST_REDIS_ADDR and defaulting to localhost.
func RedisAddr() string {
	if addr := os.Getenv("SYDEFLASH_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:6379"
}

// SkipIfNoRedis skips the test if the test Redis is not reachable.
func SkipIfNoRedis(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: RedisAddr()})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", RedisAddr(), err)
	}
}

// RedisClient returns a client on the test database that is closed when
// the test ends.
func RedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: RedisAddr(), DB: RedisDB})
	t.Cleanup(func() { client.Close() })
	return client
}

// FlushDB empties the test database.
func FlushDB(t *testing.T) {
	t.Helper()

	if err := RedisClient(t).FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing DB %d: %v", RedisDB, err)
	}
}

// TTL returns the remaining time to live of key in the test database.
func TTL(t *testing.T, key string) time.Duration {
	t.Helper()

	d, err := RedisClient(t).TTL(context.Background(), key).Result()
	if err != nil {
		t.Fatalf("getting TTL of %s: %v", key, err)
	}
	return d
}

// Context returns a context with a reasonable timeout for tests.
// The cancel function is registered via t.Cleanup.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
