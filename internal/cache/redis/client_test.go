package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cluebase/backend/pkg/config"
)

// Requires a reachable server; set CLUEBASE_TEST_REDIS_HOST to run.
func newTestClient(t *testing.T) *Client {
	t.Helper()

	host := os.Getenv("CLUEBASE_TEST_REDIS_HOST")
	if host == "" {
		t.Skip("CLUEBASE_TEST_REDIS_HOST not set")
	}

	c, err := NewClient(context.Background(), config.RedisConfig{Host: host, Port: 6379})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestFirstSeen(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := uuid.NewString()

	first, err := c.FirstSeen(ctx, key, time.Minute)
	if err != nil || !first {
		t.Fatalf("first FirstSeen = %v, %v", first, err)
	}
	again, err := c.FirstSeen(ctx, key, time.Minute)
	if err != nil || again {
		t.Fatalf("second FirstSeen = %v, %v", again, err)
	}
}

func TestEmbeddingCache(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := uuid.NewString()

	if _, ok, err := c.GetEmbedding(ctx, key); err != nil || ok {
		t.Fatalf("expected miss, got %v, %v", ok, err)
	}
	if err := c.SetEmbedding(ctx, key, []float32{0.5, 1}, time.Minute); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	vec, ok, err := c.GetEmbedding(ctx, key)
	if err != nil || !ok || len(vec) != 2 || vec[0] != 0.5 {
		t.Fatalf("GetEmbedding = %v, %v, %v", vec, ok, err)
	}
}
