package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := NewRedisCache("redis://"+s.Addr(), ttl)
	if err != nil {
		t.Fatalf("NewRedisCache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func TestNewRedisCacheRejectsBadURL(t *testing.T) {
	if _, err := NewRedisCache("not a url", time.Minute); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestSetAndGet(t *testing.T) {
	c, s := setupTestCache(t, time.Hour)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if err := c.Set(ctx, "document:1:title:2", "line one\nline two"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, ok, err := c.Get(ctx, "document:1:title:2")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || got != "line one\nline two" {
		t.Fatalf("expected cached text, got %q (hit=%v)", got, ok)
	}
	if !s.Exists(keyPrefix + "document:1:title:2") {
		t.Error("expected key to carry the cache prefix")
	}
}

func TestGetMiss(t *testing.T) {
	c, _ := setupTestCache(t, time.Hour)
	_, ok, err := c.Get(context.Background(), "document:1:title:9")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected a miss")
	}
}

func TestEntriesExpire(t *testing.T) {
	c, s := setupTestCache(t, time.Minute)
	ctx := context.Background()
	if err := c.Set(ctx, "tag:4:title:1", "news"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	s.FastForward(2 * time.Minute)

	if _, ok, _ := c.Get(ctx, "tag:4:title:1"); ok {
		t.Error("expected entry to expire")
	}
}

func TestEmptyTextIsAHit(t *testing.T) {
	c, _ := setupTestCache(t, time.Hour)
	ctx := context.Background()
	if err := c.Set(ctx, "document:2:body:3", ""); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := c.Get(ctx, "document:2:body:3")
	if err != nil || !ok || got != "" {
		t.Fatalf("expected empty hit, got %q ok=%v err=%v", got, ok, err)
	}
}
