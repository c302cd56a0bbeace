package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	s, err := NewRedisStoreFromURL(context.Background(), "redis://"+mr.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStore_SetGet(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok := s.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("got (%q, %v), want (v, true)", got, ok)
	}

	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}
}

func TestRedisStore_GetMiss(t *testing.T) {
	s, _ := newTestRedisStore(t)

	if _, ok := s.Get(context.Background(), "absent"); ok {
		t.Error("expected a miss for an absent key")
	}
}

func TestRedisStore_ExpiredKey(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), 50*time.Millisecond)
	mr.FastForward(time.Second)

	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("expired key should be a miss")
	}
}

func TestRedisStore_Delete(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "k", []byte("v"), time.Minute)
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get(ctx, "k"); ok {
		t.Error("deleted key should be a miss")
	}
}

func TestRedisStore_ListOps(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	// RPUSH keeps FIFO order; LPUSH puts a job back at the head.
	if err := s.ListPush(ctx, "q", "a"); err != nil {
		t.Fatal(err)
	}
	if err := s.ListPush(ctx, "q", "b"); err != nil {
		t.Fatal(err)
	}
	if err := s.ListPushFront(ctx, "q", "front"); err != nil {
		t.Fatal(err)
	}

	if n := s.ListLen(ctx, "q"); n != 3 {
		t.Fatalf("len = %d, want 3", n)
	}

	want := []string{"front", "a", "b"}
	for _, w := range want {
		got, ok := s.ListPop(ctx, "q")
		if !ok || got != w {
			t.Fatalf("pop = (%q, %v), want (%q, true)", got, ok, w)
		}
	}

	if _, ok := s.ListPop(ctx, "q"); ok {
		t.Error("pop on an empty list should report not found")
	}
	if n := s.ListLen(ctx, "q"); n != 0 {
		t.Errorf("drained list len = %d, want 0", n)
	}
}

func TestRedisStore_Keys(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	_ = s.Set(ctx, "app:cb:openai", []byte("{}"), time.Minute)
	_ = s.Set(ctx, "app:cb:anthropic", []byte("{}"), time.Minute)
	_ = s.Set(ctx, "app:rl:openai:gpt-4o", []byte("{}"), time.Minute)

	keys := s.Keys(ctx, "app:cb:*")
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2: %v", len(keys), keys)
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	if !seen["app:cb:openai"] || !seen["app:cb:anthropic"] {
		t.Errorf("unexpected key set %v", keys)
	}
}

func TestRedisStore_FromURLBadAddress(t *testing.T) {
	if _, err := NewRedisStoreFromURL(context.Background(), "redis://127.0.0.1:1"); err == nil {
		t.Error("unreachable server should fail the ping")
	}
}

func TestRedisStore_FromURLMalformed(t *testing.T) {
	if _, err := NewRedisStoreFromURL(context.Background(), "::not-a-url::"); err == nil {
		t.Error("malformed url should fail to parse")
	}
}
