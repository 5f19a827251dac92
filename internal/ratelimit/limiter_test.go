package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limit int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := New(client, "test:render", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return l, mr
}

func TestLimiterBlocksAfterLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "10.1.1.1")
		if err != nil || !d.Allowed {
			t.Fatalf("call %d: decision=%+v err=%v", i, d, err)
		}
	}
	d, err := l.Allow(ctx, "10.1.1.1")
	if err != nil {
		t.Fatalf("third call: %v", err)
	}
	if d.Allowed || d.RetryAfter <= 0 {
		t.Fatalf("third call should be denied with retry hint, got %+v", d)
	}
	if d, _ := l.Allow(ctx, "10.2.2.2"); !d.Allowed || d.Remaining != 1 {
		t.Fatalf("other key should be independent, got %+v", d)
	}
}

func TestLimiterFailsClosed(t *testing.T) {
	l, mr := newTestLimiter(t, 5)
	mr.Close()
	d, err := l.Allow(context.Background(), "10.1.1.1")
	if err == nil || d.Allowed {
		t.Fatalf("expected denial with error, got %+v err=%v", d, err)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, "", 1, time.Second); err == nil {
		t.Fatal("expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := New(client, "", 0, time.Second); err == nil {
		t.Fatal("expected error for zero limit")
	}
}
