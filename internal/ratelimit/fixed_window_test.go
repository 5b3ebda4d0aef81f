package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*FixedWindow, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	l := NewFixedWindow(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	now := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestFixedWindowBoundary(t *testing.T) {
	ctx := context.Background()
	l, now := newTestLimiter(t)

	// Exactly maxRequests calls succeed within one window.
	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "service:openai", 3, time.Minute)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected call %d allowed", i+1)
		}
	}
	allowed, err := l.Allow(ctx, "service:openai", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow overflow: %v", err)
	}
	if allowed {
		t.Fatal("expected 4th call in window denied")
	}

	// A new window starts with a fresh count regardless of the old one.
	*now = now.Add(time.Minute)
	allowed, err = l.Allow(ctx, "service:openai", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow new window: %v", err)
	}
	if !allowed {
		t.Fatal("expected first call of new window allowed")
	}
}

func TestFixedWindowKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t)

	if allowed, _ := l.Allow(ctx, "ip:10.0.0.1", 1, time.Minute); !allowed {
		t.Fatal("first key should be allowed")
	}
	if allowed, _ := l.Allow(ctx, "ip:10.0.0.1", 1, time.Minute); allowed {
		t.Fatal("first key should now be exhausted")
	}
	if allowed, _ := l.Allow(ctx, "ip:10.0.0.2", 1, time.Minute); !allowed {
		t.Fatal("second key must not share the first key's window")
	}
}
