package breaker

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := New(NewRedisStore(client), 5, 5*time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		if err := b.RecordFailure(ctx, "openai"); err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
		allowed, err := b.Allow(ctx, "openai")
		if err != nil || !allowed {
			t.Fatalf("expected allow after %d failures, got allowed=%v err=%v", i+1, allowed, err)
		}
	}

	if err := b.RecordFailure(ctx, "openai"); err != nil {
		t.Fatalf("fifth failure: %v", err)
	}
	allowed, err := b.Allow(ctx, "openai")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("expected breaker open after 5 consecutive failures")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t)

	for i := 0; i < 4; i++ {
		_ = b.RecordFailure(ctx, "openai")
	}
	if err := b.RecordSuccess(ctx, "openai"); err != nil {
		t.Fatalf("record success: %v", err)
	}
	// The streak restarts, so four more failures must not open the breaker.
	for i := 0; i < 4; i++ {
		_ = b.RecordFailure(ctx, "openai")
	}
	allowed, _ := b.Allow(ctx, "openai")
	if !allowed {
		t.Fatal("expected closed breaker after intervening success")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	ctx := context.Background()
	b, now := newTestBreaker(t)

	for i := 0; i < 5; i++ {
		_ = b.RecordFailure(ctx, "openai")
	}
	if allowed, _ := b.Allow(ctx, "openai"); allowed {
		t.Fatal("expected open breaker")
	}

	// Recovery timeout elapses; the next check admits a probe.
	*now = now.Add(5*time.Minute + time.Second)
	allowed, err := b.Allow(ctx, "openai")
	if err != nil || !allowed {
		t.Fatalf("expected half-open probe admitted, got allowed=%v err=%v", allowed, err)
	}

	// Probe fails: breaker reopens with a fresh recovery window.
	if err := b.RecordFailure(ctx, "openai"); err != nil {
		t.Fatalf("probe failure: %v", err)
	}
	if allowed, _ := b.Allow(ctx, "openai"); allowed {
		t.Fatal("expected reopen after failed probe")
	}

	// Second probe succeeds: breaker closes and stays closed.
	*now = now.Add(5*time.Minute + time.Second)
	if allowed, _ := b.Allow(ctx, "openai"); !allowed {
		t.Fatal("expected second probe admitted")
	}
	if err := b.RecordSuccess(ctx, "openai"); err != nil {
		t.Fatalf("probe success: %v", err)
	}
	st, found, err := b.store.Get(ctx, "openai")
	if err != nil || !found {
		t.Fatalf("state lookup: found=%v err=%v", found, err)
	}
	if st.State != StateClosed || st.FailureCount != 0 {
		t.Fatalf("expected closed state with reset count, got %s count=%d", st.State, st.FailureCount)
	}
	if allowed, _ := b.Allow(ctx, "openai"); !allowed {
		t.Fatal("expected closed breaker to allow")
	}
}

func TestBreakerUnknownServiceDefaultsClosed(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBreaker(t)

	allowed, err := b.Allow(ctx, "sheets")
	if err != nil || !allowed {
		t.Fatalf("expected lazily-created closed breaker to allow, got allowed=%v err=%v", allowed, err)
	}
}
