package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fixedLimiter(now *time.Time) *Limiter {
	l := NewLimiter(NewMemory(), nil)
	l.Now = func() time.Time { return *now }
	return l
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2026, 3, 1, 13, 45, 27, 500, time.UTC)
	if got := WindowMinute.Start(now); !got.Equal(time.Date(2026, 3, 1, 13, 45, 0, 0, time.UTC)) {
		t.Fatalf("minute start %v", got)
	}
	if got := WindowDay.Start(now); !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("day start %v", got)
	}
}

func TestMinuteWindowDeniesThenRollsOver(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	l := fixedLimiter(&now)
	ctx := context.Background()
	limits := Limits{PerMinute: 3, PerDay: 100}

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "k1", limits)
		if err != nil || !d.Allowed {
			t.Fatalf("request %d should be allowed: %+v %v", i+1, d, err)
		}
		if d.Remaining != 2-i {
			t.Fatalf("request %d: expected remaining %d, got %d", i+1, 2-i, d.Remaining)
		}
	}

	d, err := l.Allow(ctx, "k1", limits)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed || d.Window != WindowMinute || d.Remaining != 0 {
		t.Fatalf("fourth request should be denied by the minute window: %+v", d)
	}
	if got := d.RetryAfter(); got != 50*time.Second {
		t.Fatalf("expected 50s retry, got %v", got)
	}

	// Another key has its own windows.
	if d, _ := l.Allow(ctx, "k2", limits); !d.Allowed {
		t.Fatalf("other key should not be limited")
	}

	now = now.Add(time.Minute)
	if d, _ := l.Allow(ctx, "k1", limits); !d.Allowed {
		t.Fatalf("request in the next window should be allowed: %+v", d)
	}
}

func TestDayWindowDenies(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 58, 0, 0, time.UTC)
	l := fixedLimiter(&now)
	ctx := context.Background()
	limits := Limits{PerMinute: 10, PerDay: 2}

	for i := 0; i < 2; i++ {
		if d, _ := l.Allow(ctx, "k1", limits); !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	d, _ := l.Allow(ctx, "k1", limits)
	if d.Allowed || d.Window != WindowDay {
		t.Fatalf("expected day denial, got %+v", d)
	}
	if !d.ResetAt.Equal(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected reset %v", d.ResetAt)
	}

	now = now.Add(3 * time.Minute)
	if d, _ := l.Allow(ctx, "k1", limits); !d.Allowed {
		t.Fatalf("new day should reset the counter")
	}
}

func TestConcurrentRequestsNeverExceedLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := fixedLimiter(&now)
	limits := Limits{PerMinute: 25, PerDay: 1000}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d, err := l.Allow(context.Background(), "k1", limits); err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 25 {
		t.Fatalf("expected exactly 25 admitted, got %d", got)
	}
}

func TestHeaders(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	d := Decision{Allowed: false, Window: WindowMinute, Limit: 60, Remaining: 0, ResetAt: now.Add(30 * time.Second), CheckedAt: now}
	h := http.Header{}
	d.WriteHeaders(h)

	if h.Get("X-RateLimit-Limit") != "60" || h.Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected headers %v", h)
	}
	if h.Get("Retry-After") != "30" {
		t.Fatalf("expected Retry-After 30, got %q", h.Get("Retry-After"))
	}

	d.Allowed = true
	h = http.Header{}
	d.WriteHeaders(h)
	if h.Get("Retry-After") != "" {
		t.Fatalf("allowed responses carry no Retry-After")
	}
}

func TestPurge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := fixedLimiter(&now)
	ctx := context.Background()
	l.Allow(ctx, "k1", Limits{PerMinute: 5, PerDay: 5})

	now = now.Add(Retention + 25*time.Hour)
	n, err := l.Purge(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected both windows purged, got %d %v", n, err)
	}
}

func TestRedisKey(t *testing.T) {
	r := NewRedis(nil, "")
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if got := r.Key("k1", WindowDay, start); got != "giftledger:rl:k1:day:1772323200" {
		t.Fatalf("unexpected key %q", got)
	}
}
