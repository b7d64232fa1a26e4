// Package ratelimit implements per API key fixed-window request limits.
//
// Each key has a minute and a day window. A window is a counter row keyed by
// (key, window type, window start) that is created on first use and only
// incremented while it is below the limit. The compare-and-increment is done
// by the backend in one atomic step so concurrent requests cannot both take
// the last slot.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"giftledger/internal/common/metrics"
)

// Window is a fixed counting period.
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
)

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	if w == WindowDay {
		return 24 * time.Hour
	}
	return time.Minute
}

// Start returns floor(now / d) * d for the window, in UTC.
func (w Window) Start(now time.Time) time.Time {
	return now.UTC().Truncate(w.Duration())
}

// Retention is how long stale windows are kept before the purge removes them.
const Retention = 48 * time.Hour

// Backend stores window counters.
type Backend interface {
	// Take increments the (keyID, window, start) counter if it is below
	// limit, creating it at 1 when absent. It returns the counter value
	// after the call and whether the request was admitted.
	Take(ctx context.Context, keyID string, window Window, start time.Time, limit int) (count int, allowed bool, err error)
	// Purge deletes windows that started before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// Limits are the per-key window sizes.
type Limits struct {
	PerMinute int
	PerDay    int
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed   bool
	Window    Window
	Limit     int
	Remaining int
	ResetAt   time.Time
	// CheckedAt is the limiter time of the check.
	CheckedAt time.Time
}

// RetryAfter is the wait until the deciding window resets.
func (d Decision) RetryAfter() time.Duration {
	if wait := d.ResetAt.Sub(d.CheckedAt); wait > 0 {
		return wait
	}
	return 0
}

// WriteHeaders sets the X-RateLimit-* headers, and Retry-After on denial.
func (d Decision) WriteHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		secs := int64(d.RetryAfter().Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.FormatInt(secs, 10))
	}
}

// Limiter checks the minute window and then the day window.
type Limiter struct {
	backend Backend
	metrics *metrics.Metrics
	Now     func() time.Time
}

// NewLimiter creates a limiter over backend
func NewLimiter(backend Backend, m *metrics.Metrics) *Limiter {
	return &Limiter{
		backend: backend,
		metrics: m,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Allow consumes one request for keyID. The day window is only consulted
// once the minute window admits the request, so a request denied by the day
// window has still used a minute slot.
func (l *Limiter) Allow(ctx context.Context, keyID string, limits Limits) (Decision, error) {
	now := l.now()

	minute, err := l.take(ctx, keyID, WindowMinute, limits.PerMinute, now)
	if err != nil || !minute.Allowed {
		return minute, err
	}
	day, err := l.take(ctx, keyID, WindowDay, limits.PerDay, now)
	if err != nil || !day.Allowed {
		return day, err
	}

	// Report whichever window is closer to exhaustion.
	if day.Remaining < minute.Remaining {
		return day, nil
	}
	return minute, nil
}

func (l *Limiter) take(ctx context.Context, keyID string, w Window, limit int, now time.Time) (Decision, error) {
	start := w.Start(now)
	d := Decision{Window: w, Limit: limit, ResetAt: start.Add(w.Duration()), CheckedAt: now}
	if limit <= 0 {
		l.metrics.RateLimitDenied(string(w))
		return d, nil
	}

	count, allowed, err := l.backend.Take(ctx, keyID, w, start, limit)
	if err != nil {
		return d, fmt.Errorf("checking %s window: %w", w, err)
	}
	d.Allowed = allowed
	d.Remaining = limit - count
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !allowed {
		l.metrics.RateLimitDenied(string(w))
	}
	return d, nil
}

// Purge removes windows older than the retention period.
func (l *Limiter) Purge(ctx context.Context) (int64, error) {
	return l.backend.Purge(ctx, l.now().Add(-Retention))
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}
