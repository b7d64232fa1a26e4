// Package delivery holds the retry rules shared by the webhook and email
// queues.
//
// A drain claims due items in one statement that also bumps their attempt
// count and pushes next_retry_at forward by a lease. If the process dies
// mid-send the item becomes due again once the lease runs out. Each claimed
// item is then sent on its own goroutine and the outcome is recorded with
// the backoff computed from the attempt count.
package delivery

import (
	"context"
	"sync"
	"time"
)

// Config holds the queue settings common to both engines.
type Config struct {
	BatchSize  int           `envconfig:"BATCH_SIZE" default:"50"`
	MaxRetries int           `envconfig:"MAX_RETRIES" default:"5"`
	Lease      time.Duration `envconfig:"LEASE" default:"2m"`
}

// Normalized fills zero fields with defaults.
func (c Config) Normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	return c
}

// Backoff is attempts² minutes.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts*attempts) * time.Minute
}

// Schedule decides what happens after a failed attempt. attempts is the
// count including the attempt that just failed. Once it reaches maxRetries
// the item is exhausted and must be marked failed.
func Schedule(attempts, maxRetries int, now time.Time) (next time.Time, exhausted bool) {
	if attempts >= maxRetries {
		return now, true
	}
	return now.Add(Backoff(attempts)), false
}

// Outcome is the result of one send.
type Outcome int

const (
	Delivered Outcome = iota
	Retrying
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Retrying:
		return "retry"
	default:
		return "failed"
	}
}

// Stats summarises one drain.
type Stats struct {
	Claimed   int `json:"claimed"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

func (s *Stats) add(o Outcome) {
	switch o {
	case Delivered:
		s.Delivered++
	case Retrying:
		s.Retried++
	default:
		s.Failed++
	}
}

// Dispatch runs send for every item concurrently and waits for all of
// them. A slow item only holds up its own goroutine.
func Dispatch[T any](ctx context.Context, items []T, send func(context.Context, T) Outcome) Stats {
	stats := Stats{Claimed: len(items)}
	if len(items) == 0 {
		return stats
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, item := range items {
		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			o := send(ctx, item)
			mu.Lock()
			stats.add(o)
			mu.Unlock()
		}(item)
	}
	wg.Wait()
	return stats
}

// Truncate caps stored error text.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
