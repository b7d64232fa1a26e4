package ratelimit

import (
	"context"
	"sync"
	"time"
)

type windowKey struct {
	keyID  string
	window Window
	start  time.Time
}

// Memory keeps windows in process. It is only correct for a single instance.
type Memory struct {
	mu      sync.Mutex
	windows map[windowKey]int
}

// NewMemory creates an empty in-process backend
func NewMemory() *Memory {
	return &Memory{windows: make(map[windowKey]int)}
}

// Take implements Backend.
func (m *Memory) Take(_ context.Context, keyID string, window Window, start time.Time, limit int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := windowKey{keyID: keyID, window: window, start: start.UTC()}
	count := m.windows[k]
	if count >= limit {
		return count, false, nil
	}
	count++
	m.windows[k] = count
	return count, true, nil
}

// Purge implements Backend.
func (m *Memory) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k := range m.windows {
		if k.start.Before(cutoff) {
			delete(m.windows, k)
			n++
		}
	}
	return n, nil
}
