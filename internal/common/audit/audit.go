// Package audit is the fire-and-forget audit trail. The core records what
// happened; where it is stored is someone else's concern.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Entry describes one audited action.
type Entry struct {
	ActorID      string
	ActorType    string
	MerchantID   string
	Action       string
	ResourceType string
	ResourceID   string
	Details      map[string]any
	At           time.Time
}

// Recorder accepts audit entries. Implementations must not block the caller
// for long and must not fail the operation being audited.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// SlogRecorder writes entries to a structured logger.
type SlogRecorder struct {
	logger *slog.Logger
}

// NewSlogRecorder creates a recorder on the "audit" logger group.
func NewSlogRecorder(logger *slog.Logger) *SlogRecorder {
	return &SlogRecorder{logger: logger.With("component", "audit")}
}

// Record implements Recorder.
func (r *SlogRecorder) Record(ctx context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.logger.InfoContext(ctx, "audit",
		"action", e.Action,
		"actor_id", e.ActorID,
		"actor_type", e.ActorType,
		"merchant_id", e.MerchantID,
		"resource_type", e.ResourceType,
		"resource_id", e.ResourceID,
		"details", e.Details,
		"at", e.At,
	)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}
