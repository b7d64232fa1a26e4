package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"giftledger/internal/common/database"
)

// RequestLog is one authenticated gateway call
type RequestLog struct {
	ID           string    `json:"id"`
	APIKeyID     string    `json:"api_key_id"`
	MerchantID   string    `json:"merchant_id,omitempty"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code"`
	DurationMs   int64     `json:"duration_ms"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LogStore persists request logs
type LogStore interface {
	Insert(ctx context.Context, l *RequestLog) error
	ListByKey(ctx context.Context, apiKeyID string, limit int) ([]*RequestLog, error)
	// Purge deletes logs created before cutoff and returns how many went.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresLogs stores logs in api_request_logs
type PostgresLogs struct {
	db *database.DB
}

// NewPostgresLogs creates a Postgres log store
func NewPostgresLogs(db *database.DB) *PostgresLogs {
	return &PostgresLogs{db: db}
}

// Insert implements LogStore.
func (s *PostgresLogs) Insert(ctx context.Context, l *RequestLog) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO api_request_logs (id, api_key_id, merchant_id, method, path, status_code,
			duration_ms, ip_address, user_agent, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, l.ID, l.APIKeyID, l.MerchantID, l.Method, l.Path, l.StatusCode,
		l.DurationMs, l.IPAddress, l.UserAgent, l.ErrorMessage, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting request log: %w", err)
	}
	return nil
}

// ListByKey implements LogStore.
func (s *PostgresLogs) ListByKey(ctx context.Context, apiKeyID string, limit int) ([]*RequestLog, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, api_key_id, merchant_id, method, path, status_code, duration_ms,
			ip_address, user_agent, error_message, created_at
		FROM api_request_logs
		WHERE api_key_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, apiKeyID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing request logs: %w", err)
	}
	defer rows.Close()

	var out []*RequestLog
	for rows.Next() {
		var l RequestLog
		if err := rows.Scan(&l.ID, &l.APIKeyID, &l.MerchantID, &l.Method, &l.Path, &l.StatusCode,
			&l.DurationMs, &l.IPAddress, &l.UserAgent, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning request log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// Purge implements LogStore.
func (s *PostgresLogs) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM api_request_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging request logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MemoryLogs keeps logs in process
type MemoryLogs struct {
	mu   sync.Mutex
	logs []*RequestLog
}

// NewMemoryLogs creates an empty log store
func NewMemoryLogs() *MemoryLogs {
	return &MemoryLogs{}
}

// Insert implements LogStore.
func (s *MemoryLogs) Insert(_ context.Context, l *RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.logs = append(s.logs, &cp)
	return nil
}

// ListByKey implements LogStore.
func (s *MemoryLogs) ListByKey(_ context.Context, apiKeyID string, limit int) ([]*RequestLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RequestLog
	for _, l := range s.logs {
		if l.APIKeyID == apiKeyID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Purge implements LogStore.
func (s *MemoryLogs) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var n int64
	for _, l := range s.logs {
		if l.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return n, nil
}

// All returns every stored log in insertion order.
func (s *MemoryLogs) All() []*RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*RequestLog, len(s.logs))
	for i, l := range s.logs {
		cp := *l
		out[i] = &cp
	}
	return out
}
