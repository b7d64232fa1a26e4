package email

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"giftledger/internal/common/database"
)

// Store persists the email queue
type Store interface {
	Insert(ctx context.Context, e *Email) error
	// ClaimDue leases up to limit pending emails due at now, incrementing
	// their attempts and moving next_retry_at to now+lease.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Email, error)
	// MarkSent marks the email sent and blanks its bodies, which may carry a
	// card code.
	MarkSent(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed attempt. Exhausted entries become failed
	// and lose their bodies; the rest stay pending until next.
	MarkFailed(ctx context.Context, id, lastError string, next time.Time, exhausted bool, at time.Time) error
	ListFailed(ctx context.Context, merchantID string, limit, offset int) ([]*Email, int, error)
}

const emailColumns = `id, merchant_id, to_address, from_address, subject, html_body, text_body,
	status, attempts, next_retry_at, last_error, sent_at, created_at, updated_at`

// Postgres is the pgx-backed Store
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a Postgres email queue
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

// Insert implements Store.
func (s *Postgres) Insert(ctx context.Context, e *Email) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO email_queue (`+emailColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, e.MerchantID, e.To, e.From, e.Subject, e.HTML, e.Text,
		e.Status, e.Attempts, e.NextRetryAt, e.LastError, e.SentAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("queueing email: %w", err)
	}
	return nil
}

// ClaimDue implements Store.
func (s *Postgres) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Email, error) {
	rows, err := s.db.Query(ctx, `
		WITH due AS (
			SELECT id FROM email_queue
			WHERE status = 'pending' AND next_retry_at <= $1
			ORDER BY next_retry_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE email_queue q
		SET attempts = q.attempts + 1, next_retry_at = $2, updated_at = $1
		FROM due
		WHERE q.id = due.id
		RETURNING q.id, q.merchant_id, q.to_address, q.from_address, q.subject, q.html_body, q.text_body,
			q.status, q.attempts, q.next_retry_at, q.last_error, q.sent_at, q.created_at, q.updated_at
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming emails: %w", err)
	}
	return collectEmails(rows)
}

// MarkSent implements Store.
func (s *Postgres) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE email_queue
		SET status = 'sent', sent_at = $2, last_error = '', html_body = '', text_body = '', updated_at = $2
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("marking email sent: %w", err)
	}
	return nil
}

// MarkFailed implements Store.
func (s *Postgres) MarkFailed(ctx context.Context, id, lastError string, next time.Time, exhausted bool, at time.Time) error {
	status := StatusPending
	if exhausted {
		status = StatusFailed
	}
	_, err := s.db.Exec(ctx, `
		UPDATE email_queue
		SET status = $2, last_error = $3, next_retry_at = $4, updated_at = $5,
			html_body = CASE WHEN $6::boolean THEN '' ELSE html_body END,
			text_body = CASE WHEN $6::boolean THEN '' ELSE text_body END
		WHERE id = $1
	`, id, status, lastError, next, at, exhausted)
	if err != nil {
		return fmt.Errorf("recording email failure: %w", err)
	}
	return nil
}

// ListFailed implements Store.
func (s *Postgres) ListFailed(ctx context.Context, merchantID string, limit, offset int) ([]*Email, int, error) {
	var total int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM email_queue WHERE merchant_id = $1 AND status = 'failed'`,
		merchantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting failed emails: %w", err)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+emailColumns+` FROM email_queue
		WHERE merchant_id = $1 AND status = 'failed'
		ORDER BY updated_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, merchantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing failed emails: %w", err)
	}
	out, err := collectEmails(rows)
	return out, total, err
}

func collectEmails(rows pgx.Rows) ([]*Email, error) {
	defer rows.Close()
	var out []*Email
	for rows.Next() {
		var e Email
		if err := rows.Scan(&e.ID, &e.MerchantID, &e.To, &e.From, &e.Subject, &e.HTML, &e.Text,
			&e.Status, &e.Attempts, &e.NextRetryAt, &e.LastError, &e.SentAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, database.ErrNotFound
			}
			return nil, fmt.Errorf("scanning email: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Memory is an in-process Store used by tests and the memory store driver.
type Memory struct {
	mu     sync.Mutex
	emails map[string]*Email
}

// NewMemory creates an empty in-memory queue
func NewMemory() *Memory {
	return &Memory{emails: make(map[string]*Email)}
}

// Insert implements Store.
func (m *Memory) Insert(_ context.Context, e *Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emails[e.ID]; ok {
		return database.ErrAlreadyExists
	}
	c := *e
	m.emails[e.ID] = &c
	return nil
}

// ClaimDue implements Store.
func (m *Memory) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*Email, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Email
	for _, e := range m.emails {
		if e.Status == StatusPending && !e.NextRetryAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*Email, 0, len(due))
	for _, e := range due {
		e.Attempts++
		e.NextRetryAt = now.Add(lease)
		e.UpdatedAt = now
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

// MarkSent implements Store.
func (m *Memory) MarkSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[id]
	if !ok {
		return database.ErrNotFound
	}
	e.Status = StatusSent
	e.SentAt = &at
	e.LastError = ""
	e.HTML, e.Text = "", ""
	e.UpdatedAt = at
	return nil
}

// MarkFailed implements Store.
func (m *Memory) MarkFailed(_ context.Context, id, lastError string, next time.Time, exhausted bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[id]
	if !ok {
		return database.ErrNotFound
	}
	e.Status = StatusPending
	if exhausted {
		e.Status = StatusFailed
		e.HTML, e.Text = "", ""
	}
	e.LastError = lastError
	e.NextRetryAt = next
	e.UpdatedAt = at
	return nil
}

// ListFailed implements Store.
func (m *Memory) ListFailed(_ context.Context, merchantID string, limit, offset int) ([]*Email, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Email
	for _, e := range m.emails {
		if e.MerchantID == merchantID && e.Status == StatusFailed {
			all = append(all, e)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].UpdatedAt.After(all[j].UpdatedAt)
		}
		return all[i].ID > all[j].ID
	})
	total := len(all)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]*Email, 0, end-offset)
	for _, e := range all[offset:end] {
		c := *e
		out = append(out, &c)
	}
	return out, total, nil
}

// All returns every queued email, for tests.
func (m *Memory) All() []*Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Email, 0, len(m.emails))
	for _, e := range m.emails {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out
}
