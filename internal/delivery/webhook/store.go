package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"giftledger/internal/common/database"
)

// Failure records a failed attempt.
type Failure struct {
	DeliveryID     string
	EndpointID     string
	ResponseStatus *int
	Error          string
	NextRetryAt    time.Time
	// Exhausted marks the delivery permanently failed.
	Exhausted bool
	// DisableThreshold is the endpoint failure count that disables it.
	DisableThreshold int
	At               time.Time
}

// Store persists endpoints and their delivery queue
type Store interface {
	InsertEndpoint(ctx context.Context, e *Endpoint) error
	GetEndpoint(ctx context.Context, merchantID, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, merchantID string) ([]*Endpoint, error)
	// Subscribers returns the active endpoints of merchantID that want eventType.
	Subscribers(ctx context.Context, merchantID, eventType string) ([]*Endpoint, error)
	// EnableEndpoint reactivates an endpoint and clears its failure count.
	EnableEndpoint(ctx context.Context, merchantID, id string, at time.Time) (*Endpoint, error)

	InsertDeliveries(ctx context.Context, ds []*Delivery) error
	ListDeliveries(ctx context.Context, merchantID, endpointID string, limit, offset int) ([]*Delivery, int, error)
	// ClaimDue leases up to limit pending deliveries due at now whose
	// endpoint is active. Each claimed delivery has its attempts incremented
	// and next_retry_at set to now+lease.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Claim, error)
	// MarkDelivered completes a delivery and resets its endpoint's failure count.
	MarkDelivered(ctx context.Context, deliveryID, endpointID string, responseStatus int, at time.Time) error
	// RecordFailure reschedules or fails a delivery and counts the failure on
	// its endpoint. It reports whether the endpoint was disabled by it.
	RecordFailure(ctx context.Context, f Failure) (disabled bool, err error)
}

const endpointColumns = `id, merchant_id, url, events, secret, status, failure_count,
	last_delivered_at, last_failure_at, created_at, updated_at`

const deliveryColumns = `id, endpoint_id, merchant_id, event, payload, status, attempts,
	next_retry_at, last_error, response_status, delivered_at, created_at, updated_at`

// Postgres is the pgx-backed Store
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a Postgres webhook store
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

// InsertEndpoint implements Store.
func (s *Postgres) InsertEndpoint(ctx context.Context, e *Endpoint) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO webhook_endpoints (`+endpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.MerchantID, e.URL, e.Events, e.Secret, e.Status, e.FailureCount,
		e.LastDeliveredAt, e.LastFailureAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating webhook endpoint: %w", err)
	}
	return nil
}

// GetEndpoint implements Store.
func (s *Postgres) GetEndpoint(ctx context.Context, merchantID, id string) (*Endpoint, error) {
	return scanEndpoint(s.db.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1 AND merchant_id = $2`, id, merchantID))
}

// ListEndpoints implements Store.
func (s *Postgres) ListEndpoints(ctx context.Context, merchantID string) ([]*Endpoint, error) {
	return s.queryEndpoints(ctx, `
		SELECT `+endpointColumns+` FROM webhook_endpoints
		WHERE merchant_id = $1
		ORDER BY created_at, id
	`, merchantID)
}

// Subscribers implements Store.
func (s *Postgres) Subscribers(ctx context.Context, merchantID, eventType string) ([]*Endpoint, error) {
	return s.queryEndpoints(ctx, `
		SELECT `+endpointColumns+` FROM webhook_endpoints
		WHERE merchant_id = $1 AND status = 'active'
		  AND ($2 = ANY(events) OR '*' = ANY(events))
		ORDER BY created_at, id
	`, merchantID, eventType)
}

func (s *Postgres) queryEndpoints(ctx context.Context, sql string, args ...any) ([]*Endpoint, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing webhook endpoints: %w", err)
	}
	defer rows.Close()

	var out []*Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EnableEndpoint implements Store.
func (s *Postgres) EnableEndpoint(ctx context.Context, merchantID, id string, at time.Time) (*Endpoint, error) {
	return scanEndpoint(s.db.QueryRow(ctx, `
		UPDATE webhook_endpoints
		SET status = 'active', failure_count = 0, updated_at = $3
		WHERE id = $1 AND merchant_id = $2
		RETURNING `+endpointColumns, id, merchantID, at))
}

// InsertDeliveries implements Store.
func (s *Postgres) InsertDeliveries(ctx context.Context, ds []*Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, d := range ds {
			batch.Queue(`
				INSERT INTO webhook_deliveries (`+deliveryColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			`, d.ID, d.EndpointID, d.MerchantID, d.Event, []byte(d.Payload), d.Status, d.Attempts,
				d.NextRetryAt, d.LastError, d.ResponseStatus, d.DeliveredAt, d.CreatedAt, d.UpdatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("queueing webhook deliveries: %w", err)
		}
		return nil
	})
}

// ListDeliveries implements Store.
func (s *Postgres) ListDeliveries(ctx context.Context, merchantID, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	var total int
	if err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE endpoint_id = $1 AND merchant_id = $2`,
		endpointID, merchantID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting webhook deliveries: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE endpoint_id = $1 AND merchant_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, endpointID, merchantID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// ClaimDue implements Store.
func (s *Postgres) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Claim, error) {
	rows, err := s.db.Query(ctx, `
		WITH due AS (
			SELECT d.id
			FROM webhook_deliveries d
			JOIN webhook_endpoints e ON e.id = d.endpoint_id
			WHERE d.status = 'pending' AND d.next_retry_at <= $1 AND e.status = 'active'
			ORDER BY d.next_retry_at
			LIMIT $3
			FOR UPDATE OF d SKIP LOCKED
		)
		UPDATE webhook_deliveries d
		SET attempts = d.attempts + 1, next_retry_at = $2, updated_at = $1
		FROM due, webhook_endpoints e
		WHERE d.id = due.id AND e.id = d.endpoint_id
		RETURNING d.id, d.endpoint_id, d.merchant_id, d.event, d.payload, d.status, d.attempts,
			d.next_retry_at, d.last_error, d.response_status, d.delivered_at, d.created_at, d.updated_at,
			e.url, e.secret
	`, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("claiming webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Claim
	for rows.Next() {
		var c Claim
		var payload []byte
		if err := rows.Scan(&c.ID, &c.EndpointID, &c.MerchantID, &c.Event, &payload, &c.Status, &c.Attempts,
			&c.NextRetryAt, &c.LastError, &c.ResponseStatus, &c.DeliveredAt, &c.CreatedAt, &c.UpdatedAt,
			&c.URL, &c.Secret); err != nil {
			return nil, fmt.Errorf("scanning claimed delivery: %w", err)
		}
		c.Payload = payload
		out = append(out, &c)
	}
	return out, rows.Err()
}

// MarkDelivered implements Store.
func (s *Postgres) MarkDelivered(ctx context.Context, deliveryID, endpointID string, responseStatus int, at time.Time) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE webhook_deliveries
			SET status = 'delivered', response_status = $2, delivered_at = $3, last_error = '', updated_at = $3
			WHERE id = $1
		`, deliveryID, responseStatus, at); err != nil {
			return fmt.Errorf("marking delivery delivered: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE webhook_endpoints
			SET failure_count = 0, last_delivered_at = $2, updated_at = $2
			WHERE id = $1
		`, endpointID, at); err != nil {
			return fmt.Errorf("resetting endpoint failures: %w", err)
		}
		return nil
	})
}

// RecordFailure implements Store.
func (s *Postgres) RecordFailure(ctx context.Context, f Failure) (bool, error) {
	status := DeliveryPending
	if f.Exhausted {
		status = DeliveryFailed
	}

	var disabled bool
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE webhook_deliveries
			SET status = $2, next_retry_at = $3, last_error = $4, response_status = $5, updated_at = $6
			WHERE id = $1
		`, f.DeliveryID, status, f.NextRetryAt, f.Error, f.ResponseStatus, f.At); err != nil {
			return fmt.Errorf("recording delivery failure: %w", err)
		}

		var before, after EndpointStatus
		err := tx.QueryRow(ctx, `
			WITH prev AS (SELECT status FROM webhook_endpoints WHERE id = $1 FOR UPDATE)
			UPDATE webhook_endpoints e
			SET failure_count = e.failure_count + 1,
				last_failure_at = $2,
				updated_at = $2,
				status = CASE WHEN e.failure_count + 1 >= $3 THEN 'disabled' ELSE e.status END
			FROM prev
			WHERE e.id = $1
			RETURNING prev.status, e.status
		`, f.EndpointID, f.At, f.DisableThreshold).Scan(&before, &after)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("counting endpoint failure: %w", err)
		}
		disabled = before == EndpointActive && after == EndpointDisabled
		return nil
	})
	return disabled, err
}

func scanEndpoint(row pgx.Row) (*Endpoint, error) {
	var e Endpoint
	err := row.Scan(&e.ID, &e.MerchantID, &e.URL, &e.Events, &e.Secret, &e.Status, &e.FailureCount,
		&e.LastDeliveredAt, &e.LastFailureAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning webhook endpoint: %w", err)
	}
	return &e, nil
}

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	var payload []byte
	err := row.Scan(&d.ID, &d.EndpointID, &d.MerchantID, &d.Event, &payload, &d.Status, &d.Attempts,
		&d.NextRetryAt, &d.LastError, &d.ResponseStatus, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning webhook delivery: %w", err)
	}
	d.Payload = payload
	return &d, nil
}
