package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"giftledger/internal/common/database"
)

// Postgres stores windows in rate_limit_windows. The upsert only bumps the
// counter while it is below the limit, so a denied request writes nothing.
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a Postgres backend
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

// Take implements Backend.
func (p *Postgres) Take(ctx context.Context, keyID string, window Window, start time.Time, limit int) (int, bool, error) {
	var count int
	err := p.db.QueryRow(ctx, `
		INSERT INTO rate_limit_windows (api_key_id, window_type, window_start, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (api_key_id, window_type, window_start)
		DO UPDATE SET count = rate_limit_windows.count + 1
		WHERE rate_limit_windows.count < $4
		RETURNING count
	`, keyID, string(window), start.UTC(), limit).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return limit, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("incrementing rate limit window: %w", err)
	}
	return count, true, nil
}

// Purge implements Backend.
func (p *Postgres) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM rate_limit_windows WHERE window_start < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging rate limit windows: %w", err)
	}
	return tag.RowsAffected(), nil
}
