package apikey

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"giftledger/internal/common/database"
)

// Store persists API keys
type Store interface {
	Insert(ctx context.Context, k *Key) error
	GetByHash(ctx context.Context, hash string) (*Key, error)
	Get(ctx context.Context, merchantID, id string) (*Key, error)
	List(ctx context.Context, merchantID string) ([]*Key, error)
	// Revoke marks an active key revoked. A key that is already revoked
	// returns database.ErrConflict.
	Revoke(ctx context.Context, merchantID, id string, at time.Time) error
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
}

const keyColumns = `id, name, key_prefix, key_hash, scope_type, merchant_id, partner_id,
	allowed_merchant_ids, permissions, rate_limit_per_minute, rate_limit_per_day,
	expires_at, status, last_used_at, created_by, created_at, revoked_at`

// touchInterval limits last_used_at writes to one per key per minute.
const touchInterval = time.Minute

// Postgres is the pgx-backed Store
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a Postgres key store
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

// Insert implements Store.
func (s *Postgres) Insert(ctx context.Context, k *Key) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO api_keys (`+keyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, k.ID, k.Name, k.Prefix, k.Hash, k.ScopeType, nullable(k.MerchantID), nullable(k.PartnerID),
		nonNil(k.AllowedMerchantIDs), nonNil(k.Permissions), k.RateLimitPerMinute, k.RateLimitPerDay,
		k.ExpiresAt, k.Status, k.LastUsedAt, k.CreatedBy, k.CreatedAt, k.RevokedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("api key: %w", database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating api key: %w", err)
	}
	return nil
}

// GetByHash implements Store.
func (s *Postgres) GetByHash(ctx context.Context, hash string) (*Key, error) {
	return scanKey(s.db.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`, hash))
}

// Get implements Store.
func (s *Postgres) Get(ctx context.Context, merchantID, id string) (*Key, error) {
	return scanKey(s.db.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = $1 AND merchant_id = $2`, id, merchantID))
}

// List implements Store.
func (s *Postgres) List(ctx context.Context, merchantID string) ([]*Key, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+keyColumns+` FROM api_keys
		WHERE merchant_id = $1
		ORDER BY created_at DESC, id DESC
	`, merchantID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Revoke implements Store.
func (s *Postgres) Revoke(ctx context.Context, merchantID, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE api_keys SET status = 'revoked', revoked_at = $3
		WHERE id = $1 AND merchant_id = $2 AND status = 'active'
	`, id, merchantID, at)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, merchantID, id); err != nil {
			return err
		}
		return fmt.Errorf("api key %s already revoked: %w", id, database.ErrConflict)
	}
	return nil
}

// TouchLastUsed implements Store.
func (s *Postgres) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE api_keys SET last_used_at = $2
		WHERE id = $1 AND (last_used_at IS NULL OR last_used_at < $3)
	`, id, at, at.Add(-touchInterval))
	if err != nil {
		return fmt.Errorf("touching api key: %w", err)
	}
	return nil
}

func scanKey(row pgx.Row) (*Key, error) {
	var k Key
	var merchantID, partnerID *string
	err := row.Scan(&k.ID, &k.Name, &k.Prefix, &k.Hash, &k.ScopeType, &merchantID, &partnerID,
		&k.AllowedMerchantIDs, &k.Permissions, &k.RateLimitPerMinute, &k.RateLimitPerDay,
		&k.ExpiresAt, &k.Status, &k.LastUsedAt, &k.CreatedBy, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning api key: %w", err)
	}
	if merchantID != nil {
		k.MerchantID = *merchantID
	}
	if partnerID != nil {
		k.PartnerID = *partnerID
	}
	return &k, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Memory is an in-process Store
type Memory struct {
	mu   sync.Mutex
	keys map[string]*Key
}

// NewMemory creates an empty key store
func NewMemory() *Memory {
	return &Memory{keys: make(map[string]*Key)}
}

// Insert implements Store.
func (m *Memory) Insert(_ context.Context, k *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.keys {
		if existing.ID == k.ID || existing.Hash == k.Hash {
			return fmt.Errorf("api key: %w", database.ErrAlreadyExists)
		}
	}
	m.keys[k.ID] = cloneKey(k)
	return nil
}

// GetByHash implements Store.
func (m *Memory) GetByHash(_ context.Context, hash string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Hash == hash {
			return cloneKey(k), nil
		}
	}
	return nil, database.ErrNotFound
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, merchantID, id string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.MerchantID != merchantID {
		return nil, database.ErrNotFound
	}
	return cloneKey(k), nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, merchantID string) ([]*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Key
	for _, k := range m.keys {
		if k.MerchantID == merchantID {
			out = append(out, cloneKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Revoke implements Store.
func (m *Memory) Revoke(_ context.Context, merchantID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.MerchantID != merchantID {
		return database.ErrNotFound
	}
	if k.Status == StatusRevoked {
		return fmt.Errorf("api key %s already revoked: %w", id, database.ErrConflict)
	}
	k.Status = StatusRevoked
	k.RevokedAt = &at
	return nil
}

// TouchLastUsed implements Store.
func (m *Memory) TouchLastUsed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return database.ErrNotFound
	}
	if k.LastUsedAt == nil || k.LastUsedAt.Before(at.Add(-touchInterval)) {
		k.LastUsedAt = &at
	}
	return nil
}

func cloneKey(k *Key) *Key {
	cp := *k
	cp.AllowedMerchantIDs = slices.Clone(k.AllowedMerchantIDs)
	cp.Permissions = slices.Clone(k.Permissions)
	return &cp
}
