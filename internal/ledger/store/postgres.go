package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"giftledger/internal/common/database"
	"giftledger/internal/ledger/domain"
)

const merchantColumns = `id, partner_id, name, currency, min_load_amount, max_load_amount,
	max_card_balance, status, created_at, updated_at`

const cardColumns = `id, merchant_id, customer_id, card_number, code_hash, pin_hash, track_hash,
	type, status, initial_balance, current_balance, currency, recipient_email,
	expires_at, activated_at, last_used_at, metadata, created_at, updated_at`

const transactionColumns = `id, card_id, merchant_id, customer_id, type, amount, balance_before,
	balance_after, linked_transaction_id, redemption_method, reference, description,
	performed_by, performed_by_type, created_at`

const customerColumns = `id, merchant_id, email, name, phone, external_id, metadata,
	created_at, updated_at`

// Postgres is the pgx-backed Store
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a new ledger store
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

var _ Store = (*Postgres)(nil)

// WithinTx runs fn in a read-committed transaction and retries the whole
// unit on serialization failures and deadlocks.
func (s *Postgres) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithRetryingTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

// InsertMerchant creates a merchant
func (s *Postgres) InsertMerchant(ctx context.Context, m *domain.Merchant) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO merchants (`+merchantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ID, m.PartnerID, m.Name, m.Currency, m.MinLoadAmount, m.MaxLoadAmount,
		m.MaxCardBalance, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("merchant %s: %w", m.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating merchant: %w", err)
	}
	return nil
}

// GetMerchant retrieves a merchant by ID
func (s *Postgres) GetMerchant(ctx context.Context, id string) (*domain.Merchant, error) {
	return getMerchant(ctx, s.db, id)
}

// MerchantPartner returns the partner that manages a merchant, or "".
func (s *Postgres) MerchantPartner(ctx context.Context, merchantID string) (string, error) {
	var partnerID *string
	err := s.db.QueryRow(ctx, `SELECT partner_id FROM merchants WHERE id = $1`, merchantID).Scan(&partnerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", database.ErrNotFound
		}
		return "", fmt.Errorf("getting merchant partner: %w", err)
	}
	if partnerID == nil {
		return "", nil
	}
	return *partnerID, nil
}

// InsertCard creates a card
func (s *Postgres) InsertCard(ctx context.Context, c *domain.Card) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cards (`+cardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, c.ID, c.MerchantID, c.CustomerID, c.CardNumber, c.CodeHash, c.PINHash, c.TrackHash,
		c.Type, c.Status, c.InitialBalance, c.CurrentBalance, c.Currency, c.RecipientEmail,
		c.ExpiresAt, c.ActivatedAt, c.LastUsedAt, metadataOrEmpty(c.Metadata), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("card number or code collision: %w", database.ErrAlreadyExists)
		}
		if database.IsForeignKeyViolation(err) {
			return fmt.Errorf("card references unknown merchant or customer: %w", database.ErrNotFound)
		}
		return fmt.Errorf("creating card: %w", err)
	}
	return nil
}

// GetCard retrieves a merchant's card by ID
func (s *Postgres) GetCard(ctx context.Context, merchantID, id string) (*domain.Card, error) {
	row := s.db.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE merchant_id = $1 AND id = $2`, merchantID, id)
	return scanCard(row)
}

// GetCardByNumber retrieves a card by its public number
func (s *Postgres) GetCardByNumber(ctx context.Context, cardNumber string) (*domain.Card, error) {
	row := s.db.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE card_number = $1`, cardNumber)
	return scanCard(row)
}

// GetCardByCodeHash retrieves a card by its hashed redemption code
func (s *Postgres) GetCardByCodeHash(ctx context.Context, codeHash string) (*domain.Card, error) {
	row := s.db.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE code_hash = $1`, codeHash)
	return scanCard(row)
}

// ListCards lists cards with optional filters
func (s *Postgres) ListCards(ctx context.Context, f domain.CardFilter) ([]*domain.Card, int64, error) {
	where, args := whereClause{}.
		add("merchant_id = ?", f.MerchantID).
		addIf(f.Status != "", "status = ?", f.Status).
		addIf(f.CustomerID != "", "customer_id = ?", f.CustomerID).
		build()

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM cards`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cards: %w", err)
	}

	query := `SELECT ` + cardColumns + ` FROM cards` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`, f.Limit, f.Offset)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing cards: %w", err)
	}
	defer rows.Close()

	cards, err := collect(rows, scanCard)
	if err != nil {
		return nil, 0, err
	}
	return cards, total, nil
}

// ExpireDueCards expires up to limit overdue active cards. Rows locked by an
// in-flight ledger operation are skipped and picked up by a later run.
func (s *Postgres) ExpireDueCards(ctx context.Context, now time.Time, limit int) ([]*domain.Card, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE cards SET status = 'expired', updated_at = $1
		WHERE id IN (
			SELECT id FROM cards
			WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+cardColumns, now, limit)
	if err != nil {
		return nil, fmt.Errorf("expiring cards: %w", err)
	}
	defer rows.Close()
	return collect(rows, scanCard)
}

// GetTransaction retrieves a merchant's transaction by ID
func (s *Postgres) GetTransaction(ctx context.Context, merchantID, id string) (*domain.Transaction, error) {
	return getTransaction(ctx, s.db, merchantID, id)
}

// ListTransactions lists transactions with optional filters
func (s *Postgres) ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, int64, error) {
	where, args := whereClause{}.
		add("merchant_id = ?", f.MerchantID).
		addIf(f.CardID != "", "card_id = ?", f.CardID).
		addIf(f.Type != "", "type = ?", f.Type).
		addIf(!f.From.IsZero(), "created_at >= ?", f.From).
		addIf(!f.To.IsZero(), "created_at < ?", f.To).
		build()

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions: %w", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`, f.Limit, f.Offset)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	txns, err := collect(rows, scanTransaction)
	if err != nil {
		return nil, 0, err
	}
	return txns, total, nil
}

// Summary aggregates transactions per type in [from, to)
func (s *Postgres) Summary(ctx context.Context, merchantID string, from, to time.Time) ([]domain.SummaryLine, error) {
	rows, err := s.db.Query(ctx, `
		SELECT type, COUNT(*), COALESCE(SUM(amount), 0), COALESCE(SUM(balance_after - balance_before), 0)
		FROM transactions
		WHERE merchant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY type
		ORDER BY type
	`, merchantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("summarizing transactions: %w", err)
	}
	defer rows.Close()

	var lines []domain.SummaryLine
	for rows.Next() {
		var l domain.SummaryLine
		if err := rows.Scan(&l.Type, &l.Count, &l.Total, &l.Net); err != nil {
			return nil, fmt.Errorf("scanning summary: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// InsertCustomer creates a customer
func (s *Postgres) InsertCustomer(ctx context.Context, c *domain.Customer) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO customers (`+customerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.MerchantID, c.Email, c.Name, c.Phone, c.ExternalID, metadataOrEmpty(c.Metadata), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("customer with external id %s: %w", c.ExternalID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating customer: %w", err)
	}
	return nil
}

// GetCustomer retrieves a merchant's customer by ID
func (s *Postgres) GetCustomer(ctx context.Context, merchantID, id string) (*domain.Customer, error) {
	row := s.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers WHERE merchant_id = $1 AND id = $2`, merchantID, id)
	return scanCustomer(row)
}

// ListCustomers lists customers with optional filters
func (s *Postgres) ListCustomers(ctx context.Context, f domain.CustomerFilter) ([]*domain.Customer, int64, error) {
	where, args := whereClause{}.
		add("merchant_id = ?", f.MerchantID).
		addIf(f.Email != "", "lower(email) = lower(?)", f.Email).
		addIf(f.ExternalID != "", "external_id = ?", f.ExternalID).
		build()

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM customers`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting customers: %w", err)
	}

	query := `SELECT ` + customerColumns + ` FROM customers` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`, f.Limit, f.Offset)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing customers: %w", err)
	}
	defer rows.Close()

	customers, err := collect(rows, scanCustomer)
	if err != nil {
		return nil, 0, err
	}
	return customers, total, nil
}

// UpdateCustomer writes a customer's mutable fields
func (s *Postgres) UpdateCustomer(ctx context.Context, c *domain.Customer) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE customers
		SET email = $3, name = $4, phone = $5, external_id = $6, metadata = $7, updated_at = $8
		WHERE merchant_id = $1 AND id = $2
	`, c.MerchantID, c.ID, c.Email, c.Name, c.Phone, c.ExternalID, metadataOrEmpty(c.Metadata), c.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("customer with external id %s: %w", c.ExternalID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("updating customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// pgTx implements Tx on a live transaction
type pgTx struct {
	q database.Querier
}

func (t *pgTx) GetMerchant(ctx context.Context, id string) (*domain.Merchant, error) {
	return getMerchant(ctx, t.q, id)
}

func (t *pgTx) GetCardForUpdate(ctx context.Context, merchantID, id string) (*domain.Card, error) {
	row := t.q.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE merchant_id = $1 AND id = $2 FOR UPDATE`, merchantID, id)
	return scanCard(row)
}

func (t *pgTx) GetCardByCodeHashForUpdate(ctx context.Context, merchantID, codeHash string) (*domain.Card, error) {
	row := t.q.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE merchant_id = $1 AND code_hash = $2 FOR UPDATE`, merchantID, codeHash)
	return scanCard(row)
}

func (t *pgTx) GetCardByTrackHashForUpdate(ctx context.Context, merchantID, trackHash string) (*domain.Card, error) {
	row := t.q.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE merchant_id = $1 AND track_hash = $2 FOR UPDATE`, merchantID, trackHash)
	return scanCard(row)
}

func (t *pgTx) UpdateCard(ctx context.Context, c *domain.Card) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE cards
		SET customer_id = $2, status = $3, current_balance = $4, recipient_email = $5,
			expires_at = $6, activated_at = $7, last_used_at = $8, metadata = $9, updated_at = $10
		WHERE id = $1
	`, c.ID, c.CustomerID, c.Status, c.CurrentBalance, c.RecipientEmail,
		c.ExpiresAt, c.ActivatedAt, c.LastUsedAt, metadataOrEmpty(c.Metadata), c.UpdatedAt)
	if err != nil {
		if database.IsForeignKeyViolation(err) {
			return fmt.Errorf("card %s: %w", c.ID, ErrUnknownCustomer)
		}
		return fmt.Errorf("updating card: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, txn.ID, txn.CardID, txn.MerchantID, txn.CustomerID, txn.Type, txn.Amount,
		txn.BalanceBefore, txn.BalanceAfter, txn.LinkedTransactionID, txn.RedemptionMethod,
		txn.Reference, txn.Description, txn.PerformedBy, txn.PerformedByType, txn.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", txn.ID, database.ErrConflict)
		}
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

func (t *pgTx) LinkTransaction(ctx context.Context, id, linkedID string) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE transactions SET linked_transaction_id = $2
		WHERE id = $1 AND linked_transaction_id IS NULL
	`, id, linkedID)
	if err != nil {
		return fmt.Errorf("linking transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s already linked: %w", id, database.ErrConflict)
	}
	return nil
}

func (t *pgTx) GetTransaction(ctx context.Context, merchantID, id string) (*domain.Transaction, error) {
	return getTransaction(ctx, t.q, merchantID, id)
}

func (t *pgTx) FindRefundFor(ctx context.Context, cardID, redeemID string) (*domain.Transaction, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE card_id = $1 AND type = 'refund' AND linked_transaction_id = $2
		LIMIT 1
	`, cardID, redeemID)
	return scanTransaction(row)
}

func getMerchant(ctx context.Context, q database.Querier, id string) (*domain.Merchant, error) {
	var m domain.Merchant
	err := q.QueryRow(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE id = $1`, id).Scan(
		&m.ID, &m.PartnerID, &m.Name, &m.Currency, &m.MinLoadAmount, &m.MaxLoadAmount,
		&m.MaxCardBalance, &m.Status, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning merchant: %w", err)
	}
	return &m, nil
}

func getTransaction(ctx context.Context, q database.Querier, merchantID, id string) (*domain.Transaction, error) {
	row := q.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE merchant_id = $1 AND id = $2`, merchantID, id)
	return scanTransaction(row)
}

func scanCard(row pgx.Row) (*domain.Card, error) {
	var c domain.Card
	err := row.Scan(
		&c.ID, &c.MerchantID, &c.CustomerID, &c.CardNumber, &c.CodeHash, &c.PINHash, &c.TrackHash,
		&c.Type, &c.Status, &c.InitialBalance, &c.CurrentBalance, &c.Currency, &c.RecipientEmail,
		&c.ExpiresAt, &c.ActivatedAt, &c.LastUsedAt, &c.Metadata, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning card: %w", err)
	}
	return &c, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(
		&t.ID, &t.CardID, &t.MerchantID, &t.CustomerID, &t.Type, &t.Amount, &t.BalanceBefore,
		&t.BalanceAfter, &t.LinkedTransactionID, &t.RedemptionMethod, &t.Reference, &t.Description,
		&t.PerformedBy, &t.PerformedByType, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}
	return &t, nil
}

func scanCustomer(row pgx.Row) (*domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(
		&c.ID, &c.MerchantID, &c.Email, &c.Name, &c.Phone, &c.ExternalID, &c.Metadata,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning customer: %w", err)
	}
	return &c, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func metadataOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// whereClause builds a WHERE clause with numbered placeholders. Conditions
// use "?" which is rewritten to $n in order.
type whereClause struct {
	conds []string
	args  []any
}

func (w whereClause) add(cond string, arg any) whereClause {
	w.conds = append(w.conds, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)+1), 1))
	w.args = append(w.args, arg)
	return w
}

func (w whereClause) addIf(ok bool, cond string, arg any) whereClause {
	if !ok {
		return w
	}
	return w.add(cond, arg)
}

func (w whereClause) build() (string, []any) {
	if len(w.conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(w.conds, " AND "), w.args
}
