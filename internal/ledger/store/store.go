package store

import (
	"context"
	"fmt"
	"time"

	"giftledger/internal/common/database"
	"giftledger/internal/ledger/domain"
)

// ErrUnknownCustomer is returned when a card is linked to a customer that
// does not exist in the card's merchant. It matches database.ErrNotFound.
var ErrUnknownCustomer = fmt.Errorf("unknown customer: %w", database.ErrNotFound)

// Tx is the set of operations available inside one atomic ledger unit.
// Card reads lock the row until the unit commits or rolls back.
type Tx interface {
	GetMerchant(ctx context.Context, id string) (*domain.Merchant, error)
	GetCardForUpdate(ctx context.Context, merchantID, id string) (*domain.Card, error)
	GetCardByCodeHashForUpdate(ctx context.Context, merchantID, codeHash string) (*domain.Card, error)
	GetCardByTrackHashForUpdate(ctx context.Context, merchantID, trackHash string) (*domain.Card, error)
	UpdateCard(ctx context.Context, card *domain.Card) error
	InsertTransaction(ctx context.Context, t *domain.Transaction) error
	LinkTransaction(ctx context.Context, id, linkedID string) error
	GetTransaction(ctx context.Context, merchantID, id string) (*domain.Transaction, error)
	FindRefundFor(ctx context.Context, cardID, redeemID string) (*domain.Transaction, error)
}

// Store is the card, customer and transaction repository.
type Store interface {
	// WithinTx runs fn as one atomic unit. Nothing fn wrote is visible
	// unless it returns nil.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	InsertMerchant(ctx context.Context, m *domain.Merchant) error
	GetMerchant(ctx context.Context, id string) (*domain.Merchant, error)
	MerchantPartner(ctx context.Context, merchantID string) (string, error)

	InsertCard(ctx context.Context, card *domain.Card) error
	GetCard(ctx context.Context, merchantID, id string) (*domain.Card, error)
	GetCardByNumber(ctx context.Context, cardNumber string) (*domain.Card, error)
	GetCardByCodeHash(ctx context.Context, codeHash string) (*domain.Card, error)
	ListCards(ctx context.Context, f domain.CardFilter) ([]*domain.Card, int64, error)
	// ExpireDueCards moves up to limit active cards whose expiry has passed
	// to expired and returns them.
	ExpireDueCards(ctx context.Context, now time.Time, limit int) ([]*domain.Card, error)

	GetTransaction(ctx context.Context, merchantID, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, f domain.TransactionFilter) ([]*domain.Transaction, int64, error)
	Summary(ctx context.Context, merchantID string, from, to time.Time) ([]domain.SummaryLine, error)

	InsertCustomer(ctx context.Context, c *domain.Customer) error
	GetCustomer(ctx context.Context, merchantID, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context, f domain.CustomerFilter) ([]*domain.Customer, int64, error)
	UpdateCustomer(ctx context.Context, c *domain.Customer) error
}
