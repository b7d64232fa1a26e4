package domain

import (
	"time"

	"giftledger/internal/identity"
)

// TransactionType represents the kind of balance movement
type TransactionType string

const (
	TransactionTypeLoad        TransactionType = "load"
	TransactionTypeRedeem      TransactionType = "redeem"
	TransactionTypeTransferIn  TransactionType = "transfer_in"
	TransactionTypeTransferOut TransactionType = "transfer_out"
	TransactionTypeAdjust      TransactionType = "adjust"
	TransactionTypeRefund      TransactionType = "refund"
)

// ParseTransactionType validates a transaction type string
func ParseTransactionType(s string) (TransactionType, bool) {
	switch t := TransactionType(s); t {
	case TransactionTypeLoad, TransactionTypeRedeem, TransactionTypeTransferIn,
		TransactionTypeTransferOut, TransactionTypeAdjust, TransactionTypeRefund:
		return t, true
	}
	return "", false
}

// RedemptionMethod records how the card was located for a redemption
type RedemptionMethod string

const (
	RedemptionByCardID RedemptionMethod = "card_id"
	RedemptionByCode   RedemptionMethod = "code"
	RedemptionByTrack  RedemptionMethod = "track"
)

// Transaction is an immutable ledger record. Amount is always positive; the
// direction is BalanceAfter - BalanceBefore.
type Transaction struct {
	ID                  string             `json:"id"`
	CardID              string             `json:"card_id"`
	MerchantID          string             `json:"merchant_id"`
	CustomerID          *string            `json:"customer_id,omitempty"`
	Type                TransactionType    `json:"type"`
	Amount              int64              `json:"amount"`
	BalanceBefore       int64              `json:"balance_before"`
	BalanceAfter        int64              `json:"balance_after"`
	LinkedTransactionID *string            `json:"linked_transaction_id,omitempty"`
	RedemptionMethod    *RedemptionMethod  `json:"redemption_method,omitempty"`
	Reference           string             `json:"reference,omitempty"`
	Description         string             `json:"description,omitempty"`
	PerformedBy         string             `json:"performed_by"`
	PerformedByType     identity.ActorType `json:"performed_by_type"`
	CreatedAt           time.Time          `json:"created_at"`
}

// NewTransaction records a movement on card that took its balance from
// before to after.
func NewTransaction(id string, card *Card, txType TransactionType, amount, before, after int64, actor identity.Scope, now time.Time) *Transaction {
	return &Transaction{
		ID:              id,
		CardID:          card.ID,
		MerchantID:      card.MerchantID,
		CustomerID:      card.CustomerID,
		Type:            txType,
		Amount:          amount,
		BalanceBefore:   before,
		BalanceAfter:    after,
		PerformedBy:     actor.ActorID,
		PerformedByType: actor.ActorType,
		CreatedAt:       now,
	}
}

// SignedAmount is the effect of the transaction on the card balance.
func (t *Transaction) SignedAmount() int64 {
	return t.BalanceAfter - t.BalanceBefore
}

// TransactionFilter selects transactions for listing
type TransactionFilter struct {
	MerchantID string
	CardID     string
	Type       TransactionType
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

// Matches reports whether t satisfies the filter, ignoring paging.
func (f TransactionFilter) Matches(t *Transaction) bool {
	if f.MerchantID != "" && t.MerchantID != f.MerchantID {
		return false
	}
	if f.CardID != "" && t.CardID != f.CardID {
		return false
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// SummaryLine aggregates one transaction type over a period
type SummaryLine struct {
	Type  TransactionType `json:"type"`
	Count int64           `json:"count"`
	Total int64           `json:"total"`
	Net   int64           `json:"net"`
}
