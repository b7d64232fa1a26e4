package domain

import (
	"fmt"
	"time"

	"giftledger/internal/common/apperr"
	"giftledger/internal/common/money"
)

// MerchantStatus represents whether a merchant may transact
type MerchantStatus string

const (
	MerchantStatusActive    MerchantStatus = "active"
	MerchantStatusSuspended MerchantStatus = "suspended"
)

// Merchant owns cards and sets their limits
type Merchant struct {
	ID             string         `json:"id"`
	PartnerID      *string        `json:"partner_id,omitempty"`
	Name           string         `json:"name"`
	Currency       money.Currency `json:"currency"`
	MinLoadAmount  int64          `json:"min_load_amount"`
	MaxLoadAmount  int64          `json:"max_load_amount"`
	MaxCardBalance int64          `json:"max_card_balance"`
	Status         MerchantStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Validate checks the merchant's limits are coherent
func (m *Merchant) Validate() error {
	if m.ID == "" || m.Name == "" {
		return apperr.Validation("merchant id and name are required")
	}
	if _, err := money.ParseCurrency(string(m.Currency)); err != nil {
		return apperr.Validation(err.Error())
	}
	if m.MinLoadAmount <= 0 || m.MaxLoadAmount < m.MinLoadAmount {
		return apperr.Validation("load bounds must satisfy 0 < min <= max")
	}
	if m.MaxCardBalance <= 0 {
		return apperr.Validation("max card balance must be positive")
	}
	return nil
}

// CheckActive fails when the merchant is suspended
func (m *Merchant) CheckActive() error {
	if m.Status != MerchantStatusActive {
		return apperr.Forbidden("merchant is not active")
	}
	return nil
}

// CheckLoad enforces the merchant's per-load bounds
func (m *Merchant) CheckLoad(amount int64) error {
	if amount <= 0 {
		return apperr.InvalidAmount("amount must be greater than zero")
	}
	if amount < m.MinLoadAmount || amount > m.MaxLoadAmount {
		return apperr.InvalidAmount(fmt.Sprintf("load amount must be between %s and %s",
			money.Format(m.MinLoadAmount, m.Currency), money.Format(m.MaxLoadAmount, m.Currency)))
	}
	return nil
}
