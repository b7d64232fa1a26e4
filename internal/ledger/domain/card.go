package domain

import (
	"fmt"
	"time"

	"giftledger/internal/common/apperr"
	"giftledger/internal/common/money"
)

// CardType distinguishes plastic from emailed cards
type CardType string

const (
	CardTypePhysical CardType = "physical"
	CardTypeDigital  CardType = "digital"
)

// CardStatus represents the lifecycle state of a card
type CardStatus string

const (
	CardStatusActive    CardStatus = "active"
	CardStatusInactive  CardStatus = "inactive"
	CardStatusSuspended CardStatus = "suspended"
	CardStatusExpired   CardStatus = "expired"
	CardStatusCancelled CardStatus = "cancelled"
)

// transitions lists the states reachable from each state. Expired and
// cancelled are terminal.
var transitions = map[CardStatus][]CardStatus{
	CardStatusInactive:  {CardStatusActive, CardStatusCancelled},
	CardStatusActive:    {CardStatusSuspended, CardStatusCancelled, CardStatusExpired},
	CardStatusSuspended: {CardStatusActive, CardStatusCancelled},
}

// ParseCardStatus validates a status string
func ParseCardStatus(s string) (CardStatus, bool) {
	switch st := CardStatus(s); st {
	case CardStatusActive, CardStatusInactive, CardStatusSuspended, CardStatusExpired, CardStatusCancelled:
		return st, true
	}
	return "", false
}

// Card is a stored-value card. CurrentBalance only changes together with an
// appended Transaction.
type Card struct {
	ID             string            `json:"id"`
	MerchantID     string            `json:"merchant_id"`
	CustomerID     *string           `json:"customer_id,omitempty"`
	CardNumber     string            `json:"card_number"`
	CodeHash       string            `json:"-"`
	PINHash        *string           `json:"-"`
	TrackHash      *string           `json:"-"`
	Type           CardType          `json:"type"`
	Status         CardStatus        `json:"status"`
	InitialBalance int64             `json:"initial_balance"`
	CurrentBalance int64             `json:"current_balance"`
	Currency       money.Currency    `json:"currency"`
	RecipientEmail string            `json:"recipient_email,omitempty"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	ActivatedAt    *time.Time        `json:"activated_at,omitempty"`
	LastUsedAt     *time.Time        `json:"last_used_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewCard builds a card in its issuance state. Digital cards start active;
// physical cards start inactive unless activate is set.
func NewCard(id, merchantID, cardNumber, codeHash string, cardType CardType, initialBalance int64, currency money.Currency, activate bool, now time.Time) (*Card, error) {
	if id == "" || merchantID == "" || cardNumber == "" || codeHash == "" {
		return nil, apperr.Validation("card id, merchant, number and code are required")
	}
	if cardType != CardTypePhysical && cardType != CardTypeDigital {
		return nil, apperr.Validation(fmt.Sprintf("unknown card type %q", cardType))
	}
	if initialBalance < 0 {
		return nil, apperr.InvalidAmount("initial balance cannot be negative")
	}

	c := &Card{
		ID:             id,
		MerchantID:     merchantID,
		CardNumber:     cardNumber,
		CodeHash:       codeHash,
		Type:           cardType,
		Status:         CardStatusInactive,
		InitialBalance: initialBalance,
		CurrentBalance: initialBalance,
		Currency:       currency,
		Metadata:       map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if cardType == CardTypeDigital || activate {
		c.Status = CardStatusActive
		c.ActivatedAt = &now
	}
	return c, nil
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to CardStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the card to status. Entering active stamps ActivatedAt
// the first time.
func (c *Card) TransitionTo(status CardStatus, now time.Time) error {
	if c.Status == status {
		return nil
	}
	if !CanTransition(c.Status, status) {
		return apperr.Conflict(fmt.Sprintf("card cannot move from %s to %s", c.Status, status))
	}
	c.Status = status
	if status == CardStatusActive && c.ActivatedAt == nil {
		c.ActivatedAt = &now
	}
	c.UpdatedAt = now
	return nil
}

// IsPastExpiry reports whether the card's expiry has been reached.
func (c *Card) IsPastExpiry(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// CheckUsable fails with CardExpired or CardInactive unless the card may be
// used for a financial operation at now.
func (c *Card) CheckUsable(now time.Time) error {
	if c.Status == CardStatusExpired || (c.Status == CardStatusActive && c.IsPastExpiry(now)) {
		return apperr.CardExpired("card has expired")
	}
	if c.Status != CardStatusActive {
		return apperr.CardInactive(fmt.Sprintf("card is %s", c.Status))
	}
	return nil
}

// Credit adds amount, refusing to go above maxBalance.
func (c *Card) Credit(amount, maxBalance int64, now time.Time) (before, after int64, err error) {
	if amount <= 0 {
		return 0, 0, apperr.InvalidAmount("amount must be greater than zero")
	}
	after, err = money.Add(c.CurrentBalance, amount)
	if err != nil || after > maxBalance {
		return 0, 0, apperr.InvalidAmount(fmt.Sprintf("balance would exceed the maximum of %s", money.Format(maxBalance, c.Currency)))
	}
	before = c.CurrentBalance
	c.apply(after, now)
	return before, after, nil
}

// Debit subtracts amount, refusing to go below zero.
func (c *Card) Debit(amount int64, now time.Time) (before, after int64, err error) {
	if amount <= 0 {
		return 0, 0, apperr.InvalidAmount("amount must be greater than zero")
	}
	if amount > c.CurrentBalance {
		return 0, 0, apperr.InsufficientBalance(fmt.Sprintf("card balance %s is less than %s",
			money.Format(c.CurrentBalance, c.Currency), money.Format(amount, c.Currency)))
	}
	before = c.CurrentBalance
	c.apply(before-amount, now)
	return before, c.CurrentBalance, nil
}

func (c *Card) apply(balance int64, now time.Time) {
	c.CurrentBalance = balance
	c.LastUsedAt = &now
	c.UpdatedAt = now
}

// MaskedNumber hides all but the last four digits.
func (c *Card) MaskedNumber() string {
	n := len(c.CardNumber)
	if n <= 4 {
		return c.CardNumber
	}
	masked := make([]byte, n)
	for i := range masked {
		if i < n-4 {
			masked[i] = '*'
		} else {
			masked[i] = c.CardNumber[i]
		}
	}
	return string(masked)
}

// HasPIN reports whether a PIN was set at issuance
func (c *Card) HasPIN() bool {
	return c.PINHash != nil && *c.PINHash != ""
}

// CardFilter selects cards for listing
type CardFilter struct {
	MerchantID string
	Status     CardStatus
	CustomerID string
	Limit      int
	Offset     int
}
