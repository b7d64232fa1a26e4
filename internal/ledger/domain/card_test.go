package domain

import (
	"testing"
	"time"

	"giftledger/internal/common/apperr"
	"giftledger/internal/common/money"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCard(t *testing.T, cardType CardType, balance int64) *Card {
	t.Helper()
	c, err := NewCard("c1", "m1", "6000000000000001", "hash", cardType, balance, money.USD, false, now)
	if err != nil {
		t.Fatalf("new card: %v", err)
	}
	return c
}

func TestIssuanceStatus(t *testing.T) {
	if c := newTestCard(t, CardTypeDigital, 0); c.Status != CardStatusActive || c.ActivatedAt == nil {
		t.Fatalf("digital cards start active, got %s", c.Status)
	}
	if c := newTestCard(t, CardTypePhysical, 0); c.Status != CardStatusInactive || c.ActivatedAt != nil {
		t.Fatalf("physical cards start inactive, got %s", c.Status)
	}
	if _, err := NewCard("c1", "m1", "n", "h", CardTypeDigital, -1, money.USD, false, now); !apperr.IsKind(err, apperr.KindInvalidAmount) {
		t.Fatalf("expected InvalidAmount for negative balance, got %v", err)
	}
}

func TestStateMachine(t *testing.T) {
	cases := []struct {
		from, to CardStatus
		ok       bool
	}{
		{CardStatusInactive, CardStatusActive, true},
		{CardStatusInactive, CardStatusSuspended, false},
		{CardStatusActive, CardStatusSuspended, true},
		{CardStatusActive, CardStatusExpired, true},
		{CardStatusSuspended, CardStatusActive, true},
		{CardStatusSuspended, CardStatusExpired, false},
		{CardStatusExpired, CardStatusActive, false},
		{CardStatusCancelled, CardStatusActive, false},
		{CardStatusCancelled, CardStatusSuspended, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}

	c := newTestCard(t, CardTypePhysical, 0)
	later := now.Add(time.Hour)
	if err := c.TransitionTo(CardStatusActive, later); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if c.ActivatedAt == nil || !c.ActivatedAt.Equal(later) {
		t.Fatalf("expected activated_at to be stamped")
	}
	_ = c.TransitionTo(CardStatusCancelled, later)
	if err := c.TransitionTo(CardStatusActive, later); !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected Conflict leaving a terminal state, got %v", err)
	}
}

func TestCheckUsable(t *testing.T) {
	c := newTestCard(t, CardTypeDigital, 100)
	if err := c.CheckUsable(now); err != nil {
		t.Fatalf("expected usable, got %v", err)
	}

	exp := now.Add(time.Minute)
	c.ExpiresAt = &exp
	if err := c.CheckUsable(exp); !apperr.IsKind(err, apperr.KindCardExpired) {
		t.Fatalf("expected CardExpired at expiry instant, got %v", err)
	}

	c.ExpiresAt = nil
	c.Status = CardStatusSuspended
	if err := c.CheckUsable(now); !apperr.IsKind(err, apperr.KindCardInactive) {
		t.Fatalf("expected CardInactive, got %v", err)
	}
}

func TestCreditDebit(t *testing.T) {
	c := newTestCard(t, CardTypeDigital, 1000)

	if _, _, err := c.Debit(1001, now); !apperr.IsKind(err, apperr.KindInsufficientBalance) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if c.CurrentBalance != 1000 {
		t.Fatalf("failed debit must not change balance")
	}

	before, after, err := c.Debit(400, now)
	if err != nil || before != 1000 || after != 600 {
		t.Fatalf("debit: %d -> %d, %v", before, after, err)
	}

	if _, _, err := c.Credit(500, 1000, now); !apperr.IsKind(err, apperr.KindInvalidAmount) {
		t.Fatalf("expected InvalidAmount over max, got %v", err)
	}
	if _, _, err := c.Credit(0, 1000, now); !apperr.IsKind(err, apperr.KindInvalidAmount) {
		t.Fatalf("expected InvalidAmount for zero, got %v", err)
	}
	if _, after, err := c.Credit(400, 1000, now); err != nil || after != 1000 {
		t.Fatalf("credit to exactly max: %d, %v", after, err)
	}
	if c.LastUsedAt == nil {
		t.Fatalf("expected last_used_at to be stamped")
	}
}

func TestMaskedNumber(t *testing.T) {
	c := &Card{CardNumber: "6000123412341234"}
	if got := c.MaskedNumber(); got != "************1234" {
		t.Fatalf("unexpected mask %q", got)
	}
}

func TestMerchantCheckLoad(t *testing.T) {
	m := &Merchant{ID: "m1", Name: "Shop", Currency: money.USD, MinLoadAmount: 100, MaxLoadAmount: 50000, MaxCardBalance: 100000, Status: MerchantStatusActive}
	if err := m.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, amt := range []int64{0, 99, 50001} {
		if err := m.CheckLoad(amt); !apperr.IsKind(err, apperr.KindInvalidAmount) {
			t.Errorf("CheckLoad(%d): expected InvalidAmount, got %v", amt, err)
		}
	}
	if err := m.CheckLoad(100); err != nil {
		t.Fatalf("CheckLoad(100): %v", err)
	}
}
