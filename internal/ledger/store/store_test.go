package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"giftledger/internal/common/database"
	"giftledger/internal/common/money"
	"giftledger/internal/identity"
	"giftledger/internal/ledger/domain"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) (*Memory, *domain.Card) {
	t.Helper()
	s := NewMemory()
	ctx := context.Background()
	m := &domain.Merchant{ID: "m1", Name: "Shop", Currency: money.USD, MinLoadAmount: 100, MaxLoadAmount: 50000, MaxCardBalance: 100000, Status: domain.MerchantStatusActive}
	if err := s.InsertMerchant(ctx, m); err != nil {
		t.Fatalf("insert merchant: %v", err)
	}
	c, _ := domain.NewCard("c1", "m1", "6000000000000001", "code-hash", domain.CardTypeDigital, 1000, money.USD, false, now)
	if err := s.InsertCard(ctx, c); err != nil {
		t.Fatalf("insert card: %v", err)
	}
	return s, c
}

func TestWhereClause(t *testing.T) {
	where, args := whereClause{}.
		add("merchant_id = ?", "m1").
		addIf(false, "status = ?", "active").
		addIf(true, "card_id = ?", "c1").
		build()

	if where != " WHERE merchant_id = $1 AND card_id = $2" {
		t.Fatalf("unexpected clause %q", where)
	}
	if !reflect.DeepEqual(args, []any{"m1", "c1"}) {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestMemoryRollsBackFailedUnit(t *testing.T) {
	s, card := seed(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(tx Tx) error {
		c, err := tx.GetCardForUpdate(ctx, "m1", card.ID)
		if err != nil {
			return err
		}
		before, after, _ := c.Debit(400, now)
		if err := tx.UpdateCard(ctx, c); err != nil {
			return err
		}
		txn := domain.NewTransaction("t1", c, domain.TransactionTypeRedeem, 400, before, after, identity.System("m1"), now)
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, _ := s.GetCard(ctx, "m1", card.ID)
	if got.CurrentBalance != 1000 {
		t.Fatalf("balance changed after rollback: %d", got.CurrentBalance)
	}
	if _, err := s.GetTransaction(ctx, "m1", "t1"); !database.IsNotFound(err) {
		t.Fatalf("transaction visible after rollback: %v", err)
	}
}

func TestMemoryRejectsSecondRefundLink(t *testing.T) {
	s, card := seed(t)
	ctx := context.Background()
	redeem := "t-redeem"

	insertRefund := func(id string) error {
		return s.WithinTx(ctx, func(tx Tx) error {
			c, _ := tx.GetCardForUpdate(ctx, "m1", card.ID)
			txn := domain.NewTransaction(id, c, domain.TransactionTypeRefund, 10, c.CurrentBalance, c.CurrentBalance+10, identity.System("m1"), now)
			txn.LinkedTransactionID = &redeem
			return tx.InsertTransaction(ctx, txn)
		})
	}

	if err := insertRefund("r1"); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	if err := insertRefund("r2"); !errors.Is(err, database.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestMemoryScopesByMerchant(t *testing.T) {
	s, card := seed(t)
	if _, err := s.GetCard(context.Background(), "other", card.ID); !database.IsNotFound(err) {
		t.Fatalf("expected not found across merchants, got %v", err)
	}
}

func TestMemoryExpireDueCards(t *testing.T) {
	s, card := seed(t)
	ctx := context.Background()

	exp := now.Add(time.Hour)
	_ = s.WithinTx(ctx, func(tx Tx) error {
		c, _ := tx.GetCardForUpdate(ctx, "m1", card.ID)
		c.ExpiresAt = &exp
		return tx.UpdateCard(ctx, c)
	})

	expired, err := s.ExpireDueCards(ctx, now, 10)
	if err != nil || len(expired) != 0 {
		t.Fatalf("nothing should expire yet: %v %v", expired, err)
	}

	expired, _ = s.ExpireDueCards(ctx, exp, 10)
	if len(expired) != 1 || expired[0].Status != domain.CardStatusExpired {
		t.Fatalf("expected one expired card, got %+v", expired)
	}
	again, _ := s.ExpireDueCards(ctx, exp, 10)
	if len(again) != 0 {
		t.Fatalf("sweep must be idempotent")
	}
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	if got := page(items, 1, 2); !reflect.DeepEqual(got, []int{2, 3}) {
		t.Fatalf("unexpected page %v", got)
	}
	if got := page(items, 10, 2); got != nil {
		t.Fatalf("expected empty page, got %v", got)
	}
}
