package ledger

import (
	"context"
	"fmt"

	"giftledger/internal/common/apperr"
	"giftledger/internal/common/database"
	"giftledger/internal/common/events"
	"giftledger/internal/identity"
	"giftledger/internal/ledger/domain"
	"giftledger/internal/ledger/store"
)

// LoadRequest adds value to a card
type LoadRequest struct {
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference" validate:"max=255"`
	Description string `json:"description" validate:"max=500"`
}

// RedeemRequest spends value from a card located by ID
type RedeemRequest struct {
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference" validate:"max=255"`
	Description string `json:"description" validate:"max=500"`
}

// RedeemByCodeRequest spends value from a card located by redemption code
type RedeemByCodeRequest struct {
	Code        string `json:"code" validate:"required,max=64"`
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference" validate:"max=255"`
	Description string `json:"description" validate:"max=500"`
}

// RedeemByTrackRequest spends value from a card located by swiped track data
type RedeemByTrackRequest struct {
	TrackData   string `json:"track_data" validate:"required,max=256"`
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference" validate:"max=255"`
	Description string `json:"description" validate:"max=500"`
}

// TransferRequest moves value to another card of the same merchant
type TransferRequest struct {
	ToCardID    string `json:"to_card_id" validate:"required,max=64"`
	Amount      int64  `json:"amount"`
	Reference   string `json:"reference" validate:"max=255"`
	Description string `json:"description" validate:"max=500"`
}

// AdjustRequest is a signed manual correction
type AdjustRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason" validate:"required,max=500"`
}

// RefundRequest reverses a redemption
type RefundRequest struct {
	Reason    string `json:"reason" validate:"max=500"`
	Reference string `json:"reference" validate:"max=255"`
}

// TransferResult holds both legs of a transfer
type TransferResult struct {
	Out *domain.Transaction `json:"out"`
	In  *domain.Transaction `json:"in"`
}

// Load adds value to a card within the merchant's load bounds
func (s *Service) Load(ctx context.Context, scope identity.Scope, cardID string, req LoadRequest) (*domain.Transaction, error) {
	if err := scope.Require(identity.PermCardsLoad); err != nil {
		return nil, err
	}

	var card *domain.Card
	var txn *domain.Transaction
	err := s.mutate(ctx, "load", func(tx store.Tx) error {
		merchant, err := txMerchant(ctx, tx, scope.MerchantID)
		if err != nil {
			return err
		}
		if err := merchant.CheckLoad(req.Amount); err != nil {
			return err
		}

		c, err := tx.GetCardForUpdate(ctx, scope.MerchantID, cardID)
		if err != nil {
			return storeErr(err, "card")
		}
		now := s.now().UTC()
		if err := c.CheckUsable(now); err != nil {
			return err
		}
		before, after, err := c.Credit(req.Amount, merchant.MaxCardBalance, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, c); err != nil {
			return err
		}

		t := domain.NewTransaction(newID(), c, domain.TransactionTypeLoad, req.Amount, before, after, scope, now)
		t.Reference = req.Reference
		t.Description = req.Description
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return storeErr(err, "transaction")
		}
		card, txn = c, t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recorded(ctx, events.EventCardLoaded, card, txn)
	return txn, nil
}

// Redeem spends value from a card located by ID
func (s *Service) Redeem(ctx context.Context, scope identity.Scope, cardID string, req RedeemRequest) (*domain.Transaction, error) {
	return s.redeem(ctx, scope, domain.RedemptionByCardID, func(tx store.Tx) (*domain.Card, error) {
		return tx.GetCardForUpdate(ctx, scope.MerchantID, cardID)
	}, req.Amount, req.Reference, req.Description)
}

// RedeemByCode spends value from a card located by its redemption code
func (s *Service) RedeemByCode(ctx context.Context, scope identity.Scope, req RedeemByCodeRequest) (*domain.Transaction, error) {
	hash := s.secrets.HashCode(req.Code)
	return s.redeem(ctx, scope, domain.RedemptionByCode, func(tx store.Tx) (*domain.Card, error) {
		return tx.GetCardByCodeHashForUpdate(ctx, scope.MerchantID, hash)
	}, req.Amount, req.Reference, req.Description)
}

// RedeemByTrack spends value from a card located by its track data
func (s *Service) RedeemByTrack(ctx context.Context, scope identity.Scope, req RedeemByTrackRequest) (*domain.Transaction, error) {
	hash := s.secrets.HashTrack(req.TrackData)
	return s.redeem(ctx, scope, domain.RedemptionByTrack, func(tx store.Tx) (*domain.Card, error) {
		return tx.GetCardByTrackHashForUpdate(ctx, scope.MerchantID, hash)
	}, req.Amount, req.Reference, req.Description)
}

// redeem is the shared validation path for all three lookup strategies.
func (s *Service) redeem(ctx context.Context, scope identity.Scope, method domain.RedemptionMethod,
	locate func(tx store.Tx) (*domain.Card, error), amount int64, reference, description string) (*domain.Transaction, error) {
	if err := scope.Require(identity.PermCardsRedeem); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, apperr.InvalidAmount("amount must be greater than zero")
	}

	var card *domain.Card
	var txn *domain.Transaction
	err := s.mutate(ctx, "redeem", func(tx store.Tx) error {
		if _, err := txMerchant(ctx, tx, scope.MerchantID); err != nil {
			return err
		}
		c, err := locate(tx)
		if err != nil {
			return storeErr(err, "card")
		}
		now := s.now().UTC()
		if err := c.CheckUsable(now); err != nil {
			return err
		}
		before, after, err := c.Debit(amount, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, c); err != nil {
			return err
		}

		t := domain.NewTransaction(newID(), c, domain.TransactionTypeRedeem, amount, before, after, scope, now)
		m := method
		t.RedemptionMethod = &m
		t.Reference = reference
		t.Description = description
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return storeErr(err, "transaction")
		}
		card, txn = c, t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recorded(ctx, events.EventCardRedeemed, card, txn)
	return txn, nil
}

// Transfer moves value between two distinct cards of one merchant. Both legs
// and both balance changes commit together or not at all.
func (s *Service) Transfer(ctx context.Context, scope identity.Scope, fromCardID string, req TransferRequest) (*TransferResult, error) {
	if err := scope.Require(identity.PermCardsTransfer); err != nil {
		return nil, err
	}
	if fromCardID == req.ToCardID {
		return nil, apperr.Validation("source and destination cards must differ")
	}
	if req.Amount <= 0 {
		return nil, apperr.InvalidAmount("amount must be greater than zero")
	}

	var src, dst *domain.Card
	var out, in *domain.Transaction
	err := s.mutate(ctx, "transfer", func(tx store.Tx) error {
		merchant, err := txMerchant(ctx, tx, scope.MerchantID)
		if err != nil {
			return err
		}

		// Lock in id order so two opposite transfers cannot deadlock.
		locked := map[string]*domain.Card{}
		first, second := fromCardID, req.ToCardID
		if second < first {
			first, second = second, first
		}
		for _, id := range []string{first, second} {
			c, err := tx.GetCardForUpdate(ctx, scope.MerchantID, id)
			if err != nil {
				return storeErr(err, "card")
			}
			locked[id] = c
		}
		from, to := locked[fromCardID], locked[req.ToCardID]

		now := s.now().UTC()
		if err := from.CheckUsable(now); err != nil {
			return err
		}
		if err := to.CheckUsable(now); err != nil {
			return err
		}
		if from.Currency != to.Currency {
			return apperr.Validation("cards use different currencies")
		}

		srcBefore, srcAfter, err := from.Debit(req.Amount, now)
		if err != nil {
			return err
		}
		dstBefore, dstAfter, err := to.Credit(req.Amount, merchant.MaxCardBalance, now)
		if err != nil {
			return err
		}

		if err := tx.UpdateCard(ctx, from); err != nil {
			return err
		}
		o := domain.NewTransaction(newID(), from, domain.TransactionTypeTransferOut, req.Amount, srcBefore, srcAfter, scope, now)
		o.Reference = req.Reference
		o.Description = req.Description
		if err := tx.InsertTransaction(ctx, o); err != nil {
			return storeErr(err, "transaction")
		}

		if err := tx.UpdateCard(ctx, to); err != nil {
			return err
		}
		i := domain.NewTransaction(newID(), to, domain.TransactionTypeTransferIn, req.Amount, dstBefore, dstAfter, scope, now)
		i.Reference = req.Reference
		i.Description = req.Description
		i.LinkedTransactionID = &o.ID
		if err := tx.InsertTransaction(ctx, i); err != nil {
			return storeErr(err, "transaction")
		}

		if err := tx.LinkTransaction(ctx, o.ID, i.ID); err != nil {
			return storeErr(err, "transaction")
		}
		o.LinkedTransactionID = &i.ID

		src, dst, out, in = from, to, o, i
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("transfer completed",
		"from_card_id", src.ID,
		"to_card_id", dst.ID,
		"amount", req.Amount,
		"out_transaction_id", out.ID,
		"in_transaction_id", in.ID,
	)
	s.publish(ctx, events.EventCardTransferred, src.MerchantID, "card", src.ID, events.TransferData{
		Out: transactionData(src, out),
		In:  transactionData(dst, in),
	})
	return &TransferResult{Out: out, In: in}, nil
}

// Adjust applies a signed correction. Only owners and admins may adjust.
func (s *Service) Adjust(ctx context.Context, scope identity.Scope, cardID string, req AdjustRequest) (*domain.Transaction, error) {
	if err := scope.RequireElevated(); err != nil {
		return nil, err
	}
	if req.Amount == 0 {
		return nil, apperr.InvalidAmount("adjustment amount cannot be zero")
	}

	var card *domain.Card
	var txn *domain.Transaction
	err := s.mutate(ctx, "adjust", func(tx store.Tx) error {
		merchant, err := txMerchant(ctx, tx, scope.MerchantID)
		if err != nil {
			return err
		}
		c, err := tx.GetCardForUpdate(ctx, scope.MerchantID, cardID)
		if err != nil {
			return storeErr(err, "card")
		}
		now := s.now().UTC()
		if err := c.CheckUsable(now); err != nil {
			return err
		}

		var before, after, magnitude int64
		if req.Amount > 0 {
			magnitude = req.Amount
			before, after, err = c.Credit(magnitude, merchant.MaxCardBalance, now)
		} else {
			magnitude = -req.Amount
			before, after, err = c.Debit(magnitude, now)
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, c); err != nil {
			return err
		}

		t := domain.NewTransaction(newID(), c, domain.TransactionTypeAdjust, magnitude, before, after, scope, now)
		t.Description = req.Reason
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return storeErr(err, "transaction")
		}
		card, txn = c, t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, scope, "card.adjust", "card", card.ID, map[string]any{
		"amount":         req.Amount,
		"reason":         req.Reason,
		"transaction_id": txn.ID,
	})
	s.recorded(ctx, events.EventCardAdjusted, card, txn)
	return txn, nil
}

// Refund reverses a redemption for its exact amount. A redemption can be
// refunded at most once.
func (s *Service) Refund(ctx context.Context, scope identity.Scope, transactionID string, req RefundRequest) (*domain.Transaction, error) {
	if err := scope.Require(identity.PermTransactionsRefund); err != nil {
		return nil, err
	}

	var card *domain.Card
	var txn *domain.Transaction
	err := s.mutate(ctx, "refund", func(tx store.Tx) error {
		original, err := tx.GetTransaction(ctx, scope.MerchantID, transactionID)
		if err != nil {
			return storeErr(err, "transaction")
		}
		if original.Type != domain.TransactionTypeRedeem {
			return apperr.Validation(fmt.Sprintf("only redemptions can be refunded, got %s", original.Type))
		}
		merchant, err := txMerchant(ctx, tx, scope.MerchantID)
		if err != nil {
			return err
		}

		c, err := tx.GetCardForUpdate(ctx, scope.MerchantID, original.CardID)
		if err != nil {
			return storeErr(err, "card")
		}
		// The card row lock serializes concurrent refunds of one redemption.
		existing, err := tx.FindRefundFor(ctx, c.ID, original.ID)
		if err == nil {
			return apperr.Conflict(fmt.Sprintf("transaction %s was already refunded by %s", original.ID, existing.ID))
		}
		if !database.IsNotFound(err) {
			return err
		}

		now := s.now().UTC()
		if err := c.CheckUsable(now); err != nil {
			return err
		}
		before, after, err := c.Credit(original.Amount, merchant.MaxCardBalance, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, c); err != nil {
			return err
		}

		t := domain.NewTransaction(newID(), c, domain.TransactionTypeRefund, original.Amount, before, after, scope, now)
		t.LinkedTransactionID = &original.ID
		t.Reference = req.Reference
		t.Description = req.Reason
		if err := tx.InsertTransaction(ctx, t); err != nil {
			if apperr.IsKind(storeErr(err, "refund"), apperr.KindConflict) {
				return apperr.Conflict(fmt.Sprintf("transaction %s was already refunded", original.ID))
			}
			return err
		}
		card, txn = c, t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, scope, "transaction.refund", "transaction", transactionID, map[string]any{
		"refund_transaction_id": txn.ID,
		"amount":                txn.Amount,
		"reason":                req.Reason,
	})
	s.recorded(ctx, events.EventCardRefunded, card, txn)
	return txn, nil
}

// GetTransaction retrieves a transaction by ID
func (s *Service) GetTransaction(ctx context.Context, scope identity.Scope, id string) (*domain.Transaction, error) {
	if err := scope.Require(identity.PermTransactionsRead); err != nil {
		return nil, err
	}
	txn, err := s.store.GetTransaction(ctx, scope.MerchantID, id)
	return txn, storeErr(err, "transaction")
}

// ListTransactions lists the scope's transactions
func (s *Service) ListTransactions(ctx context.Context, scope identity.Scope, f domain.TransactionFilter) ([]*domain.Transaction, int64, error) {
	if err := scope.Require(identity.PermTransactionsRead); err != nil {
		return nil, 0, err
	}
	f.MerchantID = scope.MerchantID
	f.Limit = clampLimit(f.Limit)
	return s.store.ListTransactions(ctx, f)
}

func txMerchant(ctx context.Context, tx store.Tx, id string) (*domain.Merchant, error) {
	m, err := tx.GetMerchant(ctx, id)
	if err != nil {
		return nil, storeErr(err, "merchant")
	}
	if err := m.CheckActive(); err != nil {
		return nil, err
	}
	return m, nil
}

// recorded logs and publishes a committed single-card transaction.
func (s *Service) recorded(ctx context.Context, eventType string, card *domain.Card, txn *domain.Transaction) {
	s.logger.Info("transaction recorded",
		"transaction_id", txn.ID,
		"card_id", card.ID,
		"type", txn.Type,
		"amount", txn.Amount,
		"balance_after", txn.BalanceAfter,
	)
	s.publish(ctx, eventType, card.MerchantID, "card", card.ID, transactionData(card, txn))
}

func transactionData(c *domain.Card, t *domain.Transaction) events.TransactionData {
	d := events.TransactionData{
		TransactionID: t.ID,
		CardID:        t.CardID,
		Type:          string(t.Type),
		Amount:        t.Amount,
		BalanceBefore: t.BalanceBefore,
		BalanceAfter:  t.BalanceAfter,
		Currency:      string(c.Currency),
	}
	if t.LinkedTransactionID != nil {
		d.LinkedTransactionID = *t.LinkedTransactionID
	}
	if t.RedemptionMethod != nil {
		d.RedemptionMethod = string(*t.RedemptionMethod)
	}
	if t.CustomerID != nil {
		d.CustomerID = *t.CustomerID
	}
	return d
}
