package ledger

import (
	"context"
	"time"

	"giftledger/internal/common/apperr"
	"giftledger/internal/common/events"
	"giftledger/internal/identity"
	"giftledger/internal/ledger/domain"
)

const defaultSummaryPeriod = 30 * 24 * time.Hour

// Summary is the per-type transaction rollup for a period
type Summary struct {
	MerchantID string               `json:"merchant_id"`
	From       time.Time            `json:"from"`
	To         time.Time            `json:"to"`
	Lines      []domain.SummaryLine `json:"lines"`
	// NetChange is the signed effect of all lines on outstanding balances.
	NetChange int64 `json:"net_change"`
}

// Summary reports transaction counts and totals per type in [from, to).
// Zero bounds default to the last 30 days.
func (s *Service) Summary(ctx context.Context, scope identity.Scope, from, to time.Time) (*Summary, error) {
	if err := scope.Require(identity.PermReportsRead); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = s.now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-defaultSummaryPeriod)
	}
	if !from.Before(to) {
		return nil, apperr.Validation("from must be before to")
	}

	lines, err := s.store.Summary(ctx, scope.MerchantID, from, to)
	if err != nil {
		return nil, err
	}
	if lines == nil {
		lines = []domain.SummaryLine{}
	}

	out := &Summary{MerchantID: scope.MerchantID, From: from, To: to, Lines: lines}
	for _, l := range lines {
		out.NetChange += l.Net
	}
	return out, nil
}

// ExpireCards moves one batch of active cards past their expiry to expired.
// Running it concurrently or repeatedly is safe.
func (s *Service) ExpireCards(ctx context.Context) (int, error) {
	now := s.now().UTC()
	cards, err := s.store.ExpireDueCards(ctx, now, s.cfg.ExpiryBatchSize)
	s.metrics.LedgerOperation("expire", outcome(err))
	if err != nil {
		return 0, err
	}

	for _, c := range cards {
		s.audit(ctx, identity.System(c.MerchantID), "card.expire", "card", c.ID, nil)
		s.publish(ctx, events.EventCardExpired, c.MerchantID, "card", c.ID, cardData(c, domain.CardStatusActive))
	}
	if len(cards) > 0 {
		s.logger.Info("cards expired", "count", len(cards))
	}
	return len(cards), nil
}
