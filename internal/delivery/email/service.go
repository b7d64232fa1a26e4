package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"giftledger/internal/common/apperr"
	"giftledger/internal/common/events"
	"giftledger/internal/common/metrics"
	"giftledger/internal/common/money"
	"giftledger/internal/delivery"
	"giftledger/internal/identity"
	"giftledger/internal/ledger/domain"
)

const maxErrorLen = 1000

// ContactLookup finds the address of a card's customer.
type ContactLookup interface {
	CustomerContact(ctx context.Context, merchantID, customerID string) (email, name string, err error)
}

// ContactFunc adapts a function to ContactLookup.
type ContactFunc func(ctx context.Context, merchantID, customerID string) (string, string, error)

func (f ContactFunc) CustomerContact(ctx context.Context, merchantID, customerID string) (string, string, error) {
	return f(ctx, merchantID, customerID)
}

// Service queues, renders and drains transactional email.
type Service struct {
	store    Store
	provider Provider
	cfg      Config
	contacts ContactLookup
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an email service. contacts may be nil, in which case
// no receipts are sent.
func NewService(store Store, provider Provider, cfg Config, contacts ContactLookup, m *metrics.Metrics, logger *slog.Logger) *Service {
	cfg.Config = cfg.Config.Normalized()
	return &Service{
		store:    store,
		provider: provider,
		cfg:      cfg,
		contacts: contacts,
		metrics:  m,
		logger:   logger.With("component", "email"),
		now:      time.Now,
	}
}

// Enqueue stores a message for the next drain.
func (s *Service) Enqueue(ctx context.Context, merchantID string, msg Message) (*Email, error) {
	if msg.From == "" {
		msg.From = s.cfg.From
	}
	now := s.now().UTC()
	e := &Email{
		ID:          ulid.Make().String(),
		MerchantID:  merchantID,
		To:          msg.To,
		From:        msg.From,
		Subject:     msg.Subject,
		HTML:        msg.HTML,
		Text:        msg.Text,
		Status:      StatusPending,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Insert(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// CardIssued queues the delivery email for a digital card with a recipient.
func (s *Service) CardIssued(ctx context.Context, card *domain.Card, code string) {
	if card.Type != domain.CardTypeDigital || card.RecipientEmail == "" {
		return
	}
	view := cardIssuedView{
		Amount:     money.Format(card.InitialBalance, card.Currency),
		CardNumber: card.CardNumber,
		Code:       code,
	}
	if card.ExpiresAt != nil {
		view.ExpiresOn = card.ExpiresAt.Format("2 January 2006")
	}
	r, err := render("Your gift card", cardIssuedHTML, cardIssuedText, view)
	if err != nil {
		s.logger.Error("failed to render card email", "card_id", card.ID, "error", err)
		return
	}
	if _, err := s.Enqueue(ctx, card.MerchantID, Message{To: card.RecipientEmail, Subject: r.Subject, HTML: r.HTML, Text: r.Text}); err != nil {
		s.logger.Error("failed to queue card email", "card_id", card.ID, "error", err)
	}
}

// Publish queues a receipt for balance changes on cards with a customer
// that has an email address.
func (s *Service) Publish(ctx context.Context, event *events.Event) error {
	if s.contacts == nil {
		return nil
	}
	var legs []events.TransactionData
	switch event.Type {
	case events.EventCardLoaded, events.EventCardRedeemed, events.EventCardRefunded, events.EventCardAdjusted:
		var d events.TransactionData
		if err := event.DecodeData(&d); err != nil {
			return fmt.Errorf("decoding %s: %w", event.Type, err)
		}
		legs = append(legs, d)
	case events.EventCardTransferred:
		var d events.TransferData
		if err := event.DecodeData(&d); err != nil {
			return fmt.Errorf("decoding %s: %w", event.Type, err)
		}
		legs = append(legs, d.Out, d.In)
	default:
		return nil
	}

	for _, leg := range legs {
		if leg.CustomerID == "" {
			continue
		}
		if err := s.receipt(ctx, event, leg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) receipt(ctx context.Context, event *events.Event, d events.TransactionData) error {
	addr, name, err := s.contacts.CustomerContact(ctx, event.MerchantID, d.CustomerID)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil
		}
		return fmt.Errorf("looking up customer %s: %w", d.CustomerID, err)
	}
	if addr == "" {
		return nil
	}

	cur := money.Currency(d.Currency)
	r, err := render("Gift card receipt", receiptHTML, receiptText, receiptView{
		Name:          name,
		Action:        receiptAction(domain.TransactionType(d.Type), d.BalanceAfter >= d.BalanceBefore),
		Amount:        money.Format(d.Amount, cur),
		Balance:       money.Format(d.BalanceAfter, cur),
		TransactionID: d.TransactionID,
		Date:          event.OccurredAt.Format("2 January 2006"),
	})
	if err != nil {
		return fmt.Errorf("rendering receipt: %w", err)
	}
	_, err = s.Enqueue(ctx, event.MerchantID, Message{To: addr, Subject: r.Subject, HTML: r.HTML, Text: r.Text})
	return err
}

func receiptAction(t domain.TransactionType, credit bool) string {
	switch t {
	case domain.TransactionTypeLoad:
		return "loaded with"
	case domain.TransactionTypeRedeem:
		return "charged"
	case domain.TransactionTypeRefund:
		return "refunded"
	case domain.TransactionTypeTransferIn:
		return "credited"
	case domain.TransactionTypeTransferOut:
		return "debited"
	}
	if credit {
		return "credited"
	}
	return "debited"
}

// Drain claims due emails and sends them.
func (s *Service) Drain(ctx context.Context) (delivery.Stats, error) {
	claimed, err := s.store.ClaimDue(ctx, s.now().UTC(), s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		return delivery.Stats{}, err
	}
	stats := delivery.Dispatch(ctx, claimed, s.send)
	if stats.Claimed > 0 {
		s.logger.Info("email drain complete",
			"claimed", stats.Claimed,
			"sent", stats.Delivered,
			"retried", stats.Retried,
			"failed", stats.Failed,
		)
	}
	return stats, nil
}

func (s *Service) send(ctx context.Context, e *Email) delivery.Outcome {
	sendErr := s.provider.Send(ctx, Message{To: e.To, From: e.From, Subject: e.Subject, HTML: e.HTML, Text: e.Text})
	at := s.now().UTC()
	if sendErr == nil {
		if err := s.store.MarkSent(ctx, e.ID, at); err != nil {
			s.logger.Error("failed to mark email sent", "email_id", e.ID, "error", err)
		}
		s.metrics.DeliveryAttempt("email", delivery.Delivered.String())
		return delivery.Delivered
	}

	next, exhausted := delivery.Schedule(e.Attempts, s.cfg.MaxRetries, at)
	if err := s.store.MarkFailed(ctx, e.ID, delivery.Truncate(sendErr.Error(), maxErrorLen), next, exhausted, at); err != nil {
		s.logger.Error("failed to record email failure", "email_id", e.ID, "error", err)
	}
	outcome := delivery.Retrying
	if exhausted {
		outcome = delivery.Failed
	}
	s.logger.Warn("email send failed",
		"email_id", e.ID,
		"attempts", e.Attempts,
		"outcome", outcome.String(),
		"error", sendErr,
	)
	s.metrics.DeliveryAttempt("email", outcome.String())
	return outcome
}

// ListFailed pages through the merchant's permanently failed emails. Bodies
// are never returned.
func (s *Service) ListFailed(ctx context.Context, scope identity.Scope, limit, offset int) ([]*Email, int, error) {
	if err := scope.RequireElevated(); err != nil {
		return nil, 0, err
	}
	out, total, err := s.store.ListFailed(ctx, scope.MerchantID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if out == nil {
		out = []*Email{}
	}
	for _, e := range out {
		e.HTML, e.Text = "", ""
	}
	return out, total, nil
}
