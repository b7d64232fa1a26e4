package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"giftledger/internal/common/apperr"
	"giftledger/internal/common/audit"
	"giftledger/internal/common/database"
	"giftledger/internal/common/events"
	"giftledger/internal/common/metrics"
	"giftledger/internal/common/middleware"
	"giftledger/internal/common/money"
	"giftledger/internal/identity"
	"giftledger/internal/ledger/domain"
	"giftledger/internal/ledger/store"
)

// Config holds card issuance settings
type Config struct {
	CodePepper       string        `envconfig:"CARD_CODE_PEPPER"`
	CardNumberPrefix string        `envconfig:"CARD_NUMBER_PREFIX" default:"6034"`
	DefaultValidity  time.Duration `envconfig:"CARD_DEFAULT_VALIDITY" default:"0s"`
	ExpiryBatchSize  int           `envconfig:"CARD_EXPIRY_BATCH_SIZE" default:"500"`
}

// IssueNotifier is told about newly issued cards while the plaintext
// redemption code still exists.
type IssueNotifier interface {
	CardIssued(ctx context.Context, card *domain.Card, code string)
}

// Service provides ledger operations. Every balance change goes through it.
type Service struct {
	store     store.Store
	cfg       Config
	secrets   *Secrets
	publisher events.Publisher
	notifier  IssueNotifier
	auditor   audit.Recorder
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures optional collaborators
type Option func(*Service)

// WithNotifier sets the issuance notifier
func WithNotifier(n IssueNotifier) Option { return func(s *Service) { s.notifier = n } }

// WithAuditor sets the audit recorder
func WithAuditor(a audit.Recorder) Option { return func(s *Service) { s.auditor = a } }

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a new ledger service
func NewService(st store.Store, cfg Config, publisher events.Publisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     st,
		cfg:       cfg,
		secrets:   NewSecrets(cfg.CodePepper),
		publisher: publisher,
		auditor:   audit.Nop{},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ExpiryBatchSize <= 0 {
		s.cfg.ExpiryBatchSize = 500
	}
	return s
}

// Directory exposes merchant ownership for API key scope resolution
func (s *Service) Directory() identity.MerchantDirectory {
	return merchantDirectory{s.store}
}

type merchantDirectory struct{ st store.Store }

func (d merchantDirectory) MerchantPartner(ctx context.Context, merchantID string) (string, error) {
	p, err := d.st.MerchantPartner(ctx, merchantID)
	return p, storeErr(err, "merchant")
}

// IssueCardRequest is the request to issue a card
type IssueCardRequest struct {
	Type           domain.CardType   `json:"type" validate:"required,oneof=physical digital"`
	InitialBalance int64             `json:"initial_balance" validate:"gte=0"`
	Currency       string            `json:"currency" validate:"omitempty,len=3"`
	CustomerID     *string           `json:"customer_id" validate:"omitempty,max=64"`
	RecipientEmail string            `json:"recipient_email" validate:"omitempty,email"`
	PIN            string            `json:"pin" validate:"omitempty,numeric,min=4,max=8"`
	TrackData      string            `json:"track_data" validate:"omitempty,max=256"`
	ExpiresAt      *time.Time        `json:"expires_at"`
	Activate       bool              `json:"activate"`
	Metadata       map[string]string `json:"metadata"`
}

// IssuedCard is a new card plus its redemption code, which is never
// retrievable again.
type IssuedCard struct {
	*domain.Card
	Code string `json:"code"`
}

const issueAttempts = 3

// IssueCard creates a card. No transaction is written; the card's ledger
// starts from its initial balance.
func (s *Service) IssueCard(ctx context.Context, scope identity.Scope, req IssueCardRequest) (*IssuedCard, error) {
	if err := scope.Require(identity.PermCardsWrite); err != nil {
		return nil, err
	}

	merchant, err := s.activeMerchant(ctx, scope.MerchantID)
	if err != nil {
		return nil, err
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, string(merchant.Currency)) {
		return nil, apperr.Validation(fmt.Sprintf("currency must be %s", merchant.Currency))
	}
	if req.InitialBalance > merchant.MaxCardBalance {
		return nil, apperr.InvalidAmount(fmt.Sprintf("initial balance exceeds the maximum of %s",
			money.Format(merchant.MaxCardBalance, merchant.Currency)))
	}

	now := s.now().UTC()
	expiresAt := req.ExpiresAt
	if expiresAt == nil && s.cfg.DefaultValidity > 0 {
		exp := now.Add(s.cfg.DefaultValidity)
		expiresAt = &exp
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, apperr.Validation("expires_at must be in the future")
	}

	if req.CustomerID != nil {
		if _, err := s.store.GetCustomer(ctx, scope.MerchantID, *req.CustomerID); err != nil {
			return nil, storeErr(err, "customer")
		}
	}

	var pinHash, trackHash *string
	if req.PIN != "" {
		h, err := HashPIN(req.PIN)
		if err != nil {
			return nil, fmt.Errorf("hashing pin: %w", err)
		}
		pinHash = &h
	}
	if req.TrackData != "" {
		h := s.secrets.HashTrack(req.TrackData)
		trackHash = &h
	}

	var card *domain.Card
	var code string
	for attempt := 1; ; attempt++ {
		number, err := GenerateCardNumber(s.cfg.CardNumberPrefix)
		if err != nil {
			return nil, err
		}
		code, err = GenerateCode()
		if err != nil {
			return nil, err
		}

		card, err = domain.NewCard(newID(), scope.MerchantID, number, s.secrets.HashCode(code),
			req.Type, req.InitialBalance, merchant.Currency, req.Activate, now)
		if err != nil {
			return nil, err
		}
		card.CustomerID = req.CustomerID
		card.PINHash = pinHash
		card.TrackHash = trackHash
		card.RecipientEmail = req.RecipientEmail
		card.ExpiresAt = expiresAt
		if req.Metadata != nil {
			card.Metadata = req.Metadata
		}

		err = s.store.InsertCard(ctx, card)
		if err == nil {
			break
		}
		if !errors.Is(err, database.ErrAlreadyExists) || attempt == issueAttempts {
			s.metrics.LedgerOperation("issue", outcome(err))
			return nil, storeErr(err, "card")
		}
		s.logger.Warn("card number collision, regenerating", "attempt", attempt)
	}
	s.metrics.LedgerOperation("issue", outcome(nil))

	s.logger.Info("card issued",
		"card_id", card.ID,
		"merchant_id", card.MerchantID,
		"type", card.Type,
		"status", card.Status,
		"initial_balance", card.InitialBalance,
	)
	s.audit(ctx, scope, "card.issue", "card", card.ID, map[string]any{"initial_balance": card.InitialBalance})
	s.publish(ctx, events.EventCardCreated, card.MerchantID, "card", card.ID, cardData(card, ""))
	if s.notifier != nil {
		s.notifier.CardIssued(ctx, card, code)
	}

	return &IssuedCard{Card: card, Code: code}, nil
}

// GetCard retrieves a card by ID
func (s *Service) GetCard(ctx context.Context, scope identity.Scope, id string) (*domain.Card, error) {
	if err := scope.Require(identity.PermCardsRead); err != nil {
		return nil, err
	}
	card, err := s.store.GetCard(ctx, scope.MerchantID, id)
	return card, storeErr(err, "card")
}

// ListCards lists the scope's cards
func (s *Service) ListCards(ctx context.Context, scope identity.Scope, f domain.CardFilter) ([]*domain.Card, int64, error) {
	if err := scope.Require(identity.PermCardsRead); err != nil {
		return nil, 0, err
	}
	f.MerchantID = scope.MerchantID
	f.Limit = clampLimit(f.Limit)
	return s.store.ListCards(ctx, f)
}

// UpdateCardRequest patches a card's non-monetary fields. A status change
// goes through the same state machine as ChangeStatus.
type UpdateCardRequest struct {
	CustomerID     *string           `json:"customer_id" validate:"omitempty,max=64"`
	RecipientEmail *string           `json:"recipient_email" validate:"omitempty,email"`
	ExpiresAt      *time.Time        `json:"expires_at"`
	Status         *string           `json:"status" validate:"omitempty,oneof=active suspended cancelled"`
	Metadata       map[string]string `json:"metadata"`
}

// UpdateCard applies a partial update
func (s *Service) UpdateCard(ctx context.Context, scope identity.Scope, id string, req UpdateCardRequest) (*domain.Card, error) {
	if err := scope.Require(identity.PermCardsWrite); err != nil {
		return nil, err
	}

	var card *domain.Card
	var previous domain.CardStatus
	err := s.mutate(ctx, "update", func(tx store.Tx) error {
		c, err := tx.GetCardForUpdate(ctx, scope.MerchantID, id)
		if err != nil {
			return storeErr(err, "card")
		}
		now := s.now().UTC()
		previous = c.Status

		if req.ExpiresAt != nil {
			if !req.ExpiresAt.After(now) {
				return apperr.Validation("expires_at must be in the future")
			}
			c.ExpiresAt = req.ExpiresAt
		}
		if req.Status != nil {
			if err := transition(c, domain.CardStatus(*req.Status), now); err != nil {
				return err
			}
		}
		if req.CustomerID != nil {
			c.CustomerID = req.CustomerID
			if *req.CustomerID == "" {
				c.CustomerID = nil
			}
		}
		if req.RecipientEmail != nil {
			c.RecipientEmail = *req.RecipientEmail
		}
		if req.Metadata != nil {
			c.Metadata = req.Metadata
		}
		c.UpdatedAt = now

		if err := tx.UpdateCard(ctx, c); err != nil {
			if errors.Is(err, store.ErrUnknownCustomer) {
				return apperr.NotFound("customer not found")
			}
			return storeErr(err, "card")
		}
		card = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	if card.Status != previous {
		s.statusChanged(ctx, scope, card, previous, "")
	}
	return card, nil
}

// ChangeStatus moves a card through its state machine
func (s *Service) ChangeStatus(ctx context.Context, scope identity.Scope, id string, status domain.CardStatus, reason string) (*domain.Card, error) {
	if err := scope.Require(identity.PermCardsWrite); err != nil {
		return nil, err
	}

	var card *domain.Card
	var previous domain.CardStatus
	err := s.mutate(ctx, "status", func(tx store.Tx) error {
		c, err := tx.GetCardForUpdate(ctx, scope.MerchantID, id)
		if err != nil {
			return storeErr(err, "card")
		}
		previous = c.Status
		if err := transition(c, status, s.now().UTC()); err != nil {
			return err
		}
		if err := tx.UpdateCard(ctx, c); err != nil {
			return err
		}
		card = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	if card.Status != previous {
		s.statusChanged(ctx, scope, card, previous, reason)
	}
	return card, nil
}

// transition applies a requested status. Callers may not expire a card by
// hand and may not re-activate one whose expiry has passed.
func transition(c *domain.Card, status domain.CardStatus, now time.Time) error {
	if _, ok := domain.ParseCardStatus(string(status)); !ok {
		return apperr.Validation(fmt.Sprintf("unknown status %q", status))
	}
	if status == domain.CardStatusExpired && c.Status != domain.CardStatusExpired {
		return apperr.Validation("cards expire automatically")
	}
	if status == domain.CardStatusActive && c.IsPastExpiry(now) {
		return apperr.CardExpired("card has passed its expiry date")
	}
	return c.TransitionTo(status, now)
}

func (s *Service) statusChanged(ctx context.Context, scope identity.Scope, card *domain.Card, previous domain.CardStatus, reason string) {
	s.logger.Info("card status changed",
		"card_id", card.ID,
		"from", previous,
		"to", card.Status,
	)
	s.audit(ctx, scope, "card.status", "card", card.ID, map[string]any{
		"from":   previous,
		"to":     card.Status,
		"reason": reason,
	})
	s.publish(ctx, events.EventCardStatusChanged, card.MerchantID, "card", card.ID, cardData(card, previous))
}

// CheckBalanceRequest identifies a card by code, or by number and PIN
type CheckBalanceRequest struct {
	Code       string `json:"code" validate:"omitempty,max=64"`
	CardNumber string `json:"card_number" validate:"omitempty,numeric,len=16"`
	PIN        string `json:"pin" validate:"omitempty,numeric,max=8"`
}

// BalanceView is the public view of a card's balance
type BalanceView struct {
	CardNumber string            `json:"card_number"`
	Balance    int64             `json:"balance"`
	Currency   money.Currency    `json:"currency"`
	Formatted  string            `json:"formatted"`
	Status     domain.CardStatus `json:"status"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
}

// CheckBalance looks a card up without authentication. Every failed lookup
// reads as not found so the endpoint cannot be used to guess PINs.
func (s *Service) CheckBalance(ctx context.Context, req CheckBalanceRequest) (*BalanceView, error) {
	var card *domain.Card
	var err error
	switch {
	case req.Code != "":
		card, err = s.store.GetCardByCodeHash(ctx, s.secrets.HashCode(req.Code))
	case req.CardNumber != "" && req.PIN != "":
		card, err = s.store.GetCardByNumber(ctx, req.CardNumber)
		if err == nil && (!card.HasPIN() || !CheckPIN(*card.PINHash, req.PIN)) {
			err = database.ErrNotFound
		}
	default:
		return nil, apperr.Validation("provide a code, or a card_number and pin")
	}
	if err != nil {
		return nil, storeErr(err, "card")
	}

	return &BalanceView{
		CardNumber: card.MaskedNumber(),
		Balance:    card.CurrentBalance,
		Currency:   card.Currency,
		Formatted:  money.Format(card.CurrentBalance, card.Currency),
		Status:     card.Status,
		ExpiresAt:  card.ExpiresAt,
	}, nil
}

func (s *Service) activeMerchant(ctx context.Context, id string) (*domain.Merchant, error) {
	m, err := s.store.GetMerchant(ctx, id)
	if err != nil {
		return nil, storeErr(err, "merchant")
	}
	if err := m.CheckActive(); err != nil {
		return nil, err
	}
	return m, nil
}

// mutate runs fn as one atomic unit and counts the outcome.
func (s *Service) mutate(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	err := s.store.WithinTx(ctx, fn)
	s.metrics.LedgerOperation(op, outcome(err))
	return err
}

func (s *Service) publish(ctx context.Context, eventType, merchantID, aggregateType, aggregateID string, data any) {
	if s.publisher == nil {
		return
	}
	evt, err := events.NewEvent(eventType, merchantID, aggregateType, aggregateID, data)
	if err != nil {
		s.logger.Error("building event", "type", eventType, "error", err)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx))
	// Fan-out failures are logged by the publisher and never reach the caller.
	_ = s.publisher.Publish(ctx, evt)
}

func (s *Service) audit(ctx context.Context, scope identity.Scope, action, resourceType, resourceID string, details map[string]any) {
	s.auditor.Record(ctx, audit.Entry{
		ActorID:      scope.ActorID,
		ActorType:    string(scope.ActorType),
		MerchantID:   scope.MerchantID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		At:           s.now().UTC(),
	})
}

func cardData(c *domain.Card, previous domain.CardStatus) events.CardData {
	d := events.CardData{
		CardID:         c.ID,
		CardNumber:     c.MaskedNumber(),
		Type:           string(c.Type),
		Status:         string(c.Status),
		PreviousStatus: string(previous),
		Balance:        c.CurrentBalance,
		Currency:       string(c.Currency),
		RecipientEmail: c.RecipientEmail,
		ExpiresAt:      c.ExpiresAt,
	}
	if c.CustomerID != nil {
		d.CustomerID = *c.CustomerID
	}
	return d
}

// storeErr classifies repository errors. Already-classified errors pass
// through unchanged.
func storeErr(err error, what string) error {
	var appErr *apperr.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &appErr):
		return err
	case database.IsNotFound(err):
		return apperr.NotFound(what + " not found")
	case errors.Is(err, database.ErrAlreadyExists):
		return apperr.Wrap(apperr.KindConflict, err, what+" already exists")
	case errors.Is(err, database.ErrConflict):
		return apperr.Wrap(apperr.KindConflict, err, "conflicting "+what)
	default:
		return err
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(apperr.KindOf(err)))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func newID() string {
	return ulid.Make().String()
}
