package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	MerchantID    string          `json:"merchant_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, merchantID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		MerchantID:    merchantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation sets the correlation ID of the request that caused the event
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Publisher hands committed events to a downstream consumer.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event *Event) error

func (f PublisherFunc) Publish(ctx context.Context, event *Event) error { return f(ctx, event) }

// Fanout delivers each event to every registered publisher. Failures are
// logged and joined but never stop the remaining publishers; events are only
// ever published after the ledger change has committed.
type Fanout struct {
	publishers []namedPublisher
	logger     *slog.Logger
}

type namedPublisher struct {
	name string
	pub  Publisher
}

// NewFanout creates an empty fan-out publisher
func NewFanout(logger *slog.Logger) *Fanout {
	return &Fanout{logger: logger}
}

// Register adds a named downstream publisher.
func (f *Fanout) Register(name string, pub Publisher) {
	if pub == nil {
		return
	}
	f.publishers = append(f.publishers, namedPublisher{name: name, pub: pub})
}

// Publish implements Publisher.
func (f *Fanout) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.pub.Publish(ctx, event); err != nil {
			f.logger.Error("event publish failed",
				"publisher", p.name,
				"event_id", event.ID,
				"type", event.Type,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Event types
const (
	EventCardCreated       = "card.created"
	EventCardStatusChanged = "card.status_changed"
	EventCardExpired       = "card.expired"
	EventCardLoaded        = "card.loaded"
	EventCardRedeemed      = "card.redeemed"
	EventCardTransferred   = "card.transferred"
	EventCardAdjusted      = "card.adjusted"
	EventCardRefunded      = "card.refunded"
	EventCustomerCreated   = "customer.created"
	EventCustomerUpdated   = "customer.updated"
)

// AllEventTypes lists every event a webhook endpoint may subscribe to.
func AllEventTypes() []string {
	return []string{
		EventCardCreated,
		EventCardStatusChanged,
		EventCardExpired,
		EventCardLoaded,
		EventCardRedeemed,
		EventCardTransferred,
		EventCardAdjusted,
		EventCardRefunded,
		EventCustomerCreated,
		EventCustomerUpdated,
	}
}

// IsKnownEventType reports whether name is a published event type.
func IsKnownEventType(name string) bool {
	for _, t := range AllEventTypes() {
		if t == name {
			return true
		}
	}
	return false
}

// Event data structures

// CardData is the data for card.* lifecycle events
type CardData struct {
	CardID         string     `json:"card_id"`
	CardNumber     string     `json:"card_number"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	PreviousStatus string     `json:"previous_status,omitempty"`
	Balance        int64      `json:"balance"`
	Currency       string     `json:"currency"`
	CustomerID     string     `json:"customer_id,omitempty"`
	RecipientEmail string     `json:"recipient_email,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// TransactionData is the data for balance-changing card events
type TransactionData struct {
	TransactionID       string `json:"transaction_id"`
	CardID              string `json:"card_id"`
	Type                string `json:"type"`
	Amount              int64  `json:"amount"`
	BalanceBefore       int64  `json:"balance_before"`
	BalanceAfter        int64  `json:"balance_after"`
	Currency            string `json:"currency"`
	LinkedTransactionID string `json:"linked_transaction_id,omitempty"`
	RedemptionMethod    string `json:"redemption_method,omitempty"`
	CustomerID          string `json:"customer_id,omitempty"`
}

// TransferData is the data for card.transferred events
type TransferData struct {
	Out TransactionData `json:"out"`
	In  TransactionData `json:"in"`
}

// CustomerData is the data for customer.* events
type CustomerData struct {
	CustomerID string `json:"customer_id"`
	ExternalID string `json:"external_id,omitempty"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
}
