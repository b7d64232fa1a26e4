package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"giftledger/internal/common/apperr"
	"giftledger/internal/common/audit"
	"giftledger/internal/common/database"
	"giftledger/internal/common/events"
	"giftledger/internal/common/metrics"
	"giftledger/internal/delivery"
	"giftledger/internal/identity"
)

const maxErrorLen = 1000

// CreateEndpointRequest registers a receiver
type CreateEndpointRequest struct {
	URL    string   `json:"url" validate:"required,url,max=2048"`
	Events []string `json:"events" validate:"required,min=1,dive,required"`
}

// CreatedEndpoint carries the only copy of the signing secret
type CreatedEndpoint struct {
	*Endpoint
	Secret string `json:"secret"`
}

// Service queues events for merchant endpoints and drains the queue.
type Service struct {
	store   Store
	cfg     Config
	client  *http.Client
	auditor audit.Recorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a webhook service
func NewService(store Store, cfg Config, auditor audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Service {
	cfg.Config = cfg.Config.Normalized()
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DisableThreshold <= 0 {
		cfg.DisableThreshold = 10
	}
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		auditor: auditor,
		metrics: m,
		logger:  logger.With("component", "webhook"),
		now:     time.Now,
	}
}

// CreateEndpoint registers an endpoint for the caller's merchant.
func (s *Service) CreateEndpoint(ctx context.Context, scope identity.Scope, req CreateEndpointRequest) (*CreatedEndpoint, error) {
	if err := scope.RequireElevated(); err != nil {
		return nil, err
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, apperr.Validation("url must be an absolute http or https URL")
	}
	for _, ev := range req.Events {
		if ev != AllEvents && !events.IsKnownEventType(ev) {
			return nil, apperr.Validation(fmt.Sprintf("unknown event %q", ev))
		}
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, fmt.Errorf("generating webhook secret: %w", err)
	}
	now := s.now().UTC()
	e := &Endpoint{
		ID:         ulid.Make().String(),
		MerchantID: scope.MerchantID,
		URL:        req.URL,
		Events:     slices.Compact(slices.Sorted(slices.Values(req.Events))),
		Secret:     secret,
		Status:     EndpointActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.InsertEndpoint(ctx, e); err != nil {
		return nil, err
	}

	s.logger.Info("webhook endpoint created", "endpoint_id", e.ID, "merchant_id", e.MerchantID, "events", e.Events)
	s.record(ctx, scope, "webhook.create", e.ID, map[string]any{"url": e.URL, "events": e.Events})
	return &CreatedEndpoint{Endpoint: e, Secret: secret}, nil
}

// ListEndpoints returns the merchant's endpoints
func (s *Service) ListEndpoints(ctx context.Context, scope identity.Scope) ([]*Endpoint, error) {
	if err := scope.RequireElevated(); err != nil {
		return nil, err
	}
	out, err := s.store.ListEndpoints(ctx, scope.MerchantID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*Endpoint{}
	}
	return out, nil
}

// EnableEndpoint reactivates a disabled endpoint. Its held deliveries become
// claimable again.
func (s *Service) EnableEndpoint(ctx context.Context, scope identity.Scope, id string) (*Endpoint, error) {
	if err := scope.RequireElevated(); err != nil {
		return nil, err
	}
	e, err := s.store.EnableEndpoint(ctx, scope.MerchantID, id, s.now().UTC())
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.NotFound("webhook endpoint not found")
		}
		return nil, err
	}
	s.logger.Info("webhook endpoint enabled", "endpoint_id", id, "merchant_id", scope.MerchantID)
	s.record(ctx, scope, "webhook.enable", id, nil)
	return e, nil
}

// ListDeliveries pages through one endpoint's deliveries, newest first.
func (s *Service) ListDeliveries(ctx context.Context, scope identity.Scope, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	if err := scope.RequireElevated(); err != nil {
		return nil, 0, err
	}
	if _, err := s.store.GetEndpoint(ctx, scope.MerchantID, endpointID); err != nil {
		if database.IsNotFound(err) {
			return nil, 0, apperr.NotFound("webhook endpoint not found")
		}
		return nil, 0, err
	}
	out, total, err := s.store.ListDeliveries(ctx, scope.MerchantID, endpointID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if out == nil {
		out = []*Delivery{}
	}
	return out, total, nil
}

// Publish queues event for every active endpoint subscribed to it.
func (s *Service) Publish(ctx context.Context, event *events.Event) error {
	if event.MerchantID == "" {
		return nil
	}
	endpoints, err := s.store.Subscribers(ctx, event.MerchantID, event.Type)
	if err != nil {
		return fmt.Errorf("finding webhook subscribers: %w", err)
	}
	if len(endpoints) == 0 {
		return nil
	}

	payload, err := json.Marshal(Body{
		Event:      event.Type,
		Data:       event.Data,
		Timestamp:  event.OccurredAt,
		MerchantID: event.MerchantID,
	})
	if err != nil {
		return fmt.Errorf("encoding webhook body: %w", err)
	}

	now := s.now().UTC()
	ds := make([]*Delivery, 0, len(endpoints))
	for _, e := range endpoints {
		ds = append(ds, &Delivery{
			ID:          ulid.Make().String(),
			EndpointID:  e.ID,
			MerchantID:  event.MerchantID,
			Event:       event.Type,
			Payload:     payload,
			Status:      DeliveryPending,
			NextRetryAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	if err := s.store.InsertDeliveries(ctx, ds); err != nil {
		return err
	}
	s.logger.Debug("webhook deliveries queued", "event_id", event.ID, "type", event.Type, "count", len(ds))
	return nil
}

// Drain claims due deliveries and sends them.
func (s *Service) Drain(ctx context.Context) (delivery.Stats, error) {
	now := s.now().UTC()
	claims, err := s.store.ClaimDue(ctx, now, s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		return delivery.Stats{}, err
	}
	stats := delivery.Dispatch(ctx, claims, s.deliver)
	if stats.Claimed > 0 {
		s.logger.Info("webhook drain complete",
			"claimed", stats.Claimed,
			"delivered", stats.Delivered,
			"retried", stats.Retried,
			"failed", stats.Failed,
		)
	}
	return stats, nil
}

func (s *Service) deliver(ctx context.Context, c *Claim) delivery.Outcome {
	status, sendErr := s.send(ctx, c)
	at := s.now().UTC()

	if sendErr == nil {
		if err := s.store.MarkDelivered(ctx, c.ID, c.EndpointID, status, at); err != nil {
			s.logger.Error("failed to mark webhook delivered", "delivery_id", c.ID, "error", err)
		}
		s.metrics.DeliveryAttempt("webhook", delivery.Delivered.String())
		return delivery.Delivered
	}

	next, exhausted := delivery.Schedule(c.Attempts, s.cfg.MaxRetries, at)
	f := Failure{
		DeliveryID:       c.ID,
		EndpointID:       c.EndpointID,
		Error:            delivery.Truncate(sendErr.Error(), maxErrorLen),
		NextRetryAt:      next,
		Exhausted:        exhausted,
		DisableThreshold: s.cfg.DisableThreshold,
		At:               at,
	}
	if status != 0 {
		f.ResponseStatus = &status
	}
	disabled, err := s.store.RecordFailure(ctx, f)
	if err != nil {
		s.logger.Error("failed to record webhook failure", "delivery_id", c.ID, "error", err)
	}
	if disabled {
		s.logger.Warn("webhook endpoint disabled after repeated failures",
			"endpoint_id", c.EndpointID,
			"merchant_id", c.MerchantID,
			"threshold", s.cfg.DisableThreshold,
		)
	}

	outcome := delivery.Retrying
	if exhausted {
		outcome = delivery.Failed
	}
	s.logger.Warn("webhook delivery failed",
		"delivery_id", c.ID,
		"endpoint_id", c.EndpointID,
		"attempts", c.Attempts,
		"outcome", outcome.String(),
		"error", sendErr,
	)
	s.metrics.DeliveryAttempt("webhook", outcome.String())
	return outcome
}

// send posts one delivery. A non-2xx response is an error carrying the
// status code.
func (s *Service) send(ctx context.Context, c *Claim) (int, error) {
	ts := strconv.FormatInt(s.now().UTC().Unix(), 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(c.Payload))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "giftledger-webhooks/1")
	req.Header.Set(HeaderSignature, Sign(c.Secret, ts, c.Payload))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderEvent, c.Event)
	req.Header.Set(HeaderID, c.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("endpoint returned %d", resp.StatusCode)
		if body := strings.TrimSpace(string(snippet)); body != "" {
			msg += ": " + body
		}
		return resp.StatusCode, fmt.Errorf("%s", msg)
	}
	return resp.StatusCode, nil
}

func (s *Service) record(ctx context.Context, scope identity.Scope, action, id string, details map[string]any) {
	s.auditor.Record(ctx, audit.Entry{
		ActorID:      scope.ActorID,
		ActorType:    string(scope.ActorType),
		MerchantID:   scope.MerchantID,
		Action:       action,
		ResourceType: "webhook_endpoint",
		ResourceID:   id,
		Details:      details,
		At:           s.now().UTC(),
	})
}
