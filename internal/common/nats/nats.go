package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"giftledger/internal/common/events"
)

// Config holds NATS configuration. An empty URL disables the publisher.
type Config struct {
	URL           string        `envconfig:"NATS_URL"`
	Name          string        `envconfig:"NATS_CLIENT_NAME" default:"giftledger"`
	Stream        string        `envconfig:"NATS_STREAM" default:"GIFTLEDGER_EVENTS"`
	SubjectPrefix string        `envconfig:"NATS_SUBJECT_PREFIX" default:"giftledger.events"`
	MaxReconnects int           `envconfig:"NATS_MAX_RECONNECTS" default:"10"`
	ReconnectWait time.Duration `envconfig:"NATS_RECONNECT_WAIT" default:"2s"`
	MaxAge        time.Duration `envconfig:"NATS_STREAM_MAX_AGE" default:"168h"`
}

// Enabled reports whether a NATS URL was configured.
func (c Config) Enabled() bool { return c.URL != "" }

// Client wraps NATS connection with JetStream support
type Client struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// New creates a new NATS client
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			subject := ""
			if s != nil {
				subject = s.Subject
			}
			logger.Error("NATS error", "error", err, "subject", subject)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	logger.Info("NATS connection established", "url", conn.ConnectedUrl())

	return &Client{
		conn:   conn,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection
func (c *Client) Close() {
	c.conn.Close()
}

// HealthCheck checks NATS connection health
func (c *Client) HealthCheck() error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return nil
}

// EnsureStream creates or updates the ledger event stream
func (c *Client) EnsureStream(ctx context.Context, cfg Config) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "gift card ledger events",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		MaxAge:      cfg.MaxAge,
		Replicas:    1,
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		Duplicates:  2 * time.Minute,
	}

	stream, err := c.js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("creating/updating stream %s: %w", cfg.Stream, err)
	}

	c.logger.Info("stream ensured",
		"name", cfg.Stream,
		"subjects", streamCfg.Subjects,
	)

	return stream, nil
}

// Publisher publishes ledger events to JetStream
type Publisher struct {
	js     jetstream.JetStream
	prefix string
	logger *slog.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(client *Client, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		js:     client.js,
		prefix: prefix,
		logger: logger,
	}
}

// Subject returns the subject an event is published on:
// <prefix>.<merchant>.<event type>, so consumers can subscribe to one
// merchant with <prefix>.<merchant>.> or to one event type across
// merchants with <prefix>.*.<event type>.
func Subject(prefix string, event *events.Event) string {
	merchant := event.MerchantID
	if merchant == "" {
		merchant = "_"
	}
	return fmt.Sprintf("%s.%s.%s", prefix, merchant, event.Type)
}

// Header names set on every published message
const (
	HeaderCorrelationID = "Correlation-Id"
	HeaderEventType     = "Event-Type"
)

// Publish implements events.Publisher. The event id doubles as the
// JetStream message id so a retried publish is de-duplicated by the server.
func (p *Publisher) Publish(ctx context.Context, event *events.Event) error {
	subject := Subject(p.prefix, event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderEventType, event.Type)
	if event.CorrelationID != "" {
		msg.Header.Set(HeaderCorrelationID, event.CorrelationID)
	}
	if _, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("publishing event: %w", err)
	}

	p.logger.Debug("event published",
		"event_id", event.ID,
		"merchant_id", event.MerchantID,
		"type", event.Type,
		"subject", subject,
	)

	return nil
}

var _ events.Publisher = (*Publisher)(nil)
