// Package email queues transactional mail and sends it through a provider
// with the same claim and backoff rules as webhooks.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"giftledger/internal/delivery"
)

// Config holds email settings
type Config struct {
	delivery.Config
	Provider    string        `envconfig:"PROVIDER" default:"log"`
	ProviderURL string        `envconfig:"PROVIDER_URL"`
	APIKey      string        `envconfig:"PROVIDER_API_KEY"`
	From        string        `envconfig:"FROM" default:"Gift Cards <no-reply@giftledger.local>"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"10s"`
}

// Status is the state of a queued email
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Email is one queued message
type Email struct {
	ID          string     `json:"id"`
	MerchantID  string     `json:"merchant_id,omitempty"`
	To          string     `json:"to"`
	From        string     `json:"from"`
	Subject     string     `json:"subject"`
	HTML        string     `json:"html,omitempty"`
	Text        string     `json:"text,omitempty"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	NextRetryAt time.Time  `json:"next_retry_at"`
	LastError   string     `json:"last_error,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Message is what a provider sends
type Message struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// Provider sends one message.
type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// NewProvider builds the provider named in cfg.
func NewProvider(cfg Config, logger *slog.Logger) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "log":
		return NewLogProvider(logger), nil
	case "http":
		if cfg.ProviderURL == "" {
			return nil, fmt.Errorf("EMAIL_PROVIDER_URL is required for the http provider")
		}
		return NewHTTPProvider(cfg.ProviderURL, cfg.APIKey, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("unknown email provider %q", cfg.Provider)
}

// HTTPProvider posts messages as JSON to a mail API.
type HTTPProvider struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPProvider creates an HTTP mail provider
func NewHTTPProvider(url, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{url: url, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

// Send implements Provider.
func (p *HTTPProvider) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// LogProvider writes messages to the log instead of sending them.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a logging provider
func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{logger: logger}
}

// Send implements Provider.
func (p *LogProvider) Send(_ context.Context, msg Message) error {
	p.logger.Info("email", "to", msg.To, "from", msg.From, "subject", msg.Subject)
	return nil
}
