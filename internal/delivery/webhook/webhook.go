// Package webhook delivers ledger events to merchant HTTP endpoints.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"time"

	"giftledger/internal/delivery"
)

// Config holds webhook delivery settings
type Config struct {
	delivery.Config
	Timeout          time.Duration `envconfig:"TIMEOUT" default:"10s"`
	DisableThreshold int           `envconfig:"DISABLE_THRESHOLD" default:"10"`
}

// EndpointStatus is the state of a webhook endpoint
type EndpointStatus string

const (
	EndpointActive   EndpointStatus = "active"
	EndpointDisabled EndpointStatus = "disabled"
)

// AllEvents subscribes an endpoint to every event type.
const AllEvents = "*"

// Endpoint is a merchant-registered webhook receiver
type Endpoint struct {
	ID              string         `json:"id"`
	MerchantID      string         `json:"merchant_id"`
	URL             string         `json:"url"`
	Events          []string       `json:"events"`
	Secret          string         `json:"-"`
	Status          EndpointStatus `json:"status"`
	FailureCount    int            `json:"failure_count"`
	LastDeliveredAt *time.Time     `json:"last_delivered_at,omitempty"`
	LastFailureAt   *time.Time     `json:"last_failure_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Subscribes reports whether the endpoint wants eventType.
func (e *Endpoint) Subscribes(eventType string) bool {
	return slices.Contains(e.Events, AllEvents) || slices.Contains(e.Events, eventType)
}

// DeliveryStatus is the state of one queued delivery
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is one event queued for one endpoint
type Delivery struct {
	ID             string          `json:"id"`
	EndpointID     string          `json:"endpoint_id"`
	MerchantID     string          `json:"merchant_id"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	NextRetryAt    time.Time       `json:"next_retry_at"`
	LastError      string          `json:"last_error,omitempty"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Claim is a leased delivery together with where to send it.
type Claim struct {
	Delivery
	URL    string
	Secret string
}

// Body is the JSON posted to an endpoint.
type Body struct {
	Event      string          `json:"event"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
	MerchantID string          `json:"merchantId"`
}

// Headers set on every delivery request.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderEvent     = "X-Webhook-Event"
	HeaderID        = "X-Webhook-Id"
)

// Sign returns the hex HMAC-SHA256 of timestamp + "." + payload.
func Sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(secret, timestamp, payload))
	return hmac.Equal(got, want)
}

// generateSecret returns a new signing secret.
func generateSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}
