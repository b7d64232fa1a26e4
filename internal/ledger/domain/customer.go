package domain

import "time"

// Customer is a merchant's card holder
type Customer struct {
	ID         string            `json:"id"`
	MerchantID string            `json:"merchant_id"`
	Email      string            `json:"email,omitempty"`
	Name       string            `json:"name,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	ExternalID string            `json:"external_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// CustomerFilter selects customers for listing
type CustomerFilter struct {
	MerchantID string
	Email      string
	ExternalID string
	Limit      int
	Offset     int
}
