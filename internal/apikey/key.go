// Package apikey manages integration API keys. Only a SHA-256 hash of each
// token is stored; the plaintext is returned once, at creation.
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"giftledger/internal/common/apperr"
	"giftledger/internal/identity"
)

// Status of a key. Revoked is terminal.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

const (
	tokenTag      = "gc"
	prefixRandLen = 8
	secretLen     = 32
	tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrMalformedToken is returned for bearer values that cannot be a key.
var ErrMalformedToken = errors.New("malformed api key")

// Key is a stored API key
type Key struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Prefix             string     `json:"prefix"`
	Hash               string     `json:"-"`
	ScopeType          string     `json:"scope_type"`
	MerchantID         string     `json:"merchant_id,omitempty"`
	PartnerID          string     `json:"partner_id,omitempty"`
	AllowedMerchantIDs []string   `json:"allowed_merchant_ids,omitempty"`
	Permissions        []string   `json:"permissions"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
	RateLimitPerDay    int        `json:"rate_limit_per_day"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	Status             Status     `json:"status"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
	CreatedBy          string     `json:"created_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
}

// Grant converts the key into what identity resolution needs.
func (k *Key) Grant() identity.KeyGrant {
	return identity.KeyGrant{
		KeyID:              k.ID,
		ScopeType:          k.ScopeType,
		MerchantID:         k.MerchantID,
		PartnerID:          k.PartnerID,
		AllowedMerchantIDs: k.AllowedMerchantIDs,
		Permissions:        k.Permissions,
	}
}

// CheckUsable rejects revoked and expired keys.
func (k *Key) CheckUsable(now time.Time) error {
	if k.Status != StatusActive {
		return apperr.Unauthorized("API key has been revoked")
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return apperr.Unauthorized("API key has expired")
	}
	return nil
}

// GenerateToken returns a new token and its visible prefix. Tokens look like
// gcab12cd34_<32 characters>.
func GenerateToken() (token, prefix string, err error) {
	r, err := randomString(prefixRandLen)
	if err != nil {
		return "", "", err
	}
	secret, err := randomString(secretLen)
	if err != nil {
		return "", "", err
	}
	prefix = tokenTag + r
	return prefix + "_" + secret, prefix, nil
}

// ParseToken checks the token shape and returns its prefix.
func ParseToken(token string) (string, error) {
	prefix, secret, ok := strings.Cut(token, "_")
	if !ok || len(prefix) != len(tokenTag)+prefixRandLen || !strings.HasPrefix(prefix, tokenTag) || len(secret) != secretLen {
		return "", ErrMalformedToken
	}
	for _, r := range prefix + secret {
		if !strings.ContainsRune(tokenAlphabet, r) {
			return "", ErrMalformedToken
		}
	}
	return prefix, nil
}

// HashToken is the lookup hash stored for a token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomString(n int) (string, error) {
	base := big.NewInt(int64(len(tokenAlphabet)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", fmt.Errorf("generating api key: %w", err)
		}
		b[i] = tokenAlphabet[v.Int64()]
	}
	return string(b), nil
}
