package identity

import (
	"context"
	"slices"

	"giftledger/internal/common/apperr"
)

// Key scope types.
const (
	KeyScopeMerchant = "merchant"
	KeyScopePartner  = "partner"
)

// KeyGrant is what an authenticated API key grants.
type KeyGrant struct {
	KeyID              string
	ScopeType          string
	MerchantID         string
	PartnerID          string
	AllowedMerchantIDs []string
	Permissions        []string
}

// MerchantDirectory answers partner ownership questions.
type MerchantDirectory interface {
	MerchantPartner(ctx context.Context, merchantID string) (partnerID string, err error)
}

// ResolveAPIKey resolves the effective merchant for an API key request. A
// merchant key always acts for its own merchant. A partner key must name a
// target merchant that belongs to the key's partner and, when an
// allow-list is configured, is on it.
func ResolveAPIKey(ctx context.Context, grant KeyGrant, requestedMerchantID string, dir MerchantDirectory) (Scope, error) {
	scope := Scope{
		Role:        RoleAPIKey,
		ActorID:     grant.KeyID,
		ActorType:   ActorAPIKey,
		PartnerID:   grant.PartnerID,
		Permissions: grant.Permissions,
	}

	switch grant.ScopeType {
	case KeyScopeMerchant:
		if requestedMerchantID != "" && requestedMerchantID != grant.MerchantID {
			return Scope{}, apperr.Forbidden("key is not valid for merchant " + requestedMerchantID)
		}
		scope.MerchantID = grant.MerchantID
		return scope, nil

	case KeyScopePartner:
		if requestedMerchantID == "" {
			return Scope{}, apperr.Forbidden("partner keys must send X-Merchant-Id")
		}
		if len(grant.AllowedMerchantIDs) > 0 && !slices.Contains(grant.AllowedMerchantIDs, requestedMerchantID) {
			return Scope{}, apperr.Forbidden("merchant is not in the key's allow-list")
		}
		partnerID, err := dir.MerchantPartner(ctx, requestedMerchantID)
		if err != nil {
			if apperr.IsKind(err, apperr.KindNotFound) {
				return Scope{}, apperr.Forbidden("merchant is not managed by this partner")
			}
			return Scope{}, err
		}
		if partnerID == "" || partnerID != grant.PartnerID {
			return Scope{}, apperr.Forbidden("merchant is not managed by this partner")
		}
		scope.MerchantID = requestedMerchantID
		return scope, nil
	}

	return Scope{}, apperr.Forbidden("key has no usable scope")
}
