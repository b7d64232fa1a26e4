package apikey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"giftledger/internal/common/apperr"
	"giftledger/internal/common/audit"
	"giftledger/internal/common/database"
	"giftledger/internal/identity"
)

const (
	defaultPerMinute = 60
	defaultPerDay    = 10000
)

// CreateRequest is the request to create a key
type CreateRequest struct {
	Name               string     `json:"name" validate:"required,max=100"`
	ScopeType          string     `json:"scope_type" validate:"omitempty,oneof=merchant partner"`
	AllowedMerchantIDs []string   `json:"allowed_merchant_ids" validate:"omitempty,max=100,dive,required,max=64"`
	Permissions        []string   `json:"permissions" validate:"required,min=1,dive,required"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute" validate:"gte=0,lte=10000"`
	RateLimitPerDay    int        `json:"rate_limit_per_day" validate:"gte=0,lte=10000000"`
	ExpiresAt          *time.Time `json:"expires_at"`
}

// Created carries the only copy of the plaintext token
type Created struct {
	*Key
	Token string `json:"token"`
}

// Service manages API keys
type Service struct {
	store     Store
	directory identity.MerchantDirectory
	auditor   audit.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a key service. The directory supplies the partner of
// the creating merchant for partner-scoped keys.
func NewService(store Store, directory identity.MerchantDirectory, auditor audit.Recorder, logger *slog.Logger) *Service {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Service{
		store:     store,
		directory: directory,
		auditor:   auditor,
		logger:    logger,
		now:       time.Now,
	}
}

// Create issues a key for the caller's merchant. Only owners and admins may
// create keys.
func (s *Service) Create(ctx context.Context, scope identity.Scope, req CreateRequest) (*Created, error) {
	if err := scope.RequireElevated(); err != nil {
		return nil, err
	}
	for _, p := range req.Permissions {
		if !identity.ValidKeyPermission(p) {
			return nil, apperr.Validation(fmt.Sprintf("unknown permission %q", p))
		}
	}

	now := s.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, apperr.Validation("expires_at must be in the future")
	}

	k := &Key{
		ID:                 ulid.Make().String(),
		Name:               strings.TrimSpace(req.Name),
		ScopeType:          identity.KeyScopeMerchant,
		MerchantID:         scope.MerchantID,
		Permissions:        slices.Compact(slices.Sorted(slices.Values(req.Permissions))),
		RateLimitPerMinute: req.RateLimitPerMinute,
		RateLimitPerDay:    req.RateLimitPerDay,
		ExpiresAt:          req.ExpiresAt,
		Status:             StatusActive,
		CreatedBy:          scope.ActorID,
		CreatedAt:          now,
	}
	if k.RateLimitPerMinute == 0 {
		k.RateLimitPerMinute = defaultPerMinute
	}
	if k.RateLimitPerDay == 0 {
		k.RateLimitPerDay = defaultPerDay
	}

	if req.ScopeType == identity.KeyScopePartner {
		partnerID, err := s.directory.MerchantPartner(ctx, scope.MerchantID)
		if err != nil {
			return nil, err
		}
		if partnerID == "" {
			return nil, apperr.Validation("merchant is not managed by a partner")
		}
		k.ScopeType = identity.KeyScopePartner
		k.PartnerID = partnerID
		for _, id := range req.AllowedMerchantIDs {
			manager, err := s.directory.MerchantPartner(ctx, id)
			if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
				return nil, err
			}
			if err != nil || manager != partnerID {
				return nil, apperr.Validation("merchant " + id + " is not managed by partner " + partnerID)
			}
		}
		k.AllowedMerchantIDs = slices.Compact(slices.Sorted(slices.Values(req.AllowedMerchantIDs)))
	} else if len(req.AllowedMerchantIDs) > 0 {
		return nil, apperr.Validation("allowed_merchant_ids only applies to partner keys")
	}

	token, prefix, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	k.Prefix = prefix
	k.Hash = HashToken(token)

	if err := s.store.Insert(ctx, k); err != nil {
		return nil, storeErr(err)
	}

	s.logger.Info("api key created",
		"key_id", k.ID,
		"prefix", k.Prefix,
		"merchant_id", k.MerchantID,
		"scope_type", k.ScopeType,
	)
	s.record(ctx, scope, "api_key.create", k.ID, map[string]any{"permissions": k.Permissions, "scope_type": k.ScopeType})
	return &Created{Key: k, Token: token}, nil
}

// List returns the merchant's keys
func (s *Service) List(ctx context.Context, scope identity.Scope) ([]*Key, error) {
	if err := scope.RequireElevated(); err != nil {
		return nil, err
	}
	keys, err := s.store.List(ctx, scope.MerchantID)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []*Key{}
	}
	return keys, nil
}

// Revoke permanently disables a key
func (s *Service) Revoke(ctx context.Context, scope identity.Scope, id string) error {
	if err := scope.RequireElevated(); err != nil {
		return err
	}
	if err := s.store.Revoke(ctx, scope.MerchantID, id, s.now().UTC()); err != nil {
		return storeErr(err)
	}
	s.logger.Info("api key revoked", "key_id", id, "merchant_id", scope.MerchantID)
	s.record(ctx, scope, "api_key.revoke", id, nil)
	return nil
}

// Authenticate resolves a bearer token. When the token names a real key that
// is revoked or expired, the key is returned together with the error so the
// caller can still attribute the request.
func (s *Service) Authenticate(ctx context.Context, token string) (*Key, error) {
	if _, err := ParseToken(token); err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, err, "malformed API key")
	}

	k, err := s.store.GetByHash(ctx, HashToken(token))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, apperr.Unauthorized("invalid API key")
		}
		return nil, err
	}

	now := s.now().UTC()
	if err := k.CheckUsable(now); err != nil {
		return k, err
	}
	if err := s.store.TouchLastUsed(ctx, k.ID, now); err != nil {
		s.logger.Warn("failed to record api key use", "key_id", k.ID, "error", err)
	} else {
		k.LastUsedAt = &now
	}
	return k, nil
}

func (s *Service) record(ctx context.Context, scope identity.Scope, action, id string, details map[string]any) {
	s.auditor.Record(ctx, audit.Entry{
		ActorID:      scope.ActorID,
		ActorType:    string(scope.ActorType),
		MerchantID:   scope.MerchantID,
		Action:       action,
		ResourceType: "api_key",
		ResourceID:   id,
		Details:      details,
		At:           s.now().UTC(),
	})
}

func storeErr(err error) error {
	switch {
	case database.IsNotFound(err):
		return apperr.NotFound("api key not found")
	case errors.Is(err, database.ErrConflict):
		return apperr.Conflict("api key is already revoked")
	case errors.Is(err, database.ErrAlreadyExists):
		return apperr.Conflict("api key already exists")
	}
	return err
}
