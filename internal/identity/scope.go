// Package identity turns a caller (portal user or API key) into an explicit
// Scope that every ledger, card and customer operation receives as a
// parameter. Nothing downstream re-derives permissions from the request.
package identity

import (
	"slices"
	"strings"

	"giftledger/internal/common/apperr"
)

// Role is the caller's role inside a merchant.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
	RoleAPIKey  Role = "api_key"
	RoleSystem  Role = "system"
)

// ParseRole validates a role claim.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(s)); r {
	case RoleOwner, RoleAdmin, RoleManager, RoleStaff:
		return r, true
	}
	return "", false
}

// ActorType records who performed an operation.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorAPIKey ActorType = "api_key"
	ActorSystem ActorType = "system"
)

// Scope is the resolved authority of one caller for one request.
type Scope struct {
	Role        Role
	ActorID     string
	ActorType   ActorType
	MerchantID  string
	PartnerID   string
	Permissions []string
}

// System is the scope used by scheduled jobs.
func System(merchantID string) Scope {
	return Scope{
		Role:        RoleSystem,
		ActorID:     "system",
		ActorType:   ActorSystem,
		MerchantID:  merchantID,
		Permissions: []string{PermAll},
	}
}

// Can reports whether the scope grants perm. "*" grants everything and
// "cards:*" grants every cards capability.
func (s Scope) Can(perm string) bool {
	resource, _, _ := strings.Cut(perm, ":")
	for _, p := range s.Permissions {
		if p == PermAll || p == perm || p == resource+":*" {
			return true
		}
	}
	return false
}

// Require returns PermissionDenied when perm is not granted.
func (s Scope) Require(perm string) error {
	if !s.Can(perm) {
		return apperr.PermissionDenied("missing permission " + perm)
	}
	return nil
}

// IsElevated reports whether the caller may perform owner/admin operations.
func (s Scope) IsElevated() bool {
	return s.Role == RoleOwner || s.Role == RoleAdmin || s.Role == RoleSystem
}

// RequireElevated returns Forbidden for callers below admin.
func (s Scope) RequireElevated() error {
	if !s.IsElevated() {
		return apperr.Forbidden("operation requires an owner or admin role")
	}
	return nil
}

// RequireMerchant fails unless the scope is bound to merchantID.
func (s Scope) RequireMerchant(merchantID string) error {
	if s.MerchantID == "" || s.MerchantID != merchantID {
		return apperr.Forbidden("resource belongs to another merchant")
	}
	return nil
}

// Capability strings granted to API keys and portal roles.
const (
	PermAll                = "*"
	PermCardsRead          = "cards:read"
	PermCardsWrite         = "cards:write"
	PermCardsLoad          = "cards:load"
	PermCardsRedeem        = "cards:redeem"
	PermCardsTransfer      = "cards:transfer"
	PermTransactionsRead   = "transactions:read"
	PermTransactionsRefund = "transactions:refund"
	PermCustomersRead      = "customers:read"
	PermCustomersWrite     = "customers:write"
	PermReportsRead        = "reports:read"
)

// KeyPermissions lists the capabilities an API key may carry.
func KeyPermissions() []string {
	return []string{
		PermCardsRead,
		PermCardsWrite,
		PermCardsLoad,
		PermCardsRedeem,
		PermCardsTransfer,
		PermTransactionsRead,
		PermTransactionsRefund,
		PermCustomersRead,
		PermCustomersWrite,
	}
}

// ValidKeyPermission accepts a listed capability, "*", or a resource
// wildcard such as "cards:*".
func ValidKeyPermission(p string) bool {
	if p == PermAll {
		return true
	}
	if resource, action, ok := strings.Cut(p, ":"); ok && action == "*" {
		return resource == "cards" || resource == "transactions" || resource == "customers"
	}
	return slices.Contains(KeyPermissions(), p)
}

// RolePermissions is the fixed grant for portal users.
func RolePermissions(role Role) []string {
	switch role {
	case RoleOwner, RoleAdmin, RoleSystem:
		return []string{PermAll}
	case RoleManager:
		return []string{"cards:*", "transactions:*", "customers:*", PermReportsRead}
	case RoleStaff:
		return []string{PermCardsRead, PermCardsLoad, PermCardsRedeem, PermTransactionsRead, PermCustomersRead}
	default:
		return nil
	}
}
