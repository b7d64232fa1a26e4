package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"giftledger/internal/common/apperr"
)

// Config holds the portal token settings shared with the identity provider.
type Config struct {
	JWTSecret string `envconfig:"JWT_SECRET"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`
}

// Claims are the fields the identity provider puts in a portal token.
type Claims struct {
	Role       string `json:"role"`
	MerchantID string `json:"merchant_id"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 portal tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenVerifier creates a verifier. An empty secret rejects every token.
func NewTokenVerifier(cfg Config) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.JWTIssuer,
		now:    time.Now,
	}
}

// Verify parses a bearer token and returns the caller's scope.
func (v *TokenVerifier) Verify(raw string) (Scope, error) {
	if len(v.secret) == 0 {
		return Scope{}, apperr.Unauthorized("portal authentication is not configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Scope{}, apperr.Unauthorized("token expired")
		}
		return Scope{}, apperr.Unauthorized("invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Scope{}, apperr.Unauthorized("invalid token")
	}

	role, ok := ParseRole(claims.Role)
	if !ok {
		return Scope{}, apperr.Forbidden("unknown role " + claims.Role)
	}
	if claims.Subject == "" || claims.MerchantID == "" {
		return Scope{}, apperr.Forbidden("token carries no merchant")
	}

	return Scope{
		Role:        role,
		ActorID:     claims.Subject,
		ActorType:   ActorUser,
		MerchantID:  claims.MerchantID,
		Permissions: RolePermissions(role),
	}, nil
}

// Sign mints a token the way the identity provider does. Used by tests and
// local tooling.
func Sign(secret, issuer, subject string, role Role, merchantID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Role:       string(role),
		MerchantID: merchantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
