// Package portal is the merchant back-office API. Callers present a JWT
// from the identity provider; their role decides what they may do.
package portal

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"giftledger/internal/apikey"
	"giftledger/internal/common/api"
	"giftledger/internal/common/metrics"
	"giftledger/internal/common/middleware"
	"giftledger/internal/delivery/email"
	"giftledger/internal/delivery/webhook"
	"giftledger/internal/identity"
	"giftledger/internal/ledger"
)

type scopeKey struct{}

// Portal serves /portal/v1
type Portal struct {
	ledger   *ledger.Service
	keys     *apikey.Service
	webhooks *webhook.Service
	emails   *email.Service
	verifier *identity.TokenVerifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates the portal API
func New(svc *ledger.Service, keys *apikey.Service, webhooks *webhook.Service, emails *email.Service,
	verifier *identity.TokenVerifier, m *metrics.Metrics, logger *slog.Logger) *Portal {
	return &Portal{
		ledger:   svc,
		keys:     keys,
		webhooks: webhooks,
		emails:   emails,
		verifier: verifier,
		metrics:  m,
		logger:   logger.With("component", "portal"),
	}
}

// Routes returns the /portal/v1 router
func (p *Portal) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(p.authenticate)

	r.Get("/cards", p.handle(p.listCards))
	r.Get("/cards/{cardId}", p.handle(p.getCard))
	r.Post("/cards/{cardId}/adjust", p.handle(p.adjust))
	r.Patch("/cards/{cardId}/status", p.handle(p.changeStatus))

	r.Get("/transactions", p.handle(p.listTransactions))
	r.Post("/transactions/{id}/refund", p.handle(p.refund))

	r.Post("/api-keys", p.handle(p.createKey))
	r.Get("/api-keys", p.handle(p.listKeys))
	r.Post("/api-keys/{id}/revoke", p.handle(p.revokeKey))

	r.Post("/webhooks", p.handle(p.createWebhook))
	r.Get("/webhooks", p.handle(p.listWebhooks))
	r.Post("/webhooks/{id}/enable", p.handle(p.enableWebhook))
	r.Get("/webhooks/{id}/deliveries", p.handle(p.listDeliveries))

	r.Get("/emails/failed", p.handle(p.listFailedEmails))
	r.Get("/reports/summary", p.handle(p.summary))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.NotFound(w, "route not found")
	})
	return r
}

// authenticate verifies the bearer JWT and stores the caller's scope.
func (p *Portal) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := identity.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			api.Unauthorized(w, "missing or malformed Authorization header")
			return
		}
		scope, err := p.verifier.Verify(raw)
		if err != nil {
			api.WriteAppError(w, p.logger, err)
			return
		}
		middleware.SetActor(r.Context(), scope.ActorID, scope.MerchantID)
		ctx := context.WithValue(r.Context(), scopeKey{}, scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, scope identity.Scope) error

func (p *Portal) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		scope, _ := r.Context().Value(scopeKey{}).(identity.Scope)
		if err := h(ww, r, scope); err != nil {
			api.WriteAppError(ww, p.logger, err)
		}
		p.metrics.ObserveGatewayRequest(routePattern(r), r.Method, ww.Status(), time.Since(start))
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pat := rc.RoutePattern(); pat != "" {
			return "/portal" + pat
		}
	}
	return "unmatched"
}
