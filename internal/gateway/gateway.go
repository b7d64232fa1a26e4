// Package gateway is the API key authenticated integration surface. Every
// authenticated route passes through the same dispatcher: key lookup, rate
// limit, permission check, merchant scope resolution, the operation itself,
// and a request log entry.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"giftledger/internal/apikey"
	"giftledger/internal/common/api"
	"giftledger/internal/common/apperr"
	"giftledger/internal/common/metrics"
	"giftledger/internal/common/middleware"
	"giftledger/internal/identity"
	"giftledger/internal/ledger"
	"giftledger/internal/ratelimit"
)

// Config holds gateway settings
type Config struct {
	LogRetention time.Duration `envconfig:"REQUEST_LOG_RETENTION" default:"720h"`
	// Public check-balance calls are throttled per client IP.
	CheckBalancePerMinute int `envconfig:"CHECK_BALANCE_RATE_LIMIT_PER_MINUTE" default:"10"`
	CheckBalancePerDay    int `envconfig:"CHECK_BALANCE_RATE_LIMIT_PER_DAY" default:"500"`
}

// MerchantHeader names the target merchant for partner keys.
const MerchantHeader = "X-Merchant-Id"

// handlerFunc runs an operation for a resolved scope. It writes the success
// response itself and returns any failure for the dispatcher to render.
type handlerFunc func(w http.ResponseWriter, r *http.Request, scope identity.Scope) error

// Gateway dispatches integration requests
type Gateway struct {
	cfg       Config
	ledger    *ledger.Service
	keys      *apikey.Service
	limiter   *ratelimit.Limiter
	logs      LogStore
	directory identity.MerchantDirectory
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a gateway
func New(cfg Config, svc *ledger.Service, keys *apikey.Service, limiter *ratelimit.Limiter, logs LogStore, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if cfg.CheckBalancePerMinute <= 0 {
		cfg.CheckBalancePerMinute = 10
	}
	if cfg.CheckBalancePerDay <= 0 {
		cfg.CheckBalancePerDay = 500
	}
	return &Gateway{
		cfg:       cfg,
		ledger:    svc,
		keys:      keys,
		limiter:   limiter,
		logs:      logs,
		directory: svc.Directory(),
		metrics:   m,
		logger:    logger.With("component", "gateway"),
		now:       time.Now,
	}
}

// Routes returns the /api/v1 router. Static segments such as
// /cards/redeem-by-code take precedence over /cards/{cardId}.
func (g *Gateway) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/cards/check-balance", g.public(ratelimit.Limits{
		PerMinute: g.cfg.CheckBalancePerMinute,
		PerDay:    g.cfg.CheckBalancePerDay,
	}, g.checkBalance))

	r.Post("/cards", g.authorized(identity.PermCardsWrite, g.issueCard))
	r.Get("/cards", g.authorized(identity.PermCardsRead, g.listCards))
	r.Post("/cards/redeem-by-code", g.authorized(identity.PermCardsRedeem, g.redeemByCode))
	r.Post("/cards/redeem-by-track", g.authorized(identity.PermCardsRedeem, g.redeemByTrack))
	r.Get("/cards/{cardId}", g.authorized(identity.PermCardsRead, g.getCard))
	r.Patch("/cards/{cardId}", g.authorized(identity.PermCardsWrite, g.updateCard))
	r.Post("/cards/{cardId}/load", g.authorized(identity.PermCardsLoad, g.load))
	r.Post("/cards/{cardId}/redeem", g.authorized(identity.PermCardsRedeem, g.redeem))
	r.Post("/cards/{cardId}/transfer", g.authorized(identity.PermCardsTransfer, g.transfer))

	r.Get("/transactions", g.authorized(identity.PermTransactionsRead, g.listTransactions))
	r.Get("/transactions/{id}", g.authorized(identity.PermTransactionsRead, g.getTransaction))
	r.Post("/transactions/{id}/refund", g.authorized(identity.PermTransactionsRefund, g.refund))

	r.Post("/customers", g.authorized(identity.PermCustomersWrite, g.createCustomer))
	r.Get("/customers", g.authorized(identity.PermCustomersRead, g.listCustomers))
	r.Get("/customers/{id}", g.authorized(identity.PermCustomersRead, g.getCustomer))
	r.Patch("/customers/{id}", g.authorized(identity.PermCustomersWrite, g.updateCustomer))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.NotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

// public serves an unauthenticated route, throttled per client IP. Nothing
// is logged per request.
func (g *Gateway) public(limits ratelimit.Limits, h func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			g.metrics.ObserveGatewayRequest(routePattern(r), r.Method, ww.Status(), time.Since(start))
		}()

		decision, err := g.limiter.Allow(r.Context(), "ip:"+middleware.ClientIP(r), limits)
		if err != nil {
			api.WriteAppError(ww, g.logger, err)
			return
		}
		decision.WriteHeaders(ww.Header())
		if !decision.Allowed {
			api.WriteAppError(ww, g.logger, apperr.RateLimited("too many balance checks from this address"))
			return
		}

		if err := h(ww, r); err != nil {
			api.WriteAppError(ww, g.logger, err)
		}
	}
}

// authorized runs the dispatch pipeline for a route requiring perm.
func (g *Gateway) authorized(perm string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			g.metrics.ObserveGatewayRequest(routePattern(r), r.Method, ww.Status(), time.Since(start))
		}()

		token, ok := identity.BearerToken(r.Header.Get("Authorization"))
		if !ok {
			api.Unauthorized(ww, "missing or malformed Authorization header")
			return
		}
		key, err := g.keys.Authenticate(ctx, token)
		if key == nil {
			// No key identity, so nothing to attribute a log entry to.
			api.WriteAppError(ww, g.logger, err)
			return
		}

		entry := &RequestLog{APIKeyID: key.ID}
		if key.ScopeType == identity.KeyScopeMerchant {
			entry.MerchantID = key.MerchantID
		}
		defer func() { g.writeLog(ctx, r, ww, entry, start) }()

		fail := func(err error) {
			entry.ErrorMessage = err.Error()
			api.WriteAppError(ww, g.logger, err)
		}

		if err != nil {
			fail(err)
			return
		}

		decision, err := g.limiter.Allow(ctx, key.ID, ratelimit.Limits{
			PerMinute: key.RateLimitPerMinute,
			PerDay:    key.RateLimitPerDay,
		})
		if err != nil {
			fail(err)
			return
		}
		decision.WriteHeaders(ww.Header())
		if !decision.Allowed {
			fail(apperr.RateLimited("rate limit exceeded for the " + string(decision.Window) + " window"))
			return
		}

		if err := (identity.Scope{Permissions: key.Permissions}).Require(perm); err != nil {
			fail(err)
			return
		}

		scope, err := identity.ResolveAPIKey(ctx, key.Grant(), r.Header.Get(MerchantHeader), g.directory)
		if err != nil {
			fail(err)
			return
		}
		entry.MerchantID = scope.MerchantID
		middleware.SetActor(ctx, key.ID, scope.MerchantID)

		if err := h(ww, r, scope); err != nil {
			fail(err)
		}
	}
}

func (g *Gateway) writeLog(ctx context.Context, r *http.Request, ww chimw.WrapResponseWriter, entry *RequestLog, start time.Time) {
	entry.ID = ulid.Make().String()
	entry.Method = r.Method
	entry.Path = r.URL.Path
	entry.StatusCode = ww.Status()
	entry.DurationMs = time.Since(start).Milliseconds()
	entry.IPAddress = middleware.ClientIP(r)
	entry.UserAgent = r.UserAgent()
	entry.CreatedAt = g.now().UTC()

	// The response is already written; a lost log entry must not change it.
	if err := g.logs.Insert(context.WithoutCancel(ctx), entry); err != nil {
		g.logger.Error("failed to write request log",
			"api_key_id", entry.APIKeyID,
			"path", entry.Path,
			"error", err,
		)
	}
}

// PurgeLogs removes request logs older than the retention period.
func (g *Gateway) PurgeLogs(ctx context.Context) (int64, error) {
	return g.logs.Purge(ctx, g.now().UTC().Add(-g.cfg.LogRetention))
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
