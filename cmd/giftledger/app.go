package main

import (
	"context"
	"fmt"
	"log/slog"

	"giftledger/internal/apikey"
	"giftledger/internal/common/audit"
	"giftledger/internal/common/database"
	"giftledger/internal/common/events"
	"giftledger/internal/common/metrics"
	"giftledger/internal/common/nats"
	"giftledger/internal/config"
	"giftledger/internal/delivery/email"
	"giftledger/internal/delivery/webhook"
	"giftledger/internal/gateway"
	"giftledger/internal/identity"
	"giftledger/internal/ledger"
	"giftledger/internal/ledger/store"
	"giftledger/internal/portal"
	"giftledger/internal/ratelimit"
	"giftledger/internal/scheduler"
)

// app is the fully wired set of services shared by every command
type app struct {
	db       *database.DB
	nats     *nats.Client
	metrics  *metrics.Metrics
	store    store.Store
	ledger   *ledger.Service
	keys     *apikey.Service
	webhooks *webhook.Service
	emails   *email.Service
	limiter  *ratelimit.Limiter
	gateway  *gateway.Gateway
	portal   *portal.Portal
	closers  []func()
}

type stores struct {
	ledger   store.Store
	keys     apikey.Store
	webhooks webhook.Store
	emails   email.Store
	logs     gateway.LogStore
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{metrics: metrics.New()}

	var st stores
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		st = stores{
			ledger:   store.NewPostgres(db),
			keys:     apikey.NewPostgres(db),
			webhooks: webhook.NewPostgres(db),
			emails:   email.NewPostgres(db),
			logs:     gateway.NewPostgresLogs(db),
		}
	default:
		logger.Warn("using in-memory stores, data is lost on exit")
		st = stores{
			ledger:   store.NewMemory(),
			keys:     apikey.NewMemory(),
			webhooks: webhook.NewMemory(),
			emails:   email.NewMemory(),
			logs:     gateway.NewMemoryLogs(),
		}
	}
	a.store = st.ledger

	backend, err := a.rateLimitBackend(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.limiter = ratelimit.NewLimiter(backend, a.metrics)

	auditor := audit.NewSlogRecorder(logger)
	provider, err := email.NewProvider(cfg.Email, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	// The email service looks customers up through the ledger, which in
	// turn notifies the email service about issued cards.
	var svc *ledger.Service
	contacts := email.ContactFunc(func(ctx context.Context, merchantID, customerID string) (string, string, error) {
		return svc.CustomerContact(ctx, merchantID, customerID)
	})
	a.emails = email.NewService(st.emails, provider, cfg.Email, contacts, a.metrics, logger)
	a.webhooks = webhook.NewService(st.webhooks, cfg.Webhook, auditor, a.metrics, logger)

	fanout := events.NewFanout(logger)
	fanout.Register("webhooks", a.webhooks)
	fanout.Register("emails", a.emails)
	if cfg.NATS.Enabled() {
		client, err := nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.nats = client
		a.closers = append(a.closers, client.Close)
		if _, err := client.EnsureStream(ctx, cfg.NATS); err != nil {
			a.Close()
			return nil, err
		}
		fanout.Register("nats", nats.NewPublisher(client, cfg.NATS.SubjectPrefix, logger))
	}

	svc = ledger.NewService(st.ledger, cfg.Ledger, fanout, logger,
		ledger.WithNotifier(a.emails),
		ledger.WithAuditor(auditor),
		ledger.WithMetrics(a.metrics),
	)
	a.ledger = svc
	a.keys = apikey.NewService(st.keys, svc.Directory(), auditor, logger)
	a.gateway = gateway.New(cfg.Gateway, svc, a.keys, a.limiter, st.logs, a.metrics, logger)
	a.portal = portal.New(svc, a.keys, a.webhooks, a.emails,
		identity.NewTokenVerifier(cfg.Identity), a.metrics, logger)
	return a, nil
}

func (a *app) rateLimitBackend(ctx context.Context, cfg config.Config) (ratelimit.Backend, error) {
	switch cfg.RateLimitBackend() {
	case "redis":
		client, err := ratelimit.NewRedisClient(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		return ratelimit.NewRedis(client, cfg.RateLimit.RedisPrefix), nil
	case config.DriverPostgres:
		return ratelimit.NewPostgres(a.db), nil
	default:
		return ratelimit.NewMemory(), nil
	}
}

// scheduler registers the maintenance jobs against the wired services.
func (a *app) scheduler(ctx context.Context, cfg config.Config, logger *slog.Logger) (*scheduler.Scheduler, error) {
	s := scheduler.New(ctx, a.metrics, logger)
	err := scheduler.Register(s, cfg.Scheduler, scheduler.Deps{
		Cards:           a.ledger,
		Webhooks:        a.webhooks,
		Emails:          a.emails,
		RateLimitPurge:  a.limiter.Purge,
		RequestLogPurge: a.gateway.PurgeLogs,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
