package scheduler

import (
	"context"
	"log/slog"

	"giftledger/internal/delivery"
)

// Job names
const (
	JobExpireCards     = "expire-cards"
	JobWebhookDrain    = "webhook-drain"
	JobEmailDrain      = "email-drain"
	JobRateLimitPurge  = "ratelimit-purge"
	JobRequestLogPurge = "request-log-purge"
)

// Expirer moves cards past their expiry date to expired.
type Expirer interface {
	ExpireCards(ctx context.Context) (int, error)
}

// Drainer sends one batch from a delivery queue.
type Drainer interface {
	Drain(ctx context.Context) (delivery.Stats, error)
}

// Purger deletes rows older than its retention period.
type Purger func(ctx context.Context) (int64, error)

// Deps are the collaborators of the standard jobs
type Deps struct {
	Cards           Expirer
	Webhooks        Drainer
	Emails          Drainer
	RateLimitPurge  Purger
	RequestLogPurge Purger
}

// Register adds the standard jobs to s.
func Register(s *Scheduler, cfg Config, deps Deps) error {
	logger := s.logger
	jobs := []Job{
		{
			Name: JobExpireCards,
			Spec: cfg.Expiry,
			Run: func(ctx context.Context) error {
				n, err := deps.Cards.ExpireCards(ctx)
				if n > 0 {
					logger.Info("cards expired", "count", n)
				}
				return err
			},
		},
		{Name: JobWebhookDrain, Spec: cfg.WebhookDrain, Run: drain(deps.Webhooks)},
		{Name: JobEmailDrain, Spec: cfg.EmailDrain, Run: drain(deps.Emails)},
		{Name: JobRateLimitPurge, Spec: cfg.RateLimitPurge, Run: purge(logger, "rate limit windows", deps.RateLimitPurge)},
		{Name: JobRequestLogPurge, Spec: cfg.RequestLogPurge, Run: purge(logger, "request logs", deps.RequestLogPurge)},
	}
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return nil
}

func drain(d Drainer) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := d.Drain(ctx)
		return err
	}
}

func purge(logger *slog.Logger, what string, p Purger) func(context.Context) error {
	return func(ctx context.Context) error {
		n, err := p(ctx)
		if n > 0 {
			logger.Info("purged "+what, "count", n)
		}
		return err
	}
}
