package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/emergent-company/agentbilling/domain/exports"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// Expirer is implemented by *credits.Service.
type Expirer interface {
	ExpireReservations(ctx context.Context, now time.Time) (int, error)
}

// Purger is implemented by *webhooks.Deduper.
type Purger interface {
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// StaleRecoverer is implemented by *notifications.Worker.
type StaleRecoverer interface {
	RecoverStale(ctx context.Context, threshold time.Duration) (int, error)
}

// Exporter is implemented by *exports.Service.
type Exporter interface {
	ExportPreviousDay(ctx context.Context) (*exports.Result, error)
}

// Pruner is implemented by *chat.RateLimiter.
type Pruner interface {
	Prune() int
}

// ReservationExpiryTask releases holds whose TTL passed, so credits held
// by abandoned streams return to the user.
type ReservationExpiryTask struct {
	credits Expirer
	log     *slog.Logger
	now     func() time.Time
}

func NewReservationExpiryTask(credits Expirer, log *slog.Logger) *ReservationExpiryTask {
	return &ReservationExpiryTask{
		credits: credits,
		log:     log.With(logger.Scope("scheduler.reservations")),
		now:     time.Now,
	}
}

func (t *ReservationExpiryTask) Run(ctx context.Context) error {
	n, err := t.credits.ExpireReservations(ctx, t.now())
	if n > 0 {
		t.log.Info("expired reservations released", slog.Int("count", n))
	}
	return err
}

// WebhookPurgeTask drops processed webhook events past retention.
type WebhookPurgeTask struct {
	purger    Purger
	retention time.Duration
	log       *slog.Logger
}

func NewWebhookPurgeTask(purger Purger, retention time.Duration, log *slog.Logger) *WebhookPurgeTask {
	return &WebhookPurgeTask{
		purger:    purger,
		retention: retention,
		log:       log.With(logger.Scope("scheduler.webhook_purge")),
	}
}

func (t *WebhookPurgeTask) Run(ctx context.Context) error {
	n, err := t.purger.Purge(ctx, t.retention)
	if err != nil {
		return err
	}
	t.log.Info("webhook events purged", slog.Int64("count", n), slog.Duration("retention", t.retention))
	return nil
}

// StaleJobTask requeues notification jobs orphaned by a crashed worker.
type StaleJobTask struct {
	jobs      StaleRecoverer
	threshold time.Duration
}

func NewStaleJobTask(jobs StaleRecoverer, threshold time.Duration) *StaleJobTask {
	return &StaleJobTask{jobs: jobs, threshold: threshold}
}

func (t *StaleJobTask) Run(ctx context.Context) error {
	_, err := t.jobs.RecoverStale(ctx, t.threshold)
	return err
}

// LedgerExportTask writes yesterday's ledger to object storage.
type LedgerExportTask struct {
	exporter Exporter
	log      *slog.Logger
}

func NewLedgerExportTask(exporter Exporter, log *slog.Logger) *LedgerExportTask {
	return &LedgerExportTask{exporter: exporter, log: log.With(logger.Scope("scheduler.ledger_export"))}
}

func (t *LedgerExportTask) Run(ctx context.Context) error {
	res, err := t.exporter.ExportPreviousDay(ctx)
	if err != nil {
		return err
	}
	if res == nil {
		t.log.Debug("ledger export skipped")
	}
	return nil
}

// LimiterPruneTask drops idle chat rate limiters.
type LimiterPruneTask struct {
	limiter Pruner
}

func NewLimiterPruneTask(limiter Pruner) *LimiterPruneTask {
	return &LimiterPruneTask{limiter: limiter}
}

func (t *LimiterPruneTask) Run(context.Context) error {
	t.limiter.Prune()
	return nil
}
