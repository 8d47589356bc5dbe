package scheduler

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/domain/chat"
	"github.com/emergent-company/agentbilling/domain/credits"
	"github.com/emergent-company/agentbilling/domain/exports"
	"github.com/emergent-company/agentbilling/domain/notifications"
	"github.com/emergent-company/agentbilling/domain/webhooks"
	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// Module provides the periodic billing tasks
var Module = fx.Module("scheduler",
	fx.Provide(NewScheduler),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams are the dependencies of the scheduled tasks.
type TaskParams struct {
	fx.In

	Scheduler *Scheduler
	Cfg       *config.Config
	Log       *slog.Logger
	Credits   *credits.Service
	Deduper   *webhooks.Deduper
	Worker    *notifications.Worker
	Exports   *exports.Service
	Limiter   *chat.RateLimiter
}

// RegisterTasks schedules every task. A task that fails to register is
// logged and the rest still run.
func RegisterTasks(p TaskParams) error {
	sc := p.Cfg.Scheduler
	if !sc.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	add := func(name string, err error) {
		if err != nil {
			p.Log.Error("failed to register scheduled task", slog.String("name", name), logger.Error(err))
		}
	}

	add("reservation_expiry", p.Scheduler.AddIntervalTask("reservation_expiry",
		sc.ReservationExpiryInterval, NewReservationExpiryTask(p.Credits, p.Log).Run))
	add("webhook_purge", p.Scheduler.AddCronTask("webhook_purge",
		sc.WebhookPurgeSchedule, NewWebhookPurgeTask(p.Deduper, p.Cfg.Credits.WebhookRetention, p.Log).Run))
	add("stale_notification_jobs", p.Scheduler.AddIntervalTask("stale_notification_jobs",
		sc.StaleJobInterval, NewStaleJobTask(p.Worker, sc.StaleJobThreshold).Run))
	add("ledger_export", p.Scheduler.AddCronTask("ledger_export",
		sc.LedgerExportSchedule, NewLedgerExportTask(p.Exports, p.Log).Run))
	add("chat_limiter_prune", p.Scheduler.AddIntervalTask("chat_limiter_prune",
		sc.LimiterPruneInterval, NewLimiterPruneTask(p.Limiter).Run))

	p.Log.Info("registered scheduled tasks", slog.Any("tasks", p.Scheduler.ListTasks()))
	return nil
}

// RegisterSchedulerLifecycle starts and stops the scheduler with the app.
func RegisterSchedulerLifecycle(lc fx.Lifecycle, s *Scheduler, cfg *config.Config) {
	if !cfg.Scheduler.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop:  func(ctx context.Context) error { return s.Stop(ctx) },
	})
}
