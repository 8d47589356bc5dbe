package notifications

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/domain/clerk"
	"github.com/emergent-company/agentbilling/domain/credits"
	"github.com/emergent-company/agentbilling/internal/config"
)

// Module provides billing emails: the job queue, templates, sender and
// worker
var Module = fx.Module("notifications",
	fx.Provide(
		NewRepository,
		func(r *Repository) Store { return r },
		NewRenderer,
		NewSender,
		NewService,
		func(s *Service) credits.Notifier { return s },
		func(s *Service) clerk.Welcomer { return s },
		NewWorker,
	),
	fx.Invoke(RegisterWorkerLifecycle),
)

// RegisterWorkerLifecycle runs the worker when email is enabled. Jobs are
// still queued when it is not.
func RegisterWorkerLifecycle(lc fx.Lifecycle, w *Worker, cfg *config.Config, log *slog.Logger) {
	if !cfg.Email.Enabled {
		log.Info("notification worker not started (EMAIL_ENABLED=false)")
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if n, err := w.RecoverStale(ctx, cfg.Scheduler.StaleJobThreshold); err == nil && n > 0 {
				log.Info("recovered stale notification jobs on startup", slog.Int("count", n))
			}
			return w.Start(ctx)
		},
		OnStop: w.Stop,
	})
}
