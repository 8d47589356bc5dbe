package health

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/domain/notifications"
	"github.com/emergent-company/agentbilling/domain/scheduler"
)

var Module = fx.Module("health",
	fx.Provide(
		func(pool *pgxpool.Pool) Pinger { return pool },
		func(s *notifications.Service) QueueStats { return s },
		func(w *notifications.Worker) WorkerStats { return w },
		func(s *scheduler.Scheduler) TaskLister { return s },
		NewHandler,
		NewMetricsHandler,
	),
	fx.Invoke(RegisterRoutes),
)
