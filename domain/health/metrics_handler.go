package health

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/agentbilling/domain/scheduler"
	"github.com/emergent-company/agentbilling/internal/jobs"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// QueueStats is implemented by *notifications.Service.
type QueueStats interface {
	Stats(ctx context.Context) (*jobs.Stats, error)
}

// WorkerStats is implemented by *notifications.Worker.
type WorkerStats interface {
	Metrics() jobs.WorkerMetrics
	IsRunning() bool
}

// TaskLister is implemented by *scheduler.Scheduler.
type TaskLister interface {
	GetTaskInfo() []scheduler.TaskInfo
	IsRunning() bool
}

// MetricsHandler serves operator views of background work.
type MetricsHandler struct {
	queue     QueueStats
	worker    WorkerStats
	scheduler TaskLister
	log       *slog.Logger
}

func NewMetricsHandler(queue QueueStats, worker WorkerStats, sched TaskLister, log *slog.Logger) *MetricsHandler {
	return &MetricsHandler{
		queue:     queue,
		worker:    worker,
		scheduler: sched,
		log:       log.With(logger.Scope("health.metrics")),
	}
}

// JobQueueMetrics combines the persisted queue counts with the counters of
// the worker in this process.
type JobQueueMetrics struct {
	Queue   string             `json:"queue"`
	Stats   *jobs.Stats        `json:"stats,omitempty"`
	Error   string             `json:"error,omitempty"`
	Running bool               `json:"running"`
	Worker  jobs.WorkerMetrics `json:"worker"`
}

// AllJobMetrics contains metrics for all job queues
type AllJobMetrics struct {
	Queues    []JobQueueMetrics `json:"queues"`
	Timestamp string            `json:"timestamp"`
}

// JobMetrics returns metrics for the notification queue.
func (h *MetricsHandler) JobMetrics(c echo.Context) error {
	ctx := c.Request().Context()

	q := JobQueueMetrics{
		Queue:   "notifications",
		Running: h.worker.IsRunning(),
		Worker:  h.worker.Metrics(),
	}
	stats, err := h.queue.Stats(ctx)
	if err != nil {
		h.log.Warn("queue stats unavailable", logger.Error(err))
		q.Error = "stats unavailable"
	} else {
		q.Stats = stats
	}

	return c.JSON(http.StatusOK, AllJobMetrics{
		Queues:    []JobQueueMetrics{q},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// SchedulerMetrics returns the next and previous run of each scheduled task.
func (h *MetricsHandler) SchedulerMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"running": h.scheduler.IsRunning(),
		"tasks":   h.scheduler.GetTaskInfo(),
	})
}
