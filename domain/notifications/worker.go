package notifications

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/internal/jobs"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// Worker drains notification_jobs: render, send, mark.
type Worker struct {
	*jobs.Worker

	store     Store
	renderer  *Renderer
	sender    Sender
	batchSize int
	log       *slog.Logger
}

func NewWorker(store Store, renderer *Renderer, sender Sender, cfg *config.Config, log *slog.Logger) *Worker {
	w := &Worker{
		store:     store,
		renderer:  renderer,
		sender:    sender,
		batchSize: cfg.Email.WorkerBatchSize,
		log:       log.With(logger.Scope("notifications.worker")),
	}
	w.Worker = jobs.NewWorker(jobs.WorkerConfig{
		Name:         "notifications",
		PollInterval: cfg.Email.WorkerInterval(),
		BatchSize:    cfg.Email.WorkerBatchSize,
	}, log, w.processBatch)
	return w
}

func (w *Worker) processBatch(ctx context.Context) error {
	batch, err := w.store.Claim(ctx, w.batchSize)
	if err != nil {
		return err
	}
	var errs []error
	for _, job := range batch {
		if err := w.process(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) process(ctx context.Context, job *Job) error {
	start := time.Now()
	log := w.log.With(slog.String("job_id", job.ID), slog.String("template", job.Template))

	fail := func(reason error) error {
		w.IncrementFailure()
		if err := w.store.MarkFailed(ctx, job, reason.Error()); err != nil {
			log.Error("failed to mark job as failed", logger.Error(err))
			return err
		}
		log.Warn("email job failed", logger.Error(reason))
		return nil
	}

	body, err := w.renderer.Render(job.Template, job.Data)
	if err != nil {
		return fail(err)
	}
	id, err := w.sender.Send(ctx, Message{
		To:      job.ToEmail,
		ToName:  job.ToName,
		Subject: job.Subject,
		HTML:    body.HTML,
		Text:    body.Text,
	})
	if err != nil {
		return fail(err)
	}
	if err := w.store.MarkSent(ctx, job.ID, id); err != nil {
		log.Error("failed to mark job as sent", logger.Error(err))
		return err
	}
	w.IncrementSuccess()
	log.Debug("email sent",
		slog.String("message_id", id),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return nil
}

// RecoverStale returns jobs stuck in processing for longer than threshold
// to the queue.
func (w *Worker) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	return w.store.RecoverStale(ctx, threshold)
}
