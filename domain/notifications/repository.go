package notifications

import (
	"context"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/internal/jobs"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

const tableName = "billing.notification_jobs"

// Store persists notification jobs.
type Store interface {
	Insert(ctx context.Context, job *Job) (bool, error)
	Claim(ctx context.Context, limit int) ([]*Job, error)
	MarkSent(ctx context.Context, id, messageID string) error
	MarkFailed(ctx context.Context, job *Job, reason string) error
	RecoverStale(ctx context.Context, threshold time.Duration) (int, error)
	Stats(ctx context.Context) (*jobs.Stats, error)
}

// Repository stores jobs in Postgres and claims them through jobs.Queue.
type Repository struct {
	db    bun.IDB
	queue *jobs.Queue
	log   *slog.Logger
}

func NewRepository(db bun.IDB, cfg *config.Config, log *slog.Logger) *Repository {
	log = log.With(logger.Scope("notifications.repo"))
	qc := jobs.DefaultQueueConfig(tableName)
	qc.MaxAttempts = cfg.Email.MaxRetries
	qc.BaseRetryDelay = time.Duration(cfg.Email.RetryDelaySec) * time.Second
	qc.BatchSize = cfg.Email.WorkerBatchSize
	return &Repository{db: db, queue: jobs.NewQueue(db, qc, log), log: log}
}

// Insert reports false when the dedupe key was already used.
func (r *Repository) Insert(ctx context.Context, job *Job) (bool, error) {
	res, err := r.db.NewInsert().
		Model(job).
		On("CONFLICT (dedupe_key) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *Repository) Claim(ctx context.Context, limit int) ([]*Job, error) {
	ids, err := r.queue.Dequeue(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var out []*Job
	err = r.db.NewSelect().
		Model(&out).
		Where("id IN (?)", bun.In(ids)).
		Order("priority DESC", "scheduled_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return out, nil
}

func (r *Repository) MarkSent(ctx context.Context, id, messageID string) error {
	_, err := r.db.NewUpdate().
		Model((*Job)(nil)).
		Set("mailgun_id = ?", messageID).
		Set("last_error = NULL").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return r.queue.MarkSent(ctx, id)
}

func (r *Repository) MarkFailed(ctx context.Context, job *Job, reason string) error {
	return r.queue.MarkFailed(ctx, job.ID, job.AttemptCount, reason)
}

func (r *Repository) RecoverStale(ctx context.Context, threshold time.Duration) (int, error) {
	return r.queue.RecoverStaleJobs(ctx, threshold)
}

func (r *Repository) Stats(ctx context.Context) (*jobs.Stats, error) {
	return r.queue.GetStats(ctx)
}
