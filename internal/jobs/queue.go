// Package jobs provides a PostgreSQL-backed job queue and a polling worker.
//
// Jobs are claimed with FOR UPDATE SKIP LOCKED so several server replicas
// can drain the same table, failed jobs are retried with quadratic
// backoff, and jobs orphaned by a crash are returned to pending.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
)

// JobStatus represents the state of a job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusSent       JobStatus = "sent"
)

// QueueConfig contains configuration for a job queue
type QueueConfig struct {
	// TableName is the fully qualified table name (e.g. "billing.notification_jobs")
	TableName string
	// MaxAttempts is the maximum number of attempts (0 = unlimited)
	MaxAttempts int
	// BaseRetryDelay is multiplied by attempt² to get the retry delay
	BaseRetryDelay time.Duration
	// MaxRetryDelay caps the retry delay
	MaxRetryDelay time.Duration
	// BatchSize is the default number of jobs to dequeue at once
	BatchSize int
}

// DefaultQueueConfig returns a QueueConfig with sensible defaults
func DefaultQueueConfig(tableName string) QueueConfig {
	return QueueConfig{
		TableName:      tableName,
		BaseRetryDelay: time.Minute,
		MaxRetryDelay:  time.Hour,
		BatchSize:      10,
	}
}

// Queue provides job queue operations on a single table.
type Queue struct {
	db     bun.IDB
	config QueueConfig
	log    *slog.Logger
}

// NewQueue creates a new job queue with the given configuration
func NewQueue(db bun.IDB, config QueueConfig, log *slog.Logger) *Queue {
	if config.BaseRetryDelay == 0 {
		config.BaseRetryDelay = time.Minute
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = time.Hour
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}
	return &Queue{db: db, config: config, log: log}
}

// Config returns the effective queue configuration.
func (q *Queue) Config() QueueConfig {
	return q.config
}

// Dequeue atomically claims up to batchSize due jobs and returns their IDs.
func (q *Queue) Dequeue(ctx context.Context, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		batchSize = q.config.BatchSize
	}

	query := fmt.Sprintf(`
		WITH cte AS (
			SELECT id FROM %[1]s
			WHERE status = 'pending' AND scheduled_at <= now()
			ORDER BY priority DESC, scheduled_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT ?
		)
		UPDATE %[1]s j
		SET status = 'processing', started_at = now(), updated_at = now()
		FROM cte WHERE j.id = cte.id
		RETURNING j.id`, q.config.TableName)

	var ids []string
	if err := q.db.NewRaw(query, batchSize).Scan(ctx, &ids); err != nil {
		return nil, fmt.Errorf("dequeue failed: %w", err)
	}
	return ids, nil
}

// MarkCompleted marks a job as completed
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	return q.markDone(ctx, id, StatusCompleted)
}

// MarkSent marks a delivery job as sent
func (q *Queue) MarkSent(ctx context.Context, id string) error {
	return q.markDone(ctx, id, StatusSent)
}

func (q *Queue) markDone(ctx context.Context, id string, status JobStatus) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = ?, processed_at = now(), completed_at = now(), updated_at = now()
		WHERE id = ?`, q.config.TableName)

	if _, err := q.db.NewRaw(query, string(status), id).Exec(ctx); err != nil {
		return fmt.Errorf("mark %s failed: %w", status, err)
	}
	return nil
}

// MarkFailed records a failed attempt. The job is rescheduled with backoff,
// or parked as failed once MaxAttempts is reached.
func (q *Queue) MarkFailed(ctx context.Context, id string, attemptCount int, errMsg string) error {
	attempt := attemptCount + 1

	if q.config.MaxAttempts > 0 && attempt >= q.config.MaxAttempts {
		query := fmt.Sprintf(`
			UPDATE %s
			SET status = 'failed', attempt_count = ?, last_error = ?, updated_at = now()
			WHERE id = ?`, q.config.TableName)

		if _, err := q.db.NewRaw(query, attempt, truncateError(errMsg), id).Exec(ctx); err != nil {
			return fmt.Errorf("mark failed (permanent) failed: %w", err)
		}

		q.log.Warn("job permanently failed after max attempts",
			slog.String("job_id", id),
			slog.Int("attempts", attempt),
			slog.String("error", errMsg))
		return nil
	}

	delay := RetryDelay(q.config, attempt)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', attempt_count = ?, last_error = ?,
			scheduled_at = now() + make_interval(secs => ?), updated_at = now()
		WHERE id = ?`, q.config.TableName)

	if _, err := q.db.NewRaw(query, attempt, truncateError(errMsg), delay.Seconds(), id).Exec(ctx); err != nil {
		return fmt.Errorf("mark failed (retry) failed: %w", err)
	}

	q.log.Debug("job scheduled for retry",
		slog.String("job_id", id),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
	return nil
}

// RetryDelay is BaseRetryDelay * attempt², capped at MaxRetryDelay.
func RetryDelay(cfg QueueConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.BaseRetryDelay * time.Duration(attempt*attempt)
	if cfg.MaxRetryDelay > 0 && delay > cfg.MaxRetryDelay {
		return cfg.MaxRetryDelay
	}
	return delay
}

// RecoverStaleJobs returns jobs stuck in 'processing' for longer than
// threshold to pending. It returns the number of jobs recovered.
func (q *Queue) RecoverStaleJobs(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending', started_at = NULL, scheduled_at = now(), updated_at = now()
		WHERE status = 'processing' AND started_at < now() - make_interval(secs => ?)`,
		q.config.TableName)

	result, err := q.db.NewRaw(query, threshold.Seconds()).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs failed: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		q.log.Warn("recovered stale jobs",
			slog.Int64("count", count),
			slog.Duration("threshold", threshold))
	}
	return int(count), nil
}

// Stats represents queue statistics
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status IN ('completed', 'sent')) AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM %s`, q.config.TableName)

	stats := &Stats{}
	if err := q.db.NewRaw(query).Scan(ctx, &stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed); err != nil {
		return nil, fmt.Errorf("get stats failed: %w", err)
	}
	return stats, nil
}

func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
