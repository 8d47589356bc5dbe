package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"github.com/emergent-company/agentbilling/pkg/apperror"
)

// Store persists delivery state. *Repository implements it.
type Store interface {
	// Claim takes the processing lock for an event that is new, failed, or
	// whose lock was taken before staleBefore.
	Claim(ctx context.Context, provider, eventID, eventType string, now, staleBefore time.Time) (bool, error)
	Get(ctx context.Context, provider, eventID string) (*Event, error)
	MarkProcessed(ctx context.Context, provider, eventID string, now time.Time) error
	MarkFailed(ctx context.Context, provider, eventID, msg string) error
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Repository is the Postgres webhook event store.
type Repository struct {
	db bun.IDB
}

func NewRepository(db bun.IDB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Claim(ctx context.Context, provider, eventID, eventType string, now, staleBefore time.Time) (bool, error) {
	ev := &Event{
		Provider:  provider,
		EventID:   eventID,
		EventType: eventType,
		Status:    StatusProcessing,
		Attempts:  1,
		LockedAt:  &now,
	}
	var attempts int
	err := r.db.NewInsert().
		Model(ev).
		ExcludeColumn("created_at").
		On("CONFLICT (provider, event_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("attempts = we.attempts + 1").
		Set("locked_at = EXCLUDED.locked_at").
		Set("last_error = NULL").
		Where("we.status = ? OR (we.status = ? AND we.locked_at < ?)", StatusFailed, StatusProcessing, staleBefore).
		Returning("attempts").
		Scan(ctx, &attempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	return true, nil
}

func (r *Repository) Get(ctx context.Context, provider, eventID string) (*Event, error) {
	var ev Event
	err := r.db.NewSelect().
		Model(&ev).
		Where("provider = ?", provider).
		Where("event_id = ?", eventID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &ev, nil
}

func (r *Repository) MarkProcessed(ctx context.Context, provider, eventID string, now time.Time) error {
	_, err := r.db.NewUpdate().
		Model((*Event)(nil)).
		Set("status = ?", StatusProcessed).
		Set("processed_at = ?", now).
		Set("locked_at = NULL").
		Where("provider = ?", provider).
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, provider, eventID, msg string) error {
	_, err := r.db.NewUpdate().
		Model((*Event)(nil)).
		Set("status = ?", StatusFailed).
		Set("last_error = ?", msg).
		Set("locked_at = NULL").
		Where("provider = ?", provider).
		Where("event_id = ?", eventID).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (r *Repository) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.NewDelete().
		Model((*Event)(nil)).
		Where("status = ?", StatusProcessed).
		Where("processed_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
