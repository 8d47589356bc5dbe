package credits

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/uptrace/bun"

	"github.com/emergent-company/agentbilling/internal/database"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// Repository is the Postgres ledger store.
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("credits.repo")),
	}
}

// WithTx runs fn in a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return database.WithTx(ctx, r.db, func(tx bun.Tx) error {
		return fn(&repoTx{tx: tx})
	})
}

func (r *Repository) Balance(ctx context.Context, userID string) (int64, bool, error) {
	var balance int64
	err := r.db.NewSelect().
		Model((*AccountState)(nil)).
		Column("balance").
		Where("user_id = ?", userID).
		Scan(ctx, &balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, apperror.ErrDatabase.WithInternal(err)
	}
	return balance, true, nil
}

// ListEntries pages newest first, keyed on (created_at, id).
func (r *Repository) ListEntries(ctx context.Context, userID string, limit int, before *LedgerCursor) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	q := r.db.NewSelect().
		Model(&entries).
		Where("user_id = ?", userID).
		OrderExpr("created_at DESC, id DESC").
		Limit(limit)
	switch {
	case before == nil:
	case before.ID != "":
		q = q.Where("(created_at, id) < (?, ?)", before.CreatedAt, before.ID)
	default:
		q = q.Where("created_at < ?", before.CreatedAt)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return entries, nil
}

func (r *Repository) EntriesByReference(ctx context.Context, reference string) ([]LedgerEntry, error) {
	return entriesByReference(ctx, r.db, reference)
}

func entriesByReference(ctx context.Context, db bun.IDB, reference string) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	err := db.NewSelect().
		Model(&entries).
		Where("reference = ?", reference).
		OrderExpr("created_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return entries, nil
}

// EntriesBetween pages through [from, to) ordered by (created_at, id).
func (r *Repository) EntriesBetween(ctx context.Context, from, to time.Time, afterID string, limit int) ([]LedgerEntry, error) {
	var entries []LedgerEntry
	q := r.db.NewSelect().
		Model(&entries).
		Where("created_at >= ?", from).
		Where("created_at < ?", to).
		OrderExpr("created_at ASC, id ASC").
		Limit(limit)
	if afterID != "" {
		q = q.Where("(created_at, id) > (SELECT created_at, id FROM billing.ledger_entries WHERE id = ?)", afterID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return entries, nil
}

func (r *Repository) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	var res Reservation
	if err := r.db.NewSelect().Model(&res).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &res, nil
}

func (r *Repository) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.NewSelect().
		Model((*Reservation)(nil)).
		Column("id").
		Where("status = ?", ReservationHeld).
		Where("expires_at <= ?", now).
		Order("expires_at ASC").
		Limit(limit).
		Scan(ctx, &ids)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ids, nil
}

type repoTx struct {
	tx bun.Tx
}

func (t *repoTx) LockAccount(ctx context.Context, userID string) (*AccountState, error) {
	var acc AccountState
	err := t.tx.NewSelect().
		Model(&acc).
		Where("user_id = ?", userID).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &acc, nil
}

func (t *repoTx) SaveAccount(ctx context.Context, acc *AccountState) error {
	_, err := t.tx.NewUpdate().
		Model(acc).
		Column("balance", "low_balance_notified_at").
		Set("updated_at = ?", time.Now()).
		WherePK().
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (t *repoTx) EntryByKey(ctx context.Context, key string) (*LedgerEntry, error) {
	var e LedgerEntry
	if err := t.tx.NewSelect().Model(&e).Where("idempotency_key = ?", key).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &e, nil
}

func (t *repoTx) EntriesByReference(ctx context.Context, reference string) ([]LedgerEntry, error) {
	return entriesByReference(ctx, t.tx, reference)
}

func (t *repoTx) InsertEntry(ctx context.Context, e *LedgerEntry) error {
	if _, err := t.tx.NewInsert().Model(e).Exec(ctx); err != nil {
		if database.IsUniqueViolation(err, "ledger_entries_idempotency_key_key") {
			return errDuplicateKey
		}
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (t *repoTx) ReservationByKey(ctx context.Context, key string) (*Reservation, error) {
	var res Reservation
	if err := t.tx.NewSelect().Model(&res).Where("idempotency_key = ?", key).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &res, nil
}

func (t *repoTx) LockReservation(ctx context.Context, id string) (*Reservation, error) {
	var res Reservation
	if err := t.tx.NewSelect().Model(&res).Where("id = ?", id).For("UPDATE").Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &res, nil
}

func (t *repoTx) InsertReservation(ctx context.Context, r *Reservation) error {
	if _, err := t.tx.NewInsert().Model(r).Exec(ctx); err != nil {
		if database.IsUniqueViolation(err, "reservations_idempotency_key_key") {
			return errDuplicateKey
		}
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

func (t *repoTx) UpdateReservation(ctx context.Context, r *Reservation) error {
	_, err := t.tx.NewUpdate().
		Model(r).
		Column("status", "settled_amount", "closed_at", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}
