package credits

import (
	"context"
	"time"
)

// Tx is the set of ledger operations available inside one transaction.
// LockAccount and LockReservation take row locks held until commit, which
// serialises every mutation of a user's balance.
type Tx interface {
	LockAccount(ctx context.Context, userID string) (*AccountState, error)
	SaveAccount(ctx context.Context, acc *AccountState) error
	EntryByKey(ctx context.Context, key string) (*LedgerEntry, error)
	EntriesByReference(ctx context.Context, reference string) ([]LedgerEntry, error)
	InsertEntry(ctx context.Context, e *LedgerEntry) error
	ReservationByKey(ctx context.Context, key string) (*Reservation, error)
	LockReservation(ctx context.Context, id string) (*Reservation, error)
	InsertReservation(ctx context.Context, r *Reservation) error
	UpdateReservation(ctx context.Context, r *Reservation) error
}

// Store is the ledger persistence. *Repository implements it on Postgres.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Balance(ctx context.Context, userID string) (balance int64, found bool, err error)
	ListEntries(ctx context.Context, userID string, limit int, before *LedgerCursor) ([]LedgerEntry, error)
	EntriesByReference(ctx context.Context, reference string) ([]LedgerEntry, error)
	EntriesBetween(ctx context.Context, from, to time.Time, afterID string, limit int) ([]LedgerEntry, error)
	GetReservation(ctx context.Context, id string) (*Reservation, error)
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error)
}
