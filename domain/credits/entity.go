package credits

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/uptrace/bun"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindSignupBonus  Kind = "signup_bonus"
	KindPurchase     Kind = "purchase"
	KindSubscription Kind = "subscription"
	KindGrant        Kind = "grant"
	KindConsume      Kind = "consume"
	KindHold         Kind = "hold"
	KindRelease      Kind = "release"
	KindRefund       Kind = "refund"
	KindAdjustment   Kind = "adjustment"
)

// Source names the system that caused an entry.
type Source string

const (
	SourceClerk  Source = "clerk"
	SourceStripe Source = "stripe"
	SourceUsage  Source = "usage"
	SourceAdmin  Source = "admin"
)

// LedgerEntry is one immutable balance movement (billing.ledger_entries).
type LedgerEntry struct {
	bun.BaseModel `bun:"table:billing.ledger_entries,alias:le"`

	ID             string         `bun:"id,pk,type:uuid" json:"id"`
	UserID         string         `bun:"user_id,notnull" json:"userId"`
	Amount         int64          `bun:"amount,notnull" json:"amount"`
	BalanceAfter   int64          `bun:"balance_after,notnull" json:"balanceAfter"`
	Kind           Kind           `bun:"kind,notnull" json:"kind"`
	Source         Source         `bun:"source,notnull" json:"source"`
	IdempotencyKey string         `bun:"idempotency_key,notnull" json:"idempotencyKey"`
	Reference      string         `bun:"reference,notnull" json:"reference,omitempty"`
	Description    string         `bun:"description,notnull" json:"description,omitempty"`
	Metadata       map[string]any `bun:"metadata,type:jsonb,notnull" json:"metadata,omitempty"`
	CreatedAt      time.Time      `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
}

// ReservationStatus is the lifecycle state of a hold.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationSettled  ReservationStatus = "settled"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Reservation holds credits for an operation whose final cost is only
// known when it completes (billing.reservations).
type Reservation struct {
	bun.BaseModel `bun:"table:billing.reservations,alias:r"`

	ID             string            `bun:"id,pk,type:uuid" json:"id"`
	UserID         string            `bun:"user_id,notnull" json:"userId"`
	Amount         int64             `bun:"amount,notnull" json:"amount"`
	SettledAmount  *int64            `bun:"settled_amount" json:"settledAmount,omitempty"`
	Status         ReservationStatus `bun:"status,notnull" json:"status"`
	IdempotencyKey string            `bun:"idempotency_key,notnull" json:"idempotencyKey"`
	Description    string            `bun:"description,notnull" json:"description,omitempty"`
	ExpiresAt      time.Time         `bun:"expires_at,notnull" json:"expiresAt"`
	ClosedAt       *time.Time        `bun:"closed_at" json:"closedAt,omitempty"`
	CreatedAt      time.Time         `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt      time.Time         `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`
}

// AccountState is the slice of billing.accounts the ledger reads and
// writes under a row lock.
type AccountState struct {
	bun.BaseModel `bun:"table:billing.accounts,alias:acc"`

	UserID               string     `bun:"user_id,pk"`
	Email                string     `bun:"email"`
	Balance              int64      `bun:"balance"`
	LowBalanceNotifiedAt *time.Time `bun:"low_balance_notified_at"`
	DeletedAt            *time.Time `bun:"deleted_at"`
}

// GrantRequest adds credits.
type GrantRequest struct {
	UserID         string
	Amount         int64
	Kind           Kind
	Source         Source
	IdempotencyKey string
	Reference      string
	Description    string
	Metadata       map[string]any
}

// ConsumeRequest debits credits for completed usage.
type ConsumeRequest struct {
	UserID         string         `json:"-"`
	Amount         int64          `json:"amount"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Description    string         `json:"description"`
	Metadata       map[string]any `json:"metadata"`
}

// ClawbackRequest removes previously granted credits, never taking the
// balance below zero. For ClawbackTo, Amount is the cumulative total owed
// back against Reference.
type ClawbackRequest struct {
	UserID         string
	Amount         int64
	IdempotencyKey string
	Reference      string
	Description    string
	Metadata       map[string]any
}

// ReserveRequest holds credits ahead of metered work.
type ReserveRequest struct {
	UserID         string
	Amount         int64
	IdempotencyKey string
	Description    string
	TTL            time.Duration
	// Metadata is copied onto the hold entry.
	Metadata map[string]any
}

// Result is the outcome of a balance mutation.
type Result struct {
	Entry     *LedgerEntry `json:"entry,omitempty"`
	Balance   int64        `json:"balance"`
	Duplicate bool         `json:"duplicate"`
}

// ReservationResult is the outcome of a reservation transition.
type ReservationResult struct {
	Reservation *Reservation `json:"reservation"`
	Balance     int64        `json:"balance"`
	Duplicate   bool         `json:"duplicate"`
	// Shortfall is usage that could not be charged because the balance ran out.
	Shortfall int64 `json:"shortfall,omitempty"`
}

// Validation answers whether a user can afford an operation.
type Validation struct {
	Allowed   bool  `json:"allowed"`
	Balance   int64 `json:"balance"`
	Required  int64 `json:"required"`
	Shortfall int64 `json:"shortfall"`
}

// LedgerCursor positions a ledger page strictly before the entry with
// this (CreatedAt, ID). An empty ID compares on CreatedAt alone.
type LedgerCursor struct {
	CreatedAt time.Time
	ID        string
}

// LedgerPage is a page of entries, newest first. NextBefore and
// NextBeforeID are set when another page may follow.
type LedgerPage struct {
	Entries      []LedgerEntry `json:"entries"`
	NextBefore   *time.Time    `json:"nextBefore,omitempty"`
	NextBeforeID string        `json:"nextBeforeId,omitempty"`
}

// metaInt reads an integer from entry metadata. Values read back from
// jsonb arrive as float64.
func metaInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}
