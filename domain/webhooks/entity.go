package webhooks

import (
	"time"

	"github.com/uptrace/bun"
)

// Status is the processing state of a delivered event.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Providers whose deliveries are deduplicated.
const (
	ProviderStripe = "stripe"
	ProviderClerk  = "clerk"
)

// Event records one provider delivery (billing.webhook_events).
type Event struct {
	bun.BaseModel `bun:"table:billing.webhook_events,alias:we"`

	Provider    string     `bun:"provider,pk"`
	EventID     string     `bun:"event_id,pk"`
	EventType   string     `bun:"event_type,notnull"`
	Status      Status     `bun:"status,notnull"`
	Attempts    int        `bun:"attempts,notnull"`
	LastError   *string    `bun:"last_error"`
	LockedAt    *time.Time `bun:"locked_at"`
	ProcessedAt *time.Time `bun:"processed_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
}
