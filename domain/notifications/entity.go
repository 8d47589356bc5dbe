package notifications

import (
	"time"

	"github.com/uptrace/bun"
)

// Template names
const (
	TemplateLowBalance      = "low_balance"
	TemplatePurchaseReceipt = "purchase_receipt"
	TemplateWelcome         = "welcome"
)

// Job is a queued email (billing.notification_jobs).
type Job struct {
	bun.BaseModel `bun:"table:billing.notification_jobs,alias:nj"`

	ID           string         `bun:"id,pk,type:uuid"`
	UserID       string         `bun:"user_id,notnull"`
	Template     string         `bun:"template,notnull"`
	ToEmail      string         `bun:"to_email,notnull"`
	ToName       string         `bun:"to_name,notnull"`
	Subject      string         `bun:"subject,notnull"`
	Data         map[string]any `bun:"data,type:jsonb,notnull"`
	DedupeKey    *string        `bun:"dedupe_key"`
	Status       string         `bun:"status,notnull"`
	Priority     int            `bun:"priority,notnull"`
	AttemptCount int            `bun:"attempt_count,notnull"`
	LastError    *string        `bun:"last_error"`
	MailgunID    *string        `bun:"mailgun_id"`
	ScheduledAt  time.Time      `bun:"scheduled_at,notnull,default:current_timestamp"`
	CreatedAt    time.Time      `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt    time.Time      `bun:"updated_at,notnull,default:current_timestamp"`
}

// EnqueueParams describes one email.
type EnqueueParams struct {
	UserID   string
	Template string
	ToEmail  string
	ToName   string
	Subject  string
	Data     map[string]any
	// DedupeKey makes Enqueue a no-op when a job with the same key exists.
	DedupeKey string
	Priority  int
}
