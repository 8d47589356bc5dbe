package accounts

import (
	"time"

	"github.com/uptrace/bun"
)

// Account is the billing profile of a Clerk user (billing.accounts).
type Account struct {
	bun.BaseModel `bun:"table:billing.accounts,alias:acc"`

	UserID               string     `bun:"user_id,pk"`
	Email                string     `bun:"email,notnull"`
	FirstName            string     `bun:"first_name,notnull"`
	LastName             string     `bun:"last_name,notnull"`
	StripeCustomerID     *string    `bun:"stripe_customer_id"`
	PlanID               string     `bun:"plan_id,notnull"`
	SubscriptionID       string     `bun:"subscription_id,notnull"`
	SubscriptionStatus   string     `bun:"subscription_status,notnull"`
	CurrentPeriodEnd     *time.Time `bun:"current_period_end"`
	Balance              int64      `bun:"balance,notnull"`
	LowBalanceNotifiedAt *time.Time `bun:"low_balance_notified_at"`
	CreatedAt            time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt            time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	DeletedAt            *time.Time `bun:"deleted_at"`
}

// IsDeleted reports whether the Clerk user was deleted.
func (a *Account) IsDeleted() bool {
	return a.DeletedAt != nil
}

// CustomerID returns the linked Stripe customer or "".
func (a *Account) CustomerID() string {
	if a.StripeCustomerID == nil {
		return ""
	}
	return *a.StripeCustomerID
}

// DisplayName joins first and last name.
func (a *Account) DisplayName() string {
	switch {
	case a.FirstName != "" && a.LastName != "":
		return a.FirstName + " " + a.LastName
	case a.FirstName != "":
		return a.FirstName
	default:
		return a.LastName
	}
}

// EnsureParams creates an account when none exists.
type EnsureParams struct {
	UserID    string
	Email     string
	FirstName string
	LastName  string
}

// SubscriptionUpdate carries the Stripe subscription state to persist.
type SubscriptionUpdate struct {
	SubscriptionID   string
	Status           string
	PlanID           string
	CurrentPeriodEnd *time.Time
}

// AccountDTO is the response for GET /api/account
type AccountDTO struct {
	UserID             string     `json:"userId"`
	Email              string     `json:"email"`
	Name               string     `json:"name,omitempty"`
	Balance            int64      `json:"balance"`
	PlanID             string     `json:"planId,omitempty"`
	SubscriptionStatus string     `json:"subscriptionStatus,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty"`
	HasBillingPortal   bool       `json:"hasBillingPortal"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// ToDTO converts an Account to its response form.
func (a *Account) ToDTO() AccountDTO {
	return AccountDTO{
		UserID:             a.UserID,
		Email:              a.Email,
		Name:               a.DisplayName(),
		Balance:            a.Balance,
		PlanID:             a.PlanID,
		SubscriptionStatus: a.SubscriptionStatus,
		CurrentPeriodEnd:   a.CurrentPeriodEnd,
		HasBillingPortal:   a.StripeCustomerID != nil,
		CreatedAt:          a.CreatedAt,
	}
}
