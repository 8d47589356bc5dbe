package accounts

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

// Repository handles data access for billing accounts
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("accounts.repo")),
	}
}

// Insert creates the account unless one exists. It reports whether a row
// was inserted.
func (r *Repository) Insert(ctx context.Context, acc *Account) (bool, error) {
	res, err := r.db.NewInsert().
		Model(acc).
		Column("user_id", "email", "first_name", "last_name").
		On("CONFLICT (user_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *Repository) findOne(ctx context.Context, column, value string) (*Account, error) {
	var acc Account
	err := r.db.NewSelect().
		Model(&acc).
		Where("? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &acc, nil
}

// GetByID returns the account or nil.
func (r *Repository) GetByID(ctx context.Context, userID string) (*Account, error) {
	return r.findOne(ctx, "user_id", userID)
}

// GetByStripeCustomer returns the account linked to customerID or nil.
func (r *Repository) GetByStripeCustomer(ctx context.Context, customerID string) (*Account, error) {
	return r.findOne(ctx, "stripe_customer_id", customerID)
}

// GetBySubscription returns the account holding subscriptionID or nil.
func (r *Repository) GetBySubscription(ctx context.Context, subscriptionID string) (*Account, error) {
	return r.findOne(ctx, "subscription_id", subscriptionID)
}

// SetStripeCustomer links customerID when the account has no customer yet.
// It reports whether the account now holds exactly that customer.
func (r *Repository) SetStripeCustomer(ctx context.Context, userID, customerID string) (bool, error) {
	res, err := r.db.NewUpdate().
		Model((*Account)(nil)).
		Set("stripe_customer_id = ?", customerID).
		Set("updated_at = ?", time.Now()).
		Where("user_id = ?", userID).
		Where("stripe_customer_id IS NULL OR stripe_customer_id = ?", customerID).
		Exec(ctx)
	if err != nil {
		if database.IsUniqueViolation(err, "accounts_stripe_customer_id_key") {
			return false, nil
		}
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateProfile overwrites the non-empty profile fields.
func (r *Repository) UpdateProfile(ctx context.Context, userID, email, firstName, lastName string) error {
	q := r.db.NewUpdate().
		Model((*Account)(nil)).
		Set("first_name = ?", firstName).
		Set("last_name = ?", lastName).
		Set("updated_at = ?", time.Now()).
		Where("user_id = ?", userID)
	if email != "" {
		q = q.Set("email = ?", email)
	}
	if _, err := q.Exec(ctx); err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// UpdateSubscription stores the subscription state.
func (r *Repository) UpdateSubscription(ctx context.Context, userID string, u SubscriptionUpdate) error {
	_, err := r.db.NewUpdate().
		Model((*Account)(nil)).
		Set("subscription_id = ?", u.SubscriptionID).
		Set("subscription_status = ?", u.Status).
		Set("plan_id = ?", u.PlanID).
		Set("current_period_end = COALESCE(?, current_period_end)", u.CurrentPeriodEnd).
		Set("updated_at = ?", time.Now()).
		Where("user_id = ?", userID).
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// SoftDelete marks the account deleted. The ledger is kept.
func (r *Repository) SoftDelete(ctx context.Context, userID string) (bool, error) {
	res, err := r.db.NewUpdate().
		Model((*Account)(nil)).
		Set("deleted_at = ?", time.Now()).
		Set("updated_at = ?", time.Now()).
		Where("user_id = ?", userID).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
