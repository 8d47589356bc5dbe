package accounts

import (
	"context"
	"log/slog"
	"strings"

	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// Store is the persistence used by Service. *Repository implements it.
type Store interface {
	Insert(ctx context.Context, acc *Account) (bool, error)
	GetByID(ctx context.Context, userID string) (*Account, error)
	GetByStripeCustomer(ctx context.Context, customerID string) (*Account, error)
	GetBySubscription(ctx context.Context, subscriptionID string) (*Account, error)
	SetStripeCustomer(ctx context.Context, userID, customerID string) (bool, error)
	UpdateProfile(ctx context.Context, userID, email, firstName, lastName string) error
	UpdateSubscription(ctx context.Context, userID string, u SubscriptionUpdate) error
	SoftDelete(ctx context.Context, userID string) (bool, error)
}

// Service manages billing accounts.
type Service struct {
	store Store
	log   *slog.Logger
}

func NewService(store Store, log *slog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With(logger.Scope("accounts.svc")),
	}
}

// Ensure returns the account for p.UserID, creating it first when missing.
// Both the Clerk and Stripe webhooks call it, in either order.
func (s *Service) Ensure(ctx context.Context, p EnsureParams) (*Account, bool, error) {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return nil, false, apperror.NewBadRequest("user id is required")
	}

	created, err := s.store.Insert(ctx, &Account{
		UserID:    p.UserID,
		Email:     p.Email,
		FirstName: p.FirstName,
		LastName:  p.LastName,
	})
	if err != nil {
		return nil, false, err
	}

	acc, err := s.store.GetByID(ctx, p.UserID)
	if err != nil {
		return nil, false, err
	}
	if acc == nil {
		return nil, false, apperror.NewInternal("account vanished after insert", nil)
	}

	if created {
		s.log.Info("account created", slog.String("user_id", p.UserID))
	} else if acc.Email == "" && p.Email != "" {
		// Created by a payment event first; fill in the profile now.
		if err := s.store.UpdateProfile(ctx, p.UserID, p.Email, p.FirstName, p.LastName); err != nil {
			return nil, false, err
		}
		acc.Email, acc.FirstName, acc.LastName = p.Email, p.FirstName, p.LastName
	}
	return acc, created, nil
}

// Get returns the account or ErrAccountNotFound.
func (s *Service) Get(ctx context.Context, userID string) (*Account, error) {
	acc, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, apperror.ErrAccountNotFound
	}
	return acc, nil
}

// Find returns the account or nil.
func (s *Service) Find(ctx context.Context, userID string) (*Account, error) {
	return s.store.GetByID(ctx, userID)
}

// FindByStripeCustomer returns the account linked to customerID or nil.
func (s *Service) FindByStripeCustomer(ctx context.Context, customerID string) (*Account, error) {
	if customerID == "" {
		return nil, nil
	}
	return s.store.GetByStripeCustomer(ctx, customerID)
}

// FindBySubscription returns the account holding subscriptionID or nil.
func (s *Service) FindBySubscription(ctx context.Context, subscriptionID string) (*Account, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	return s.store.GetBySubscription(ctx, subscriptionID)
}

// LinkStripeCustomer associates customerID with the user. Relinking the
// same pair is a no-op; moving a customer between users is refused.
func (s *Service) LinkStripeCustomer(ctx context.Context, userID, customerID string) error {
	if customerID == "" {
		return nil
	}
	ok, err := s.store.SetStripeCustomer(ctx, userID, customerID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	owner, err := s.store.GetByStripeCustomer(ctx, customerID)
	if err != nil {
		return err
	}
	if owner != nil && owner.UserID == userID {
		return nil
	}
	s.log.Warn("refusing to relink stripe customer",
		slog.String("user_id", userID),
		slog.String("customer_id", customerID))
	return apperror.ErrConflict.WithMessage("stripe customer is linked to another account")
}

func (s *Service) UpdateProfile(ctx context.Context, userID, email, firstName, lastName string) error {
	return s.store.UpdateProfile(ctx, userID, email, firstName, lastName)
}

func (s *Service) UpdateSubscription(ctx context.Context, userID string, u SubscriptionUpdate) error {
	if err := s.store.UpdateSubscription(ctx, userID, u); err != nil {
		return err
	}
	s.log.Info("subscription updated",
		slog.String("user_id", userID),
		slog.String("subscription_id", u.SubscriptionID),
		slog.String("status", u.Status),
		slog.String("plan_id", u.PlanID))
	return nil
}

// SoftDelete marks the account deleted. Deleting twice is a no-op.
func (s *Service) SoftDelete(ctx context.Context, userID string) error {
	deleted, err := s.store.SoftDelete(ctx, userID)
	if err != nil {
		return err
	}
	if deleted {
		s.log.Info("account deleted", slog.String("user_id", userID))
	}
	return nil
}
