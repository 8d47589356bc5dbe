package clerk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/domain/accounts"
	"github.com/emergent-company/agentbilling/domain/credits"
	"github.com/emergent-company/agentbilling/domain/plans"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// Accounts is implemented by *accounts.Service.
type Accounts interface {
	Ensure(ctx context.Context, p accounts.EnsureParams) (*accounts.Account, bool, error)
	UpdateProfile(ctx context.Context, userID, email, firstName, lastName string) error
	SoftDelete(ctx context.Context, userID string) error
}

// Ledger is implemented by *credits.Service.
type Ledger interface {
	Grant(ctx context.Context, req credits.GrantRequest) (*credits.Result, error)
}

// Welcomer queues the welcome email. Optional.
type Welcomer interface {
	EnqueueWelcome(ctx context.Context, userID, email, name string, bonus int64) error
}

// ServiceParams are the Service dependencies.
type ServiceParams struct {
	fx.In

	Accounts Accounts
	Ledger   Ledger
	Catalog  *plans.Catalog
	Welcomer Welcomer `optional:"true"`
	Log      *slog.Logger
}

// Service mirrors Clerk user lifecycle events into billing accounts.
type Service struct {
	accounts Accounts
	ledger   Ledger
	catalog  *plans.Catalog
	welcomer Welcomer
	log      *slog.Logger
}

func NewService(p ServiceParams) *Service {
	return &Service{
		accounts: p.Accounts,
		ledger:   p.Ledger,
		catalog:  p.Catalog,
		welcomer: p.Welcomer,
		log:      p.Log.With(logger.Scope("clerk.svc")),
	}
}

// HandleEvent applies a verified Clerk event.
func (s *Service) HandleEvent(ctx context.Context, evt *Event) error {
	switch evt.Type {
	case "user.created", "user.updated", "user.deleted":
	default:
		s.log.Debug("clerk event ignored", slog.String("type", evt.Type))
		return nil
	}

	var u User
	if err := json.Unmarshal(evt.Data, &u); err != nil {
		return fmt.Errorf("decode clerk user: %w", err)
	}
	u.ID = strings.TrimSpace(u.ID)
	if u.ID == "" {
		s.log.Warn("clerk event without user id", slog.String("type", evt.Type))
		return nil
	}

	switch evt.Type {
	case "user.created":
		return s.userCreated(ctx, u)
	case "user.updated":
		return s.userUpdated(ctx, u)
	default:
		return s.accounts.SoftDelete(ctx, u.ID)
	}
}

func (s *Service) userCreated(ctx context.Context, u User) error {
	first, last := u.names()
	email := u.PrimaryEmail()
	if _, _, err := s.accounts.Ensure(ctx, accounts.EnsureParams{
		UserID:    u.ID,
		Email:     email,
		FirstName: first,
		LastName:  last,
	}); err != nil {
		return err
	}

	bonus := s.catalog.SignupBonus
	if bonus > 0 {
		res, err := s.ledger.Grant(ctx, credits.GrantRequest{
			UserID:         u.ID,
			Amount:         bonus,
			Kind:           credits.KindSignupBonus,
			Source:         credits.SourceClerk,
			IdempotencyKey: "clerk:signup:" + u.ID,
			Description:    "Welcome bonus",
		})
		if err != nil {
			return err
		}
		if res.Duplicate {
			return nil
		}
	}

	if s.welcomer != nil && email != "" {
		name := strings.TrimSpace(first + " " + last)
		if err := s.welcomer.EnqueueWelcome(ctx, u.ID, email, name, bonus); err != nil {
			s.log.Warn("welcome email not queued", slog.String("user_id", u.ID), logger.Error(err))
		}
	}
	return nil
}

func (s *Service) userUpdated(ctx context.Context, u User) error {
	first, last := u.names()
	email := u.PrimaryEmail()
	if _, _, err := s.accounts.Ensure(ctx, accounts.EnsureParams{
		UserID:    u.ID,
		Email:     email,
		FirstName: first,
		LastName:  last,
	}); err != nil {
		return err
	}
	return s.accounts.UpdateProfile(ctx, u.ID, email, first, last)
}
