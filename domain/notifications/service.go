package notifications

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emergent-company/agentbilling/domain/credits"
	"github.com/emergent-company/agentbilling/domain/plans"
	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/internal/jobs"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// Service queues billing emails. It implements credits.Notifier and
// clerk.Welcomer.
type Service struct {
	store   Store
	catalog *plans.Catalog
	appURL  string
	log     *slog.Logger
	now     func() time.Time
}

func NewService(store Store, catalog *plans.Catalog, cfg *config.Config, log *slog.Logger) *Service {
	return &Service{
		store:   store,
		catalog: catalog,
		appURL:  strings.TrimRight(cfg.Email.AppURL, "/"),
		log:     log.With(logger.Scope("notifications.svc")),
		now:     time.Now,
	}
}

// Enqueue stores a job unless its dedupe key was already used. It reports
// whether a job was created.
func (s *Service) Enqueue(ctx context.Context, p EnqueueParams) (bool, error) {
	if strings.TrimSpace(p.ToEmail) == "" {
		return false, apperror.NewBadRequest("recipient email is required")
	}
	data := map[string]any{}
	for k, v := range p.Data {
		data[k] = v
	}
	data["subject"] = p.Subject
	data["appUrl"] = s.appURL
	if _, ok := data["name"]; !ok {
		data["name"] = p.ToName
	}

	job := &Job{
		ID:       uuid.NewString(),
		UserID:   p.UserID,
		Template: p.Template,
		ToEmail:  p.ToEmail,
		ToName:   p.ToName,
		Subject:  p.Subject,
		Data:     data,
		Status:   "pending",
		Priority: p.Priority,
	}
	if p.DedupeKey != "" {
		key := p.DedupeKey
		job.DedupeKey = &key
	}

	created, err := s.store.Insert(ctx, job)
	if err != nil {
		return false, err
	}
	if !created {
		s.log.Debug("email already queued", slog.String("dedupe_key", p.DedupeKey))
		return false, nil
	}
	s.log.Debug("email queued",
		slog.String("job_id", job.ID),
		slog.String("template", p.Template),
		slog.String("user_id", p.UserID))
	return true, nil
}

// EnqueueLowBalance warns that the balance fell below threshold. One
// warning per user per hour at most.
func (s *Service) EnqueueLowBalance(ctx context.Context, userID, email, name string, balance, threshold int64) error {
	_, err := s.Enqueue(ctx, EnqueueParams{
		UserID:   userID,
		Template: TemplateLowBalance,
		ToEmail:  email,
		ToName:   name,
		Subject:  "Your credit balance is running low",
		Data: map[string]any{
			"balance":   balance,
			"threshold": threshold,
			"ctaUrl":    s.link("/billing"),
			"ctaText":   "Buy credits",
		},
		DedupeKey: "low_balance:" + userID + ":" + s.now().UTC().Format("2006-01-02T15"),
		Priority:  1,
	})
	return err
}

// EnqueuePurchaseReceipt confirms credits bought or renewed. The ledger
// entry id is the dedupe key.
func (s *Service) EnqueuePurchaseReceipt(ctx context.Context, userID, email, name string, entry *credits.LedgerEntry, balance int64) error {
	data := map[string]any{
		"credits":   entry.Amount,
		"balance":   balance,
		"reference": entry.Reference,
		"ctaUrl":    s.link("/billing"),
		"ctaText":   "View billing",
	}
	if plan := s.planName(entry); plan != "" {
		data["plan"] = plan
	}
	_, err := s.Enqueue(ctx, EnqueueParams{
		UserID:    userID,
		Template:  TemplatePurchaseReceipt,
		ToEmail:   email,
		ToName:    name,
		Subject:   "Your credits have been added",
		Data:      data,
		DedupeKey: "receipt:" + entry.ID,
	})
	return err
}

// EnqueueWelcome greets a new user once.
func (s *Service) EnqueueWelcome(ctx context.Context, userID, email, name string, bonus int64) error {
	_, err := s.Enqueue(ctx, EnqueueParams{
		UserID:   userID,
		Template: TemplateWelcome,
		ToEmail:  email,
		ToName:   name,
		Subject:  "Welcome! Your credits are ready",
		Data: map[string]any{
			"bonus":   bonus,
			"ctaUrl":  s.link("/dashboard"),
			"ctaText": "Open dashboard",
		},
		DedupeKey: "welcome:" + userID,
	})
	return err
}

// LowBalance implements credits.Notifier.
func (s *Service) LowBalance(ctx context.Context, userID, email string, balance, threshold int64) error {
	if email == "" {
		s.log.Debug("low balance not emailed, account has no email", slog.String("user_id", userID))
		return nil
	}
	return s.EnqueueLowBalance(ctx, userID, email, "", balance, threshold)
}

// CreditsAdded implements credits.Notifier. Only paid credits get a
// receipt.
func (s *Service) CreditsAdded(ctx context.Context, userID, email string, entry *credits.LedgerEntry, balance int64) error {
	if email == "" || entry == nil {
		return nil
	}
	if entry.Kind != credits.KindPurchase && entry.Kind != credits.KindSubscription {
		return nil
	}
	return s.EnqueuePurchaseReceipt(ctx, userID, email, "", entry, balance)
}

// Stats returns queue counters.
func (s *Service) Stats(ctx context.Context) (*jobs.Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) planName(entry *credits.LedgerEntry) string {
	if id, ok := entry.Metadata["plan_id"].(string); ok {
		if sub, ok := s.catalog.SubscriptionByID(id); ok {
			return sub.Name
		}
	}
	if id, ok := entry.Metadata["pack_id"].(string); ok {
		if p, ok := s.catalog.PackByID(id); ok {
			return p.Name
		}
	}
	return ""
}

func (s *Service) link(path string) string {
	u, err := url.Parse(s.appURL)
	if err != nil || s.appURL == "" {
		return path
	}
	return u.JoinPath(path).String()
}
