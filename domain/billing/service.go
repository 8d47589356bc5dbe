package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stripe/stripe-go/v82"
	"go.opentelemetry.io/otel/attribute"

	"github.com/emergent-company/agentbilling/domain/accounts"
	"github.com/emergent-company/agentbilling/domain/credits"
	"github.com/emergent-company/agentbilling/domain/plans"
	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/logger"
	"github.com/emergent-company/agentbilling/pkg/tracing"
)

var stripeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentbilling",
	Subsystem: "billing",
	Name:      "stripe_events_total",
	Help:      "Stripe events handled, by type and result.",
}, []string{"type", "result"})

// Accounts is the account surface billing needs. *accounts.Service
// implements it.
type Accounts interface {
	Ensure(ctx context.Context, p accounts.EnsureParams) (*accounts.Account, bool, error)
	Find(ctx context.Context, userID string) (*accounts.Account, error)
	FindByStripeCustomer(ctx context.Context, customerID string) (*accounts.Account, error)
	FindBySubscription(ctx context.Context, subscriptionID string) (*accounts.Account, error)
	LinkStripeCustomer(ctx context.Context, userID, customerID string) error
	UpdateSubscription(ctx context.Context, userID string, u accounts.SubscriptionUpdate) error
}

// Ledger is the credit surface billing needs. *credits.Service implements it.
type Ledger interface {
	Grant(ctx context.Context, req credits.GrantRequest) (*credits.Result, error)
	ClawbackTo(ctx context.Context, req credits.ClawbackRequest) (*credits.Result, error)
	EntriesByReference(ctx context.Context, reference string) ([]credits.LedgerEntry, error)
}

// Service turns Stripe events into account and ledger changes, and starts
// checkout and portal sessions.
type Service struct {
	accounts Accounts
	ledger   Ledger
	catalog  *plans.Catalog
	gateway  Gateway
	appURL   *url.URL
	log      *slog.Logger
}

func NewService(accts Accounts, ledger Ledger, catalog *plans.Catalog, gateway Gateway, cfg *config.Config, log *slog.Logger) *Service {
	appURL, err := url.Parse(cfg.Email.AppURL)
	if err != nil || appURL.Host == "" {
		appURL = nil
	}
	return &Service{
		accounts: accts,
		ledger:   ledger,
		catalog:  catalog,
		gateway:  gateway,
		appURL:   appURL,
		log:      log.With(logger.Scope("billing.svc")),
	}
}

// HandleEvent applies one verified Stripe event. Returning an error makes
// Stripe redeliver it; events that can never succeed are logged and
// acknowledged instead.
func (s *Service) HandleEvent(ctx context.Context, event *stripe.Event) error {
	ctx, span := tracing.Start(ctx, "billing.stripe_event",
		attribute.String("stripe.event_id", event.ID),
		attribute.String("stripe.event_type", string(event.Type)))
	defer span.End()

	err := s.dispatch(ctx, event)
	result := "ok"
	if err != nil {
		result = "error"
		tracing.RecordError(span, err)
	}
	stripeEvents.WithLabelValues(string(event.Type), result).Inc()
	return err
}

func (s *Service) dispatch(ctx context.Context, event *stripe.Event) error {
	if event.Data == nil {
		return fmt.Errorf("stripe event %s has no data", event.ID)
	}
	raw := event.Data.Raw

	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var cs checkoutSession
		if err := json.Unmarshal(raw, &cs); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return s.handleCheckout(ctx, cs)

	case "checkout.session.async_payment_failed":
		var cs checkoutSession
		if err := json.Unmarshal(raw, &cs); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		s.log.Warn("async checkout payment failed",
			slog.String("session_id", cs.ID),
			slog.String("customer_id", cs.Customer.String()))
		return nil

	case "invoice.paid", "invoice.payment_succeeded":
		var inv invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		return s.handleInvoicePaid(ctx, inv)

	case "customer.subscription.created", "customer.subscription.updated":
		var sub subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleSubscription(ctx, sub, false)

	case "customer.subscription.deleted":
		var sub subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleSubscription(ctx, sub, true)

	case "charge.refunded":
		var ch charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return fmt.Errorf("decode charge: %w", err)
		}
		return s.handleRefund(ctx, ch)

	default:
		s.log.Debug("stripe event ignored",
			slog.String("event_id", event.ID),
			slog.String("type", string(event.Type)))
		return nil
	}
}

// resolveUser finds the Clerk user a payment belongs to. Server-set
// linkage (metadata, client_reference_id) wins over the customer link.
func (s *Service) resolveUser(ctx context.Context, md map[string]string, clientRef, customerID, subscriptionID string) (string, error) {
	if id := strings.TrimSpace(md["user_id"]); id != "" {
		return id, nil
	}
	if id := strings.TrimSpace(clientRef); id != "" {
		return id, nil
	}
	if acc, err := s.accounts.FindByStripeCustomer(ctx, customerID); err != nil {
		return "", err
	} else if acc != nil {
		return acc.UserID, nil
	}
	if acc, err := s.accounts.FindBySubscription(ctx, subscriptionID); err != nil {
		return "", err
	} else if acc != nil {
		return acc.UserID, nil
	}
	return "", nil
}

func (s *Service) handleCheckout(ctx context.Context, cs checkoutSession) error {
	customerID := cs.Customer.String()
	userID, err := s.resolveUser(ctx, cs.Metadata, cs.ClientReferenceID, customerID, cs.Subscription.String())
	if err != nil {
		return err
	}
	if userID == "" {
		s.log.Warn("checkout session has no user linkage, not provisioning",
			slog.String("session_id", cs.ID),
			slog.String("customer_id", customerID))
		return nil
	}

	// The payment may arrive before the Clerk user.created webhook.
	acc, _, err := s.accounts.Ensure(ctx, accounts.EnsureParams{UserID: userID, Email: cs.email()})
	if err != nil {
		return err
	}
	if err := s.accounts.LinkStripeCustomer(ctx, userID, customerID); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			s.log.Error("checkout customer belongs to another account",
				slog.String("session_id", cs.ID),
				slog.String("user_id", userID),
				slog.String("customer_id", customerID))
		} else {
			return err
		}
	}

	switch cs.Mode {
	case ModeSubscription:
		if acc.SubscriptionID == cs.Subscription.String() {
			// customer.subscription.* already synced it.
			return nil
		}
		planID := cs.Metadata["plan_id"]
		if _, ok := s.catalog.SubscriptionByID(planID); !ok {
			planID = ""
		}
		return s.accounts.UpdateSubscription(ctx, userID, accounts.SubscriptionUpdate{
			SubscriptionID: cs.Subscription.String(),
			Status:         string(stripe.SubscriptionStatusActive),
			PlanID:         planID,
		})

	case ModePayment:
		if cs.PaymentStatus != string(stripe.CheckoutSessionPaymentStatusPaid) {
			// Delayed payment methods settle with async_payment_succeeded.
			s.log.Info("checkout completed, payment pending",
				slog.String("session_id", cs.ID),
				slog.String("payment_status", cs.PaymentStatus))
			return nil
		}
		amount, packID := s.checkoutCredits(cs)
		if amount <= 0 {
			s.log.Error("paid checkout without a credit amount",
				slog.String("session_id", cs.ID),
				slog.String("user_id", userID))
			return nil
		}
		reference := cs.PaymentIntent.String()
		if reference == "" {
			reference = cs.ID
		}
		_, err := s.ledger.Grant(ctx, credits.GrantRequest{
			UserID:         userID,
			Amount:         amount,
			Kind:           credits.KindPurchase,
			Source:         credits.SourceStripe,
			IdempotencyKey: "stripe:checkout:" + cs.ID,
			Reference:      reference,
			Description:    "Credit pack purchase",
			Metadata: map[string]any{
				"session_id":   cs.ID,
				"pack_id":      packID,
				"amount_total": cs.AmountTotal,
				"currency":     cs.Currency,
			},
		})
		return err

	default:
		s.log.Info("checkout mode ignored", slog.String("session_id", cs.ID), slog.String("mode", cs.Mode))
		return nil
	}
}

// checkoutCredits prefers the credit count stamped on the session at
// creation; the pack is a fallback for sessions created elsewhere.
func (s *Service) checkoutCredits(cs checkoutSession) (int64, string) {
	packID := cs.Metadata["pack_id"]
	if n, ok := metaCredits(cs.Metadata); ok {
		return n, packID
	}
	if p, ok := s.catalog.PackByID(packID); ok {
		return p.Credits, packID
	}
	return 0, packID
}

func (s *Service) handleInvoicePaid(ctx context.Context, inv invoice) error {
	subID := inv.subscriptionID()
	if subID == "" {
		s.log.Debug("invoice without subscription ignored", slog.String("invoice_id", inv.ID))
		return nil
	}
	if inv.AmountPaid <= 0 {
		s.log.Info("zero-amount subscription invoice, no credits granted",
			slog.String("invoice_id", inv.ID),
			slog.String("billing_reason", inv.BillingReason))
		return nil
	}

	md := inv.metadata()
	customerID := inv.Customer.String()
	userID, err := s.resolveUser(ctx, md, "", customerID, subID)
	if err != nil {
		return err
	}
	if userID == "" {
		s.log.Warn("subscription invoice has no user linkage",
			slog.String("invoice_id", inv.ID),
			slog.String("subscription_id", subID),
			slog.String("customer_id", customerID))
		return nil
	}

	plan, ok, err := s.invoicePlan(ctx, inv, md, userID)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Error("subscription invoice matches no plan",
			slog.String("invoice_id", inv.ID),
			slog.Any("prices", inv.priceIDs()))
		return nil
	}

	if _, _, err := s.accounts.Ensure(ctx, accounts.EnsureParams{UserID: userID}); err != nil {
		return err
	}
	if err := s.accounts.LinkStripeCustomer(ctx, userID, customerID); err != nil && !errors.Is(err, apperror.ErrConflict) {
		return err
	}

	meta := map[string]any{
		"invoice_id":      inv.ID,
		"subscription_id": subID,
		"plan_id":         plan.ID,
		"billing_reason":  inv.BillingReason,
	}
	reference := inv.ID
	if pi := s.invoicePaymentIntent(ctx, inv); pi != "" {
		reference = pi
		meta["payment_intent"] = pi
	} else {
		s.log.Warn("subscription invoice has no payment intent, refunds will not be matched",
			slog.String("invoice_id", inv.ID))
	}

	_, err = s.ledger.Grant(ctx, credits.GrantRequest{
		UserID:         userID,
		Amount:         plan.MonthlyCredits,
		Kind:           credits.KindSubscription,
		Source:         credits.SourceStripe,
		IdempotencyKey: "stripe:invoice:" + inv.ID,
		Reference:      reference,
		Description:    plan.Name + " subscription credits",
		Metadata:       meta,
	})
	return err
}

// invoicePlan matches the invoice prices first, then the subscription
// metadata, then the plan already stored on the account.
func (s *Service) invoicePlan(ctx context.Context, inv invoice, md map[string]string, userID string) (plans.Subscription, bool, error) {
	for _, priceID := range inv.priceIDs() {
		if p, ok := s.catalog.SubscriptionByPrice(priceID); ok {
			return p, true, nil
		}
	}
	if p, ok := s.catalog.SubscriptionByID(md["plan_id"]); ok {
		return p, true, nil
	}
	acc, err := s.accounts.Find(ctx, userID)
	if err != nil {
		return plans.Subscription{}, false, err
	}
	if acc == nil {
		return plans.Subscription{}, false, nil
	}
	p, ok := s.catalog.SubscriptionByID(acc.PlanID)
	return p, ok, nil
}

// invoicePaymentIntent finds the payment intent that paid inv. Refunds
// arrive as charges carrying only the payment intent, so invoice grants
// are referenced by it. The invoice payload carries it on older API
// versions or when payments are included; otherwise it is looked up.
func (s *Service) invoicePaymentIntent(ctx context.Context, inv invoice) string {
	if pi := inv.paymentIntentID(); pi != "" {
		return pi
	}
	if s.gateway == nil {
		return ""
	}
	pi, err := s.gateway.InvoicePaymentIntent(ctx, inv.ID)
	if err != nil {
		s.log.Warn("invoice payment lookup failed",
			slog.String("invoice_id", inv.ID),
			logger.Error(err))
		return ""
	}
	return pi
}

func (s *Service) handleSubscription(ctx context.Context, sub subscription, deleted bool) error {
	customerID := sub.Customer.String()
	userID, err := s.resolveUser(ctx, sub.Metadata, "", customerID, sub.ID)
	if err != nil {
		return err
	}
	if userID == "" {
		s.log.Warn("subscription has no user linkage",
			slog.String("subscription_id", sub.ID),
			slog.String("customer_id", customerID))
		return nil
	}
	if _, _, err := s.accounts.Ensure(ctx, accounts.EnsureParams{UserID: userID}); err != nil {
		return err
	}
	if err := s.accounts.LinkStripeCustomer(ctx, userID, customerID); err != nil && !errors.Is(err, apperror.ErrConflict) {
		return err
	}

	u := accounts.SubscriptionUpdate{
		SubscriptionID: sub.ID,
		Status:         sub.Status,
	}
	if end := sub.periodEnd(); end > 0 {
		t := time.Unix(end, 0).UTC()
		u.CurrentPeriodEnd = &t
	}
	if deleted {
		u.Status = string(stripe.SubscriptionStatusCanceled)
	} else {
		for _, priceID := range sub.priceIDs() {
			if p, ok := s.catalog.SubscriptionByPrice(priceID); ok {
				u.PlanID = p.ID
				break
			}
		}
		if u.PlanID == "" {
			if p, ok := s.catalog.SubscriptionByID(sub.Metadata["plan_id"]); ok {
				u.PlanID = p.ID
			}
		}
	}
	return s.accounts.UpdateSubscription(ctx, userID, u)
}

// handleRefund claws back credits in proportion to the refunded amount.
// Stripe reports amount_refunded cumulatively; the ledger nets earlier
// partial refunds for the same payment under the account lock.
func (s *Service) handleRefund(ctx context.Context, ch charge) error {
	if ch.Amount <= 0 || ch.AmountRefunded <= 0 {
		return nil
	}

	reference := ch.PaymentIntent.String()
	var granted []credits.LedgerEntry
	if reference != "" {
		entries, err := s.ledger.EntriesByReference(ctx, reference)
		if err != nil {
			return err
		}
		granted = entries
	}

	var (
		userID    string
		purchased int64
	)
	for _, e := range granted {
		if e.Kind == credits.KindPurchase || e.Kind == credits.KindSubscription {
			purchased += e.Amount
			userID = e.UserID
		}
	}
	if purchased <= 0 {
		s.log.Warn("refund matches no credit grant",
			slog.String("charge_id", ch.ID),
			slog.String("payment_intent", reference))
		return nil
	}

	refunded := min(ch.AmountRefunded, ch.Amount)
	target := purchased * refunded / ch.Amount
	if target <= 0 {
		return nil
	}

	res, err := s.ledger.ClawbackTo(ctx, credits.ClawbackRequest{
		UserID:         userID,
		Amount:         target,
		IdempotencyKey: "stripe:refund:" + ch.ID + ":" + strconv.FormatInt(ch.AmountRefunded, 10),
		Reference:      reference,
		Description:    "Refund",
		Metadata: map[string]any{
			"charge_id":       ch.ID,
			"amount_refunded": ch.AmountRefunded,
			"amount":          ch.Amount,
		},
	})
	if err != nil {
		return err
	}
	if res.Entry == nil {
		s.log.Info("refund already reflected in ledger",
			slog.String("charge_id", ch.ID),
			slog.Int64("target", target))
		return nil
	}
	if short := metaInt(res.Entry.Metadata["shortfall"]); short > 0 {
		s.log.Warn("refund exceeded remaining balance",
			slog.String("user_id", userID),
			slog.String("charge_id", ch.ID),
			slog.Int64("shortfall", short))
	}
	return nil
}

// Checkout starts a Stripe Checkout session for a pack or plan.
func (s *Service) Checkout(ctx context.Context, userID, email string, req CheckoutRequest) (*CheckoutResponse, error) {
	if s.gateway == nil {
		return nil, apperror.ErrBillingUnavailable
	}

	params := CheckoutParams{
		UserID:   userID,
		Email:    email,
		Metadata: map[string]string{"user_id": userID},
	}
	switch {
	case req.PackID != "" && req.PlanID != "":
		return nil, apperror.NewBadRequest("choose either packId or planId")
	case req.PackID != "":
		pack, ok := s.catalog.PackByID(req.PackID)
		if !ok {
			return nil, apperror.NewNotFound("pack", req.PackID)
		}
		params.Mode = ModePayment
		params.PriceID = pack.StripePriceID
		params.Metadata["pack_id"] = pack.ID
		params.Metadata["credits"] = strconv.FormatInt(pack.Credits, 10)
	case req.PlanID != "":
		plan, ok := s.catalog.SubscriptionByID(req.PlanID)
		if !ok {
			return nil, apperror.NewNotFound("plan", req.PlanID)
		}
		params.Mode = ModeSubscription
		params.PriceID = plan.StripePriceID
		params.Metadata["plan_id"] = plan.ID
		params.Metadata["credits"] = strconv.FormatInt(plan.MonthlyCredits, 10)
	default:
		return nil, apperror.NewBadRequest("packId or planId is required")
	}

	var err error
	if params.SuccessURL, err = s.redirectURL(req.SuccessURL, "/billing?checkout=success"); err != nil {
		return nil, err
	}
	if params.CancelURL, err = s.redirectURL(req.CancelURL, "/billing?checkout=cancelled"); err != nil {
		return nil, err
	}

	acc, _, err := s.accounts.Ensure(ctx, accounts.EnsureParams{UserID: userID, Email: email})
	if err != nil {
		return nil, err
	}
	params.CustomerID = acc.CustomerID()
	if params.Email == "" {
		params.Email = acc.Email
	}

	res, err := s.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		return nil, apperror.ErrBillingUnavailable.WithInternal(err)
	}
	return res, nil
}

// Portal opens the Stripe billing portal for the user's customer.
func (s *Service) Portal(ctx context.Context, userID string, req PortalRequest) (*PortalResponse, error) {
	if s.gateway == nil {
		return nil, apperror.ErrBillingUnavailable
	}
	acc, err := s.accounts.Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc == nil || acc.CustomerID() == "" {
		return nil, apperror.ErrNotFound.WithMessage("no billing customer for this account")
	}
	returnURL, err := s.redirectURL(req.ReturnURL, "/billing")
	if err != nil {
		return nil, err
	}
	u, err := s.gateway.CreatePortalSession(ctx, acc.CustomerID(), returnURL)
	if err != nil {
		return nil, apperror.ErrBillingUnavailable.WithInternal(err)
	}
	return &PortalResponse{URL: u}, nil
}

// redirectURL accepts raw only when it points at the app's own origin.
func (s *Service) redirectURL(raw, fallbackPath string) (string, error) {
	if raw == "" {
		if s.appURL == nil {
			return "", apperror.NewBadRequest("redirect url is required")
		}
		ref, _ := url.Parse(fallbackPath)
		return s.appURL.ResolveReference(ref).String(), nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", apperror.NewBadRequest("redirect url must be absolute")
	}
	if s.appURL != nil && (u.Scheme != s.appURL.Scheme || u.Host != s.appURL.Host) {
		return "", apperror.NewBadRequest("redirect url must use the application origin")
	}
	return u.String(), nil
}
