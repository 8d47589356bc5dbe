package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// Checkout modes.
const (
	ModePayment      = "payment"
	ModeSubscription = "subscription"
)

// CheckoutParams describes a hosted checkout for one price.
type CheckoutParams struct {
	UserID     string
	Email      string
	CustomerID string
	PriceID    string
	Mode       string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// Gateway is the outbound Stripe API surface.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutResponse, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	// InvoicePaymentIntent returns the payment intent that paid the
	// invoice, or "" when it was paid some other way.
	InvoicePaymentIntent(ctx context.Context, invoiceID string) (string, error)
}

// StripeGateway calls the Stripe API.
type StripeGateway struct {
	api *client.API
	log *slog.Logger
}

// NewGateway returns nil when STRIPE_SECRET_KEY is unset; callers answer
// ErrBillingUnavailable in that case.
func NewGateway(cfg *config.Config, log *slog.Logger) Gateway {
	log = log.With(logger.Scope("billing.stripe"))
	if !cfg.Stripe.IsConfigured() {
		log.Warn("stripe secret key not set, checkout disabled")
		return nil
	}
	return &StripeGateway{
		api: client.New(cfg.Stripe.SecretKey, nil),
		log: log,
	}
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*CheckoutResponse, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(p.Mode),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(p.PriceID), Quantity: stripe.Int64(1)},
		},
	}
	params.Context = ctx

	switch {
	case p.CustomerID != "":
		params.Customer = stripe.String(p.CustomerID)
	case p.Email != "":
		params.CustomerEmail = stripe.String(p.Email)
		if p.Mode == ModePayment {
			params.CustomerCreation = stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways))
		}
	}

	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	// Copy the linkage onto the objects that outlive the session so later
	// invoice and refund events can be attributed.
	if p.Mode == ModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: p.Metadata}
	} else {
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: p.Metadata}
	}

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	g.log.Info("checkout session created",
		slog.String("session_id", s.ID),
		slog.String("user_id", p.UserID),
		slog.String("mode", p.Mode))
	return &CheckoutResponse{SessionID: s.ID, URL: s.URL}, nil
}

func (g *StripeGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	s, err := g.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return s.URL, nil
}

func (g *StripeGateway) InvoicePaymentIntent(ctx context.Context, invoiceID string) (string, error) {
	params := &stripe.InvoicePaymentListParams{
		Invoice: stripe.String(invoiceID),
		Status:  stripe.String("paid"),
	}
	params.Context = ctx

	it := g.api.InvoicePayments.List(params)
	for it.Next() {
		p := it.InvoicePayment()
		if p.Payment != nil && p.Payment.PaymentIntent != nil && p.Payment.PaymentIntent.ID != "" {
			return p.Payment.PaymentIntent.ID, nil
		}
	}
	if err := it.Err(); err != nil {
		return "", fmt.Errorf("list invoice payments: %w", err)
	}
	return "", nil
}
