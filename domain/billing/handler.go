package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/emergent-company/agentbilling/domain/webhooks"
	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/auth"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

// Deduper runs a provider event at most once. *webhooks.Deduper
// implements it.
type Deduper interface {
	Do(ctx context.Context, provider, eventID, eventType string, fn func(ctx context.Context) error) (bool, error)
}

// Handler handles HTTP requests for billing
type Handler struct {
	svc       *Service
	deduper   Deduper
	secret    string
	maxBody   int64
	tolerance time.Duration
	log       *slog.Logger
}

func NewHandler(svc *Service, deduper Deduper, cfg *config.Config, log *slog.Logger) *Handler {
	maxBody := cfg.Stripe.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{
		svc:       svc,
		deduper:   deduper,
		secret:    cfg.Stripe.WebhookSecret,
		maxBody:   maxBody,
		tolerance: cfg.Stripe.Tolerance,
		log:       log.With(logger.Scope("billing.webhook")),
	}
}

// StripeWebhook verifies and applies a Stripe event. Any non-2xx answer
// makes Stripe retry the delivery.
// POST /api/webhook-tools/stripe
func (h *Handler) StripeWebhook(c echo.Context) error {
	if h.secret == "" {
		return apperror.ErrBillingUnavailable.WithMessage("Stripe webhook secret is not configured")
	}

	r := c.Request()
	payload, err := io.ReadAll(http.MaxBytesReader(c.Response(), r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "payload too large")
		}
		return apperror.NewBadRequest("failed to read request body")
	}

	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		return apperror.ErrInvalidSignature
	}
	event, err := webhook.ConstructEventWithOptions(payload, sig, h.secret, webhook.ConstructEventOptions{
		Tolerance:                h.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.log.Warn("stripe signature verification failed", logger.Error(err))
		return apperror.ErrInvalidSignature
	}

	duplicate, err := h.deduper.Do(r.Context(), webhooks.ProviderStripe, event.ID, string(event.Type), func(ctx context.Context) error {
		return h.svc.HandleEvent(ctx, &event)
	})
	if err != nil {
		if errors.Is(err, apperror.ErrWebhookInFlight) {
			h.log.Warn("stripe event in flight, asking for retry",
				slog.String("event_id", event.ID),
				slog.String("type", string(event.Type)))
			return err
		}
		h.log.Error("stripe event processing failed",
			slog.String("event_id", event.ID),
			slog.String("type", string(event.Type)),
			logger.Error(err))
		return apperror.NewInternal("failed to process Stripe webhook", err)
	}

	status := "processed"
	if duplicate {
		status = "duplicate"
	}
	return c.JSON(http.StatusOK, map[string]any{"received": true, "status": status})
}

// Checkout starts a hosted checkout for the caller.
// POST /api/billing/checkout
func (h *Handler) Checkout(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}
	var req CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	res, err := h.svc.Checkout(c.Request().Context(), user.ID, user.Email, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Portal opens the Stripe billing portal for the caller.
// POST /api/billing/portal
func (h *Handler) Portal(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}
	var req PortalRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	res, err := h.svc.Portal(c.Request().Context(), user.ID, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
