package clerk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	svix "github.com/svix/svix-webhooks/go"

	"github.com/emergent-company/agentbilling/domain/webhooks"
	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Deduper is implemented by *webhooks.Deduper.
type Deduper interface {
	Do(ctx context.Context, provider, eventID, eventType string, fn func(ctx context.Context) error) (bool, error)
}

// Handler receives Clerk webhooks
type Handler struct {
	svc     *Service
	deduper Deduper
	wh      *svix.Webhook
	log     *slog.Logger
}

func NewHandler(svc *Service, deduper Deduper, cfg *config.Config, log *slog.Logger) (*Handler, error) {
	log = log.With(logger.Scope("clerk.webhook"))
	h := &Handler{svc: svc, deduper: deduper, log: log}
	if cfg.Clerk.WebhookSecret == "" {
		log.Warn("CLERK_WEBHOOK_SECRET not set, clerk webhook disabled")
		return h, nil
	}
	wh, err := svix.NewWebhook(cfg.Clerk.WebhookSecret)
	if err != nil {
		return nil, err
	}
	h.wh = wh
	return h, nil
}

// Webhook verifies the Svix signature and applies the event once per
// svix-id.
// POST /api/webhook-tools/clerk
func (h *Handler) Webhook(c echo.Context) error {
	if h.wh == nil {
		return apperror.ErrServiceUnavailable.WithMessage("Clerk webhook secret is not configured")
	}

	r := c.Request()
	payload, err := io.ReadAll(http.MaxBytesReader(c.Response(), r.Body, maxBodyBytes))
	if err != nil {
		return apperror.NewBadRequest("failed to read request body")
	}
	if err := h.wh.Verify(payload, r.Header); err != nil {
		h.log.Warn("clerk signature verification failed", logger.Error(err))
		return apperror.ErrInvalidSignature
	}

	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return apperror.NewBadRequest("invalid webhook payload")
	}

	msgID := r.Header.Get("svix-id")
	duplicate, err := h.deduper.Do(r.Context(), webhooks.ProviderClerk, msgID, evt.Type, func(ctx context.Context) error {
		return h.svc.HandleEvent(ctx, &evt)
	})
	if err != nil {
		if errors.Is(err, apperror.ErrWebhookInFlight) {
			return err
		}
		h.log.Error("clerk event processing failed",
			slog.String("svix_id", msgID),
			slog.String("type", evt.Type),
			logger.Error(err))
		return apperror.NewInternal("failed to process Clerk webhook", err)
	}

	status := "processed"
	if duplicate {
		status = "duplicate"
	}
	return c.JSON(http.StatusOK, map[string]any{"received": true, "status": status})
}
