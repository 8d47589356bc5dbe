package chat

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/auth"
	"github.com/emergent-company/agentbilling/pkg/sse"
)

// Handler serves metered chat
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Complete streams a chat completion as Server-Sent Events. Credits are
// held before the stream opens, so rate limits and insufficient balance
// come back as JSON errors.
// POST /api/chat/completions
func (h *Handler) Complete(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}

	var req CompletionRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	ctx := c.Request().Context()
	sess, err := h.svc.Start(ctx, user.ID, &req)
	if err != nil {
		return err
	}

	return h.stream(ctx, sess, sse.NewWriter(c.Response()))
}

type streamWriter interface {
	Emitter
	Start() error
	Close()
}

func (h *Handler) stream(ctx context.Context, sess *Session, w streamWriter) error {
	if err := w.Start(); err != nil {
		h.svc.Abort(ctx, sess)
		return apperror.ErrInternal.WithMessage("failed to start SSE stream").WithInternal(err)
	}
	h.svc.Stream(ctx, sess, w)
	w.Close()
	return nil
}
