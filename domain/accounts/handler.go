package accounts

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/auth"
)

// Handler handles HTTP requests for accounts
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Me returns the caller's billing account, creating an empty one on first
// visit so the dashboard never races the Clerk webhook.
// GET /api/account
func (h *Handler) Me(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}

	acc, _, err := h.svc.Ensure(c.Request().Context(), EnsureParams{UserID: user.ID, Email: user.Email})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, acc.ToDTO())
}
