package exports

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/agentbilling/pkg/apperror"
)

// Handler handles export requests
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// ExportLedger exports one UTC day of the ledger, yesterday by default.
// POST /api/admin/exports/ledger?date=YYYY-MM-DD
func (h *Handler) ExportLedger(c echo.Context) error {
	day := h.svc.now().UTC().AddDate(0, 0, -1)
	if raw := c.QueryParam("date"); raw != "" {
		parsed, err := time.Parse(dateLayout, raw)
		if err != nil {
			return apperror.NewBadRequest("date must be YYYY-MM-DD")
		}
		day = parsed
	}
	res, err := h.svc.ExportDay(c.Request().Context(), day)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
