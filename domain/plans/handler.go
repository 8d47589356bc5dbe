package plans

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler serves the public catalog.
type Handler struct {
	catalog *Catalog
}

func NewHandler(catalog *Catalog) *Handler {
	return &Handler{catalog: catalog}
}

// List returns packs, subscriptions and model prices.
// GET /api/plans
func (h *Handler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.catalog.DTO())
}
