package exports

import (
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/agentbilling/pkg/auth"
)

// RegisterRoutes registers the admin export routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/admin/exports")
	g.Use(authMiddleware.RequireAdmin())
	g.POST("/ledger", h.ExportLedger)
}
