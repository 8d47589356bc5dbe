package credits

import (
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/agentbilling/pkg/auth"
)

// RegisterRoutes registers the user and admin credit routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/credits")
	g.Use(authMiddleware.RequireAuth())
	g.GET("/balance", h.Balance)
	g.POST("/validate", h.Validate)
	g.POST("/consume", h.Consume)
	g.GET("/ledger", h.Ledger)

	admin := e.Group("/api/admin/credits")
	admin.Use(authMiddleware.RequireAdmin())
	admin.POST("/grant", h.AdminGrant)
	admin.GET("/:userId", h.AdminBalance)
	admin.GET("/:userId/ledger", h.AdminLedger)
}
