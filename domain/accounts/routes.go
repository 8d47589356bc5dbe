package accounts

import (
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/agentbilling/pkg/auth"
)

// RegisterRoutes registers account routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/account")
	g.Use(authMiddleware.RequireAuth())
	g.GET("", h.Me)
}
