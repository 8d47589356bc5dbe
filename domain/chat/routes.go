package chat

import (
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/agentbilling/pkg/auth"
)

// RegisterRoutes registers the metered chat routes
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/chat")
	g.Use(authMiddleware.RequireAuth())
	g.POST("/completions", h.Complete)
}
