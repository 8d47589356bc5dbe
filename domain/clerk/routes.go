package clerk

import "github.com/labstack/echo/v4"

// RegisterRoutes registers the Clerk webhook. It is authenticated by its
// Svix signature.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.POST("/api/webhook-tools/clerk", h.Webhook)
}
