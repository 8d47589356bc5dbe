package billing

import (
	"github.com/labstack/echo/v4"

	"github.com/emergent-company/agentbilling/pkg/auth"
)

// RegisterRoutes registers checkout, portal and the Stripe webhook
func RegisterRoutes(e *echo.Echo, h *Handler, authMiddleware *auth.Middleware) {
	g := e.Group("/api/billing")
	g.Use(authMiddleware.RequireAuth())
	g.POST("/checkout", h.Checkout)
	g.POST("/portal", h.Portal)

	// Authenticated by the Stripe-Signature header.
	e.POST("/api/webhook-tools/stripe", h.StripeWebhook)
}
