package plans

import "github.com/labstack/echo/v4"

// RegisterRoutes registers the public plan catalog route
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.GET("/api/plans", h.List)
}
