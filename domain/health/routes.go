package health

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emergent-company/agentbilling/pkg/auth"
)

// RegisterRoutes registers probes, the Prometheus endpoint and the admin
// background-work views.
func RegisterRoutes(e *echo.Echo, h *Handler, m *MetricsHandler, authMiddleware *auth.Middleware) {
	e.GET("/health", h.Health)
	e.GET("/healthz", h.Healthz)
	e.GET("/ready", h.Ready)
	e.GET("/api/health", h.Health)
	e.GET("/api/version", h.Version)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := e.Group("/api/metrics", authMiddleware.RequireAdmin())
	g.GET("/jobs", m.JobMetrics)
	g.GET("/scheduler", m.SchedulerMetrics)
}
