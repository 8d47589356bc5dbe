package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/agentbilling/internal/version"
	"github.com/emergent-company/agentbilling/pkg/balancecache"
)

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles health check requests
type Handler struct {
	db      Pinger
	cache   balancecache.Cache
	startAt time.Time
}

// NewHandler creates a new health handler
func NewHandler(db Pinger, cache balancecache.Cache) *Handler {
	return &Handler{
		db:      db,
		cache:   cache,
		startAt: time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string           `json:"status"`
	Timestamp string           `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
}

// Check represents an individual health check result
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func check(ctx context.Context, p Pinger) Check {
	if err := p.Ping(ctx); err != nil {
		return Check{Status: "unhealthy", Message: err.Error()}
	}
	return Check{Status: "healthy"}
}

// Health reports database and cache connectivity. The cache is optional:
// an unreachable cache degrades the status but never fails it, because
// balances fall back to the ledger.
func (h *Handler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := map[string]Check{"database": check(ctx, h.db)}
	status := "healthy"
	if checks["database"].Status != "healthy" {
		status = "unhealthy"
	}
	if p, ok := h.cache.(Pinger); ok {
		checks["cache"] = check(ctx, p)
		if checks["cache"].Status != "healthy" && status == "healthy" {
			status = "degraded"
		}
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(h.startAt).Round(time.Second).String(),
		Version:   version.Version,
		Checks:    checks,
	})
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

// Ready is the readiness probe; it fails while the database is unreachable.
func (h *Handler) Ready(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":  "not_ready",
			"message": "Database connection failed",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ready"})
}

// Version returns build information.
func (h *Handler) Version(c echo.Context) error {
	return c.JSON(http.StatusOK, version.Info())
}
