package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

func newTestEcho(buf *bytes.Buffer) *echo.Echo {
	return NewEcho(EchoParams{
		Config:     &config.Config{},
		Log:        slog.Default(),
		HTTPLogger: logger.NewHTTPLoggerWriter(buf),
	})
}

func TestNewEcho_ErrorFormatAndAccessLog(t *testing.T) {
	var access bytes.Buffer
	e := newTestEcho(&access)
	e.GET("/api/credits/balance", func(c echo.Context) error {
		return apperror.ErrInsufficientCredits
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/credits/balance", nil))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_credits", body["error"]["code"])
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	assert.Contains(t, access.String(), `"GET /api/credits/balance" 402`)
}

func TestNewEcho_RecoversPanics(t *testing.T) {
	e := newTestEcho(&bytes.Buffer{})
	e.GET("/boom", func(c echo.Context) error { panic("boom") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNewEcho_SkipsProbeLogging(t *testing.T) {
	var access bytes.Buffer
	e := newTestEcho(&access)
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Empty(t, access.String())
}
