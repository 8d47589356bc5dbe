package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

var Module = fx.Module("auth",
	fx.Provide(NewSessionVerifier, NewMiddleware),
)

// AuthUser represents an authenticated caller
type AuthUser struct {
	// Clerk user id (token subject)
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	// Admin is set for operator calls authenticated by API key
	Admin bool `json:"admin,omitempty"`
}

type contextKey string

const UserContextKey contextKey = "auth_user"

// GetUser retrieves the authenticated user from the Echo context
func GetUser(c echo.Context) *AuthUser {
	if user, ok := c.Get(string(UserContextKey)).(*AuthUser); ok {
		return user
	}
	return nil
}

// Middleware authenticates dashboard users and operators.
type Middleware struct {
	cfg      *config.Config
	log      *slog.Logger
	verifier *SessionVerifier
}

func NewMiddleware(cfg *config.Config, log *slog.Logger, verifier *SessionVerifier) *Middleware {
	return &Middleware{
		cfg:      cfg,
		log:      log.With(logger.Scope("auth")),
		verifier: verifier,
	}
}

// RequireAuth requires a valid Clerk session token.
func (m *Middleware) RequireAuth() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := extractToken(c.Request())
			if token == "" {
				return apperror.ErrMissingToken
			}

			user := m.checkTestToken(token)
			if user == nil {
				claims, err := m.verifier.Verify(token)
				if err != nil {
					m.log.Debug("session token rejected", logger.Error(err))
					return apperror.ErrInvalidToken
				}
				user = &AuthUser{ID: claims.Subject, Email: claims.Email, SessionID: claims.SessionID}
			}

			c.Set(string(UserContextKey), user)
			return next(c)
		}
	}
}

// RequireAdmin requires the X-API-Key header to match ADMIN_API_KEY.
func (m *Middleware) RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			want := m.cfg.Admin.APIKey
			got := c.Request().Header.Get("X-API-Key")
			if want == "" {
				return apperror.ErrForbidden.WithMessage("admin API is disabled")
			}
			if got == "" {
				return apperror.ErrMissingToken
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				m.log.Warn("admin key rejected", slog.String("ip", c.RealIP()))
				return apperror.ErrForbidden
			}

			c.Set(string(UserContextKey), &AuthUser{ID: "admin", Admin: true})
			return next(c)
		}
	}
}

// extractToken reads a bearer token from the Authorization header, falling
// back to the token query parameter used by EventSource clients.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// checkTestToken maps "test-user-<id>" to user <id> in debug builds.
func (m *Middleware) checkTestToken(token string) *AuthUser {
	if !m.cfg.Debug || m.cfg.IsProduction() {
		return nil
	}
	id, ok := strings.CutPrefix(token, "test-user-")
	if !ok || id == "" {
		return nil
	}
	return &AuthUser{ID: id, Email: id + "@test.local"}
}
