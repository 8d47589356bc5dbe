package credits

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/auth"
)

// Handler handles HTTP requests for credits
type Handler struct {
	svc     *Service
	maxPage int
}

func NewHandler(svc *Service, cfg *config.Config) *Handler {
	maxPage := cfg.Credits.MaxLedgerPage
	if maxPage <= 0 {
		maxPage = 200
	}
	return &Handler{svc: svc, maxPage: maxPage}
}

// BalanceResponse is the balance of one account.
type BalanceResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

// ValidateRequest asks whether the caller can afford Required credits.
type ValidateRequest struct {
	Required int64 `json:"required"`
}

// AdminGrantRequest is the body of POST /api/admin/credits/grant.
type AdminGrantRequest struct {
	UserID         string         `json:"userId"`
	Amount         int64          `json:"amount"`
	Reason         string         `json:"reason"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Kind           Kind           `json:"kind,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Balance returns the caller's balance.
// GET /api/credits/balance
func (h *Handler) Balance(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}
	balance, err := h.svc.Balance(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, BalanceResponse{UserID: user.ID, Balance: balance})
}

// Validate checks the caller's balance against a required amount.
// POST /api/credits/validate
func (h *Handler) Validate(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	v, err := h.svc.Validate(c.Request().Context(), user.ID, req.Required)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, v)
}

// Consume debits the caller. The idempotency key comes from the body or
// the Idempotency-Key header.
// POST /api/credits/consume
func (h *Handler) Consume(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}
	var req ConsumeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	req.UserID = user.ID
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}
	if req.IdempotencyKey != "" {
		// Scope client keys to the caller.
		req.IdempotencyKey = "usage:" + user.ID + ":" + req.IdempotencyKey
	}

	res, err := h.svc.Consume(c.Request().Context(), req)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

// Ledger returns the caller's ledger, newest first.
// GET /api/credits/ledger?limit=&before=&beforeId=
func (h *Handler) Ledger(c echo.Context) error {
	user := auth.GetUser(c)
	if user == nil {
		return apperror.ErrUnauthorized
	}
	return h.ledger(c, user.ID)
}

// AdminGrant credits any account.
// POST /api/admin/credits/grant
func (h *Handler) AdminGrant(c echo.Context) error {
	var req AdminGrantRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return apperror.NewBadRequest("userId is required")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.Request().Header.Get("Idempotency-Key")
	}
	if req.IdempotencyKey == "" {
		return apperror.NewBadRequest("idempotencyKey is required")
	}
	switch req.Kind {
	case "":
		req.Kind = KindGrant
	case KindGrant, KindAdjustment:
	default:
		return apperror.NewBadRequest("kind must be grant or adjustment")
	}

	res, err := h.svc.Grant(c.Request().Context(), GrantRequest{
		UserID:         req.UserID,
		Amount:         req.Amount,
		Kind:           req.Kind,
		Source:         SourceAdmin,
		IdempotencyKey: "admin:" + req.IdempotencyKey,
		Description:    req.Reason,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

// AdminBalance returns any account's balance.
// GET /api/admin/credits/:userId
func (h *Handler) AdminBalance(c echo.Context) error {
	userID := c.Param("userId")
	balance, err := h.svc.Balance(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, BalanceResponse{UserID: userID, Balance: balance})
}

// AdminLedger returns any account's ledger.
// GET /api/admin/credits/:userId/ledger
func (h *Handler) AdminLedger(c echo.Context) error {
	return h.ledger(c, c.Param("userId"))
}

func (h *Handler) ledger(c echo.Context, userID string) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return apperror.NewBadRequest("limit must be a positive integer")
		}
		limit = min(n, h.maxPage)
	}

	var before *LedgerCursor
	if v := c.QueryParam("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return apperror.NewBadRequest("before must be an RFC 3339 timestamp")
		}
		before = &LedgerCursor{CreatedAt: t, ID: c.QueryParam("beforeId")}
	} else if c.QueryParam("beforeId") != "" {
		return apperror.NewBadRequest("beforeId requires before")
	}

	page, err := h.svc.Ledger(c.Request().Context(), userID, limit, before)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}
