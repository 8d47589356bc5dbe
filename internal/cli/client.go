package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/emergent-company/agentbilling/domain/credits"
	"github.com/emergent-company/agentbilling/domain/exports"
	"github.com/emergent-company/agentbilling/domain/health"
	"github.com/emergent-company/agentbilling/domain/plans"
	"github.com/emergent-company/agentbilling/domain/scheduler"
)

// Client calls the billing API's public and admin endpoints.
type Client struct {
	http *resty.Client
}

// APIError is the server's error envelope.
type APIError struct {
	Status int `json:"-"`
	Body   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *APIError) Error() string {
	if e.Body.Code == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("%s: %s (%d)", e.Body.Code, e.Body.Message, e.Status)
}

func NewClient(cfg *Config) *Client {
	c := resty.New().
		SetBaseURL(cfg.ServerURL).
		SetTimeout(cfg.RequestTimeout()).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only transport errors and 5xx; every admin write carries an
			// idempotency key, so replays are safe.
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.APIKey != "" {
		c.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Client{http: c}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, query url.Values) (int, error) {
	apiErr := &APIError{}
	req := c.http.R().SetContext(ctx).SetError(apiErr)
	if out != nil {
		req.SetResult(out)
	}
	if body != nil {
		req.SetBody(body)
	}
	if query != nil {
		req.SetQueryParamsFromValues(query)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr.Status = resp.StatusCode()
		return resp.StatusCode(), apiErr
	}
	return resp.StatusCode(), nil
}

func (c *Client) Plans(ctx context.Context) (*plans.CatalogDTO, error) {
	var out plans.CatalogDTO
	if _, err := c.do(ctx, http.MethodGet, "/api/plans", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Balance(ctx context.Context, userID string) (*credits.BalanceResponse, error) {
	var out credits.BalanceResponse
	if _, err := c.do(ctx, http.MethodGet, "/api/admin/credits/"+url.PathEscape(userID), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Ledger(ctx context.Context, userID string, limit int, before, beforeID string) (*credits.LedgerPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		q.Set("before", before)
	}
	if beforeID != "" {
		q.Set("beforeId", beforeID)
	}
	var out credits.LedgerPage
	if _, err := c.do(ctx, http.MethodGet, "/api/admin/credits/"+url.PathEscape(userID)+"/ledger", nil, &out, q); err != nil {
		return nil, err
	}
	return &out, nil
}

// Grant credits a user. Created is false when the key was already used.
func (c *Client) Grant(ctx context.Context, req credits.AdminGrantRequest) (res *credits.Result, created bool, err error) {
	var out credits.Result
	status, err := c.do(ctx, http.MethodPost, "/api/admin/credits/grant", req, &out, nil)
	if err != nil {
		return nil, false, err
	}
	return &out, status == http.StatusCreated, nil
}

func (c *Client) Export(ctx context.Context, date string) (*exports.Result, error) {
	q := url.Values{}
	if date != "" {
		q.Set("date", date)
	}
	var out exports.Result
	if _, err := c.do(ctx, http.MethodPost, "/api/admin/exports/ledger", nil, &out, q); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns the health report. A 503 still carries a report, so it
// is decoded rather than treated as a failure.
func (c *Client) Health(ctx context.Context) (*health.HealthResponse, error) {
	var out health.HealthResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).SetError(&out).Get("/health")
	if err != nil {
		return nil, fmt.Errorf("GET /health: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusServiceUnavailable {
		return nil, &APIError{Status: resp.StatusCode()}
	}
	return &out, nil
}

// SchedulerStatus is the body of /api/metrics/scheduler.
type SchedulerStatus struct {
	Running bool                 `json:"running"`
	Tasks   []scheduler.TaskInfo `json:"tasks"`
}

func (c *Client) Scheduler(ctx context.Context) (*SchedulerStatus, error) {
	var out SchedulerStatus
	if _, err := c.do(ctx, http.MethodGet, "/api/metrics/scheduler", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Jobs(ctx context.Context) (*health.AllJobMetrics, error) {
	var out health.AllJobMetrics
	if _, err := c.do(ctx, http.MethodGet, "/api/metrics/jobs", nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}
