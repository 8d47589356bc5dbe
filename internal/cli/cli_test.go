package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/emergent-company/agentbilling/domain/credits"
)

const adminKey = "ops-key-1234567890"

type env struct {
	server *httptest.Server
	config string
	grants []credits.AdminGrantRequest
	query  string
}

func setup(t *testing.T) *env {
	t.Helper()
	e := &env{config: filepath.Join(t.TempDir(), "config.yaml")}
	t.Setenv("AGENTBILLING_CONFIG", e.config)
	t.Setenv("AGENTBILLING_API_KEY", adminKey)
	t.Setenv("AGENTBILLING_SERVER_URL", "")
	t.Setenv("AGENTBILLING_OUTPUT", "")

	mux := http.NewServeMux()
	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != adminKey {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":{"code":"forbidden","message":"Access denied"}}`))
				return
			}
			h(w, r)
		}
	}
	writeJSON := func(w http.ResponseWriter, status int, body string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}

	mux.HandleFunc("GET /api/plans", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"signupBonus":100,"defaultModel":"gpt-4o-mini",
			"packs":[{"id":"starter","name":"Starter","credits":500}],
			"subscriptions":[{"id":"pro","name":"Pro","monthlyCredits":3000}],
			"models":[{"model":"gpt-4o-mini","inputPer1k":"0.3","outputPer1k":"1.2"}]}`)
	})
	mux.HandleFunc("GET /api/admin/credits/{user}", admin(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("user") != "user_1" {
			writeJSON(w, http.StatusNotFound, `{"error":{"code":"not_found","message":"account not found"}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"userId":"user_1","balance":420}`)
	}))
	mux.HandleFunc("GET /api/admin/credits/{user}/ledger", admin(func(w http.ResponseWriter, r *http.Request) {
		e.query = r.URL.RawQuery
		writeJSON(w, http.StatusOK, `{"entries":[
			{"id":"e2","userId":"user_1","amount":-80,"balanceAfter":420,"kind":"usage","source":"api","idempotencyKey":"usage:user_1:run-7","createdAt":"2026-03-02T10:00:00Z"},
			{"id":"e1","userId":"user_1","amount":500,"balanceAfter":500,"kind":"purchase","source":"stripe","idempotencyKey":"stripe:checkout:cs_1","createdAt":"2026-03-01T09:00:00Z"}],
			"nextBefore":"2026-03-01T09:00:00Z","nextBeforeId":"e1"}`)
	}))
	mux.HandleFunc("POST /api/admin/credits/grant", admin(func(w http.ResponseWriter, r *http.Request) {
		var req credits.AdminGrantRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, `{"error":{"code":"bad_request","message":"invalid request body"}}`)
			return
		}
		for _, g := range e.grants {
			if g.IdempotencyKey == req.IdempotencyKey {
				writeJSON(w, http.StatusOK, `{"balance":550,"duplicate":true}`)
				return
			}
		}
		e.grants = append(e.grants, req)
		writeJSON(w, http.StatusCreated, `{"balance":550,"duplicate":false}`)
	}))
	mux.HandleFunc("POST /api/admin/exports/ledger", admin(func(w http.ResponseWriter, r *http.Request) {
		e.query = r.URL.RawQuery
		writeJSON(w, http.StatusOK, `{"date":"2026-03-01","bucket":"agentbilling","key":"ledger/2026/03/01.jsonl","entries":12,"bytes":4096}`)
	}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"status":"healthy","version":"dev","uptime":"1m0s","checks":{"database":{"status":"healthy"}}}`)
	})
	mux.HandleFunc("GET /api/metrics/jobs", admin(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"queues":[{"queue":"notifications","stats":{"pending":3,"processing":0,"completed":9,"failed":1}}]}`)
	}))
	mux.HandleFunc("GET /api/metrics/scheduler", admin(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"running":true,"tasks":[{"name":"reservation_expiry","nextRun":"2026-03-02T10:01:00Z"}]}`)
	}))

	e.server = httptest.NewServer(mux)
	t.Cleanup(e.server.Close)
	return e
}

func (e *env) run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--server", e.server.URL}, args...))
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func TestConfigSetAndShow(t *testing.T) {
	e := setup(t)
	t.Setenv("AGENTBILLING_API_KEY", "")

	_, _, err := e.run(t, "config", "set", "api_key", "sk_admin_abcdefgh")
	require.NoError(t, err)
	_, _, err = e.run(t, "config", "set", "output", "json")
	require.NoError(t, err)

	info, err := os.Stat(e.config)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err := os.ReadFile(e.config)
	require.NoError(t, err)
	var saved Config
	require.NoError(t, yaml.Unmarshal(data, &saved))
	assert.Equal(t, "sk_admin_abcdefgh", saved.APIKey)
	assert.Equal(t, "json", saved.Output)

	out, _, err := e.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "sk_a...efgh")
	assert.NotContains(t, out, "sk_admin_abcdefgh")

	_, _, err = e.run(t, "config", "set", "output", "xml")
	assert.Error(t, err)
	_, _, err = e.run(t, "config", "set", "colour", "red")
	assert.Error(t, err)
}

func TestConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, SaveConfig(&Config{ServerURL: "http://file:1", Output: "yaml"}, path))
	t.Setenv("AGENTBILLING_SERVER_URL", "http://env:2")
	t.Setenv("AGENTBILLING_OUTPUT", "")
	t.Setenv("AGENTBILLING_TIMEOUT", "")
	t.Setenv("AGENTBILLING_API_KEY", "")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://env:2", cfg.ServerURL)
	assert.Equal(t, "yaml", cfg.Output)
	assert.Equal(t, "30s", cfg.Timeout)
}

func TestBalance(t *testing.T) {
	e := setup(t)

	out, _, err := e.run(t, "balance", "user_1", "-o", "json")
	require.NoError(t, err)
	var bal credits.BalanceResponse
	require.NoError(t, json.Unmarshal([]byte(out), &bal))
	assert.Equal(t, int64(420), bal.Balance)

	_, _, err = e.run(t, "balance", "user_404")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Body.Code)
}

func TestAdminKeyRequired(t *testing.T) {
	e := setup(t)
	t.Setenv("AGENTBILLING_API_KEY", "wrong")
	_, _, err := e.run(t, "balance", "user_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forbidden")
}

func TestLedger(t *testing.T) {
	e := setup(t)
	out, _, err := e.run(t, "ledger", "user_1", "--limit", "2")
	require.NoError(t, err)
	assert.Equal(t, "limit=2", e.query)
	assert.Contains(t, out, "usage:user_1:run-7")
	assert.Contains(t, out, "-80")
	assert.Contains(t, out, "+500")
	assert.Contains(t, out, "more: --before 2026-03-01T09:00:00Z --before-id e1")

	_, _, err = e.run(t, "ledger", "user_1", "--before", "2026-03-01T09:00:00Z", "--before-id", "e1")
	require.NoError(t, err)
	assert.Contains(t, e.query, "beforeId=e1")
	assert.Contains(t, e.query, "before=2026-03-01T09%3A00%3A00Z")
}

func TestGrant(t *testing.T) {
	e := setup(t)

	out, _, err := e.run(t, "grant", "user_1", "50", "--reason", "support credit", "--key", "ticket-88")
	require.NoError(t, err)
	assert.Contains(t, out, "granted")
	require.Len(t, e.grants, 1)
	assert.Equal(t, credits.AdminGrantRequest{
		UserID:         "user_1",
		Amount:         50,
		Reason:         "support credit",
		IdempotencyKey: "ticket-88",
		Kind:           credits.KindGrant,
	}, e.grants[0])

	out, _, err = e.run(t, "grant", "user_1", "50", "--key", "ticket-88")
	require.NoError(t, err)
	assert.Contains(t, out, "already granted")
	assert.Len(t, e.grants, 1)
}

func TestGrant_GeneratesKey(t *testing.T) {
	e := setup(t)
	_, stderr, err := e.run(t, "grant", "user_1", "10")
	require.NoError(t, err)
	require.Len(t, e.grants, 1)
	assert.NotEmpty(t, e.grants[0].IdempotencyKey)
	assert.Contains(t, stderr, e.grants[0].IdempotencyKey)
}

func TestGrant_Validation(t *testing.T) {
	e := setup(t)

	_, _, err := e.run(t, "grant", "user_1", "ten")
	assert.Error(t, err)
	_, _, err = e.run(t, "grant", "--key", "k", "--", "user_1", "-5")
	assert.Error(t, err)
	assert.Empty(t, e.grants)

	_, _, err = e.run(t, "grant", "user_1", "5", "--key", "fix-1", "--adjust")
	require.NoError(t, err)
	require.Len(t, e.grants, 1)
	assert.Equal(t, credits.KindAdjustment, e.grants[0].Kind)
}

func TestExport(t *testing.T) {
	e := setup(t)

	out, _, err := e.run(t, "export", "--date", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, "date=2026-03-01", e.query)
	assert.Contains(t, out, "s3://agentbilling/ledger/2026/03/01.jsonl")

	_, _, err = e.run(t, "export", "--date", "03/01/2026")
	assert.Error(t, err)
}

func TestPlans_YAML(t *testing.T) {
	e := setup(t)
	out, _, err := e.run(t, "plans", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "starter")
	assert.Contains(t, out, "monthly_credits: 3000")
}

func TestStatus(t *testing.T) {
	e := setup(t)
	out, _, err := e.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "healthy")
	assert.Contains(t, out, "3 pending, 0 processing, 1 failed")
	assert.Contains(t, out, "reservation_expiry")
}

func TestRender_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := render(&buf, "xml", struct{}{}, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "xml"))
}
