package plans

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Default(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, int64(100), c.SignupBonus)
	assert.Equal(t, 15*time.Minute, c.ReservationTTL)

	pack, ok := c.PackByPrice("price_credits_builder")
	require.True(t, ok)
	assert.Equal(t, "builder", pack.ID)
	assert.Equal(t, int64(2500), pack.Credits)

	sub, ok := c.SubscriptionByID("pro")
	require.True(t, ok)
	assert.Equal(t, int64(3000), sub.MonthlyCredits)

	_, ok = c.PackByPrice("")
	assert.False(t, ok, "empty price never matches")
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
signup_bonus: 5
reservation_ttl: 1m
default_max_tokens: 10
packs:
  - {id: tiny, stripe_price_id: price_tiny, credits: 10}
`), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.SignupBonus)
	assert.Len(t, c.Packs, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParse_Invalid(t *testing.T) {
	tests := map[string]string{
		"duplicate id": `
reservation_ttl: 1m
default_max_tokens: 1
packs: [{id: a, credits: 1}, {id: a, credits: 2}]`,
		"zero credits": `
reservation_ttl: 1m
default_max_tokens: 1
subscriptions: [{id: pro, monthly_credits: 0}]`,
		"shared price": `
reservation_ttl: 1m
default_max_tokens: 1
packs: [{id: a, stripe_price_id: p, credits: 1}, {id: b, stripe_price_id: p, credits: 1}]`,
		"unknown default model": `
reservation_ttl: 1m
default_max_tokens: 1
default_model: nope`,
		"negative price": `
reservation_ttl: 1m
default_max_tokens: 1
models: [{model: m, input_per_1k: "-1", output_per_1k: "1"}]`,
		"missing ttl": `default_max_tokens: 1`,
		"bad yaml":    `packs: [`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestModelPrice_Cost(t *testing.T) {
	p := ModelPrice{
		Model:       "m",
		InputPer1K:  decimal.RequireFromString("0.3"),
		OutputPer1K: decimal.RequireFromString("1.2"),
	}

	assert.Equal(t, int64(0), p.Cost(0, 0))
	assert.Equal(t, int64(1), p.Cost(1, 0), "any usage costs at least one credit")
	// 2000*0.3/1000 + 1000*1.2/1000 = 0.6 + 1.2 = 1.8 -> 2
	assert.Equal(t, int64(2), p.Cost(2000, 1000))
	// 10000*0.3/1000 + 5000*1.2/1000 = 3 + 6 = 9 exactly
	assert.Equal(t, int64(9), p.Cost(10000, 5000))
	assert.Equal(t, int64(2), p.Cost(-5, 1001))
}

func TestCatalog_Price(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	p, ok := c.Price("")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", p.Model)

	_, ok = c.Price("unknown-model")
	assert.False(t, ok)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("hi"))
	assert.Equal(t, 1, EstimateTokens("four"))
	assert.Equal(t, 2, EstimateTokens("fives"))
	assert.Equal(t, 1, EstimateTokens("日本語"), "counts runes, not bytes")
}

func TestHandler_List(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	e := echo.New()
	rec := httptest.NewRecorder()
	ctx := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/plans", nil), rec)
	require.NoError(t, NewHandler(c).List(ctx))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "price_credits_starter", "stripe price ids stay private")

	var dto struct {
		SignupBonus int64 `json:"signupBonus"`
		Packs       []struct {
			ID      string `json:"id"`
			Credits int64  `json:"credits"`
		} `json:"packs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, int64(100), dto.SignupBonus)
	assert.Len(t, dto.Packs, 3)
}
