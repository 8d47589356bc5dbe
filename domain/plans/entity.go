package plans

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pack is a one-off credit purchase.
type Pack struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	StripePriceID string `yaml:"stripe_price_id" json:"-"`
	Credits       int64  `yaml:"credits" json:"credits"`
}

// Subscription is a recurring plan granting credits on every paid invoice.
type Subscription struct {
	ID             string `yaml:"id" json:"id"`
	Name           string `yaml:"name" json:"name"`
	StripePriceID  string `yaml:"stripe_price_id" json:"-"`
	MonthlyCredits int64  `yaml:"monthly_credits" json:"monthlyCredits"`
}

// ModelPrice is the credit price of a model per 1K tokens.
type ModelPrice struct {
	Model       string          `yaml:"model" json:"model"`
	InputPer1K  decimal.Decimal `yaml:"input_per_1k" json:"inputPer1k"`
	OutputPer1K decimal.Decimal `yaml:"output_per_1k" json:"outputPer1k"`
}

// Catalog is the full set of plans and prices.
type Catalog struct {
	SignupBonus         int64          `yaml:"signup_bonus"`
	LowBalanceThreshold int64          `yaml:"low_balance_threshold"`
	ReservationTTL      time.Duration  `yaml:"reservation_ttl"`
	DefaultModel        string         `yaml:"default_model"`
	DefaultMaxTokens    int            `yaml:"default_max_tokens"`
	Packs               []Pack         `yaml:"packs"`
	Subscriptions       []Subscription `yaml:"subscriptions"`
	Models              []ModelPrice   `yaml:"models"`
}

// CatalogDTO is the public view of the catalog.
type CatalogDTO struct {
	SignupBonus   int64          `json:"signupBonus"`
	Packs         []Pack         `json:"packs"`
	Subscriptions []Subscription `json:"subscriptions"`
	Models        []ModelPrice   `json:"models"`
	DefaultModel  string         `json:"defaultModel"`
}
