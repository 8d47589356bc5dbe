package plans

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

//go:embed default.yaml
var defaultCatalog []byte

var thousand = decimal.NewFromInt(1000)

// NewCatalog loads CREDIT_PLANS_FILE, or the embedded default catalog.
func NewCatalog(cfg *config.Config, log *slog.Logger) (*Catalog, error) {
	c, err := Load(cfg.Credits.PlansFile)
	if err != nil {
		return nil, err
	}
	log.With(logger.Scope("plans")).Info("credit catalog loaded",
		slog.String("file", cfg.Credits.PlansFile),
		slog.Int("packs", len(c.Packs)),
		slog.Int("subscriptions", len(c.Subscriptions)),
		slog.Int("models", len(c.Models)))
	return c, nil
}

// Load parses the catalog at path; an empty path selects the default.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse plans: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid plans: %w", err)
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	var errs []error
	if c.SignupBonus < 0 {
		errs = append(errs, errors.New("signup_bonus must not be negative"))
	}
	if c.ReservationTTL <= 0 {
		errs = append(errs, errors.New("reservation_ttl must be positive"))
	}
	if c.DefaultMaxTokens <= 0 {
		errs = append(errs, errors.New("default_max_tokens must be positive"))
	}

	ids := map[string]bool{}
	prices := map[string]bool{}
	check := func(kind, id, price string, credits int64) {
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("%s without id", kind))
		case ids[id]:
			errs = append(errs, fmt.Errorf("duplicate id %q", id))
		case credits <= 0:
			errs = append(errs, fmt.Errorf("%s %q must grant credits", kind, id))
		case price != "" && prices[price]:
			errs = append(errs, fmt.Errorf("%s %q reuses price %q", kind, id, price))
		}
		ids[id] = true
		if price != "" {
			prices[price] = true
		}
	}
	for _, p := range c.Packs {
		check("pack", p.ID, p.StripePriceID, p.Credits)
	}
	for _, s := range c.Subscriptions {
		check("subscription", s.ID, s.StripePriceID, s.MonthlyCredits)
	}

	models := map[string]bool{}
	for _, m := range c.Models {
		if m.Model == "" || m.InputPer1K.IsNegative() || m.OutputPer1K.IsNegative() {
			errs = append(errs, fmt.Errorf("invalid price for model %q", m.Model))
		}
		models[m.Model] = true
	}
	if c.DefaultModel != "" && !models[c.DefaultModel] {
		errs = append(errs, fmt.Errorf("default_model %q has no price", c.DefaultModel))
	}
	return errors.Join(errs...)
}

func (c *Catalog) PackByID(id string) (Pack, bool) {
	for _, p := range c.Packs {
		if p.ID == id {
			return p, true
		}
	}
	return Pack{}, false
}

func (c *Catalog) PackByPrice(priceID string) (Pack, bool) {
	for _, p := range c.Packs {
		if priceID != "" && p.StripePriceID == priceID {
			return p, true
		}
	}
	return Pack{}, false
}

func (c *Catalog) SubscriptionByID(id string) (Subscription, bool) {
	for _, s := range c.Subscriptions {
		if s.ID == id {
			return s, true
		}
	}
	return Subscription{}, false
}

func (c *Catalog) SubscriptionByPrice(priceID string) (Subscription, bool) {
	for _, s := range c.Subscriptions {
		if priceID != "" && s.StripePriceID == priceID {
			return s, true
		}
	}
	return Subscription{}, false
}

// Price returns the price of model, falling back to the default model.
func (c *Catalog) Price(model string) (ModelPrice, bool) {
	if model == "" {
		model = c.DefaultModel
	}
	for _, m := range c.Models {
		if m.Model == model {
			return m, true
		}
	}
	return ModelPrice{}, false
}

// Cost converts token usage to credits, rounding up. Any non-zero usage
// costs at least one credit.
func (m ModelPrice) Cost(inputTokens, outputTokens int) int64 {
	if inputTokens <= 0 && outputTokens <= 0 {
		return 0
	}
	in := decimal.NewFromInt(int64(max(inputTokens, 0))).Mul(m.InputPer1K)
	out := decimal.NewFromInt(int64(max(outputTokens, 0))).Mul(m.OutputPer1K)
	cost := in.Add(out).Div(thousand).Ceil().IntPart()
	return max(cost, 1)
}

// EstimateTokens approximates the token count of text as one token per
// four characters.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// DTO returns the public view of the catalog.
func (c *Catalog) DTO() CatalogDTO {
	return CatalogDTO{
		SignupBonus:   c.SignupBonus,
		Packs:         c.Packs,
		Subscriptions: c.Subscriptions,
		Models:        c.Models,
		DefaultModel:  c.DefaultModel,
	}
}
