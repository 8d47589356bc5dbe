// Package webhooks makes provider webhook processing exactly-once.
//
// Stripe and Clerk both deliver at least once and retry on any non-2xx
// answer. Every delivery is claimed by (provider, event id) before its
// handler runs; processed events are acknowledged as duplicates, failed
// events may be claimed again, and a processing lock older than the lock
// TTL is assumed abandoned.
package webhooks

import (
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentbilling",
	Subsystem: "webhooks",
	Name:      "deliveries_total",
	Help:      "Webhook deliveries, by provider and outcome.",
}, []string{"provider", "outcome"})

const maxErrorLen = 500

// Deduper runs each provider event at most once to completion.
type Deduper struct {
	store   Store
	lockTTL time.Duration
	log     *slog.Logger
	now     func() time.Time
}

func NewDeduper(store Store, cfg *config.Config, log *slog.Logger) *Deduper {
	ttl := cfg.Credits.WebhookLockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduper{
		store:   store,
		lockTTL: ttl,
		log:     log.With(logger.Scope("webhooks")),
		now:     time.Now,
	}
}

// Do claims the event and runs fn. It reports duplicate=true without
// calling fn when the event was already processed, and returns
// ErrWebhookInFlight while another delivery holds a fresh lock. A failing
// fn leaves the event claimable by the provider's next retry.
func (d *Deduper) Do(ctx context.Context, provider, eventID, eventType string, fn func(ctx context.Context) error) (bool, error) {
	if eventID == "" {
		return false, apperror.NewBadRequest("missing event id")
	}

	now := d.now()
	claimed, err := d.store.Claim(ctx, provider, eventID, eventType, now, now.Add(-d.lockTTL))
	if err != nil {
		return false, err
	}
	if !claimed {
		ev, err := d.store.Get(ctx, provider, eventID)
		if err != nil {
			return false, err
		}
		if ev != nil && ev.Status == StatusProcessed {
			deliveries.WithLabelValues(provider, "duplicate").Inc()
			d.log.Info("duplicate webhook event",
				slog.String("provider", provider),
				slog.String("event_id", eventID),
				slog.String("event_type", eventType))
			return true, nil
		}
		deliveries.WithLabelValues(provider, "in_flight").Inc()
		return false, apperror.ErrWebhookInFlight
	}

	if err := fn(ctx); err != nil {
		deliveries.WithLabelValues(provider, "failed").Inc()
		// Record the failure even if the request was cancelled.
		if markErr := d.store.MarkFailed(context.WithoutCancel(ctx), provider, eventID, truncate(err.Error())); markErr != nil {
			d.log.Error("mark webhook event failed",
				slog.String("provider", provider),
				slog.String("event_id", eventID),
				logger.Error(markErr))
		}
		return false, err
	}

	if err := d.store.MarkProcessed(context.WithoutCancel(ctx), provider, eventID, d.now()); err != nil {
		return false, err
	}
	deliveries.WithLabelValues(provider, "processed").Inc()
	return false, nil
}

// Purge deletes processed events older than retention.
func (d *Deduper) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := d.store.Purge(ctx, d.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.log.Info("purged webhook events", slog.Int64("count", n))
	}
	return n, nil
}

func truncate(msg string) string {
	if len(msg) <= maxErrorLen {
		return msg
	}
	cut := maxErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
