// Package balancecache caches account balances for the read-only credit
// check. The ledger in Postgres stays authoritative; a cached value is only
// ever used to answer "validate" and is dropped after every mutation.
package balancecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/logger"
)

var Module = fx.Module("balancecache",
	fx.Provide(New),
)

// Cache stores balances keyed by user id.
type Cache interface {
	Get(ctx context.Context, userID string) (balance int64, ok bool, err error)
	Set(ctx context.Context, userID string, balance int64) error
	Invalidate(ctx context.Context, userID string) error
}

// New returns a Redis cache when REDIS_URL is set, otherwise a no-op cache.
func New(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) (Cache, error) {
	log = log.With(logger.Scope("balancecache"))
	if !cfg.Redis.Enabled() {
		log.Info("balance cache disabled")
		return Noop{}, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	lc.Append(fx.StopHook(client.Close))

	log.Info("balance cache enabled", slog.String("addr", opts.Addr), slog.Duration("ttl", cfg.Redis.TTL))
	return NewRedis(client, cfg.Redis.TTL), nil
}

// Redis is a Cache backed by go-redis.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, prefix: "agentbilling:balance:"}
}

func (r *Redis) key(userID string) string {
	return r.prefix + userID
}

func (r *Redis) Get(ctx context.Context, userID string) (int64, bool, error) {
	v, err := r.client.Get(ctx, r.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		// Corrupt entry; treat as a miss and let the next Set overwrite it.
		return 0, false, nil
	}
	return n, true, nil
}

func (r *Redis) Set(ctx context.Context, userID string, balance int64) error {
	return r.client.Set(ctx, r.key(userID), strconv.FormatInt(balance, 10), r.ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, userID string) error {
	return r.client.Del(ctx, r.key(userID)).Err()
}

// Ping checks connectivity for the readiness probe.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Noop never hits.
type Noop struct{}

func (Noop) Get(context.Context, string) (int64, bool, error) { return 0, false, nil }
func (Noop) Set(context.Context, string, int64) error         { return nil }
func (Noop) Invalidate(context.Context, string) error         { return nil }
