package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/domain/credits"
	"github.com/emergent-company/agentbilling/domain/plans"
	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/logger"
	"github.com/emergent-company/agentbilling/pkg/tracing"
)

var (
	completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbilling",
		Subsystem: "chat",
		Name:      "completions_total",
		Help:      "Metered chat completions, by outcome.",
	}, []string{"outcome"})

	creditsCharged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentbilling",
		Subsystem: "chat",
		Name:      "credits_charged_total",
		Help:      "Credits charged for chat completions.",
	})

	usageShortfall = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentbilling",
		Subsystem: "chat",
		Name:      "shortfall_credits_total",
		Help:      "Credits of chat usage that could not be charged.",
	})
)

const (
	maxMessages = 200
	// Per-message token overhead added to the prompt estimate.
	messageOverhead = 4
	maxTokensCap    = 32768
)

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// Ledger is implemented by *credits.Service.
type Ledger interface {
	Reserve(ctx context.Context, req credits.ReserveRequest) (*credits.ReservationResult, error)
	Settle(ctx context.Context, reservationID string, actual int64) (*credits.ReservationResult, error)
	Release(ctx context.Context, reservationID string) (*credits.ReservationResult, error)
}

// Emitter receives stream events. *sse.Writer implements it.
type Emitter interface {
	WriteEvent(name string, data any) error
}

// ServiceParams are the Service dependencies.
type ServiceParams struct {
	fx.In

	Ledger   Ledger
	Streamer Streamer `optional:"true"`
	Catalog  *plans.Catalog
	Limiter  *RateLimiter
	Log      *slog.Logger
}

// Service runs chat completions against held credits.
type Service struct {
	ledger   Ledger
	streamer Streamer
	catalog  *plans.Catalog
	limiter  *RateLimiter
	log      *slog.Logger
}

func NewService(p ServiceParams) *Service {
	return &Service{
		ledger:   p.Ledger,
		streamer: p.Streamer,
		catalog:  p.Catalog,
		limiter:  p.Limiter,
		log:      p.Log.With(logger.Scope("chat.svc")),
	}
}

// NewLimiter builds the per-user limiter from config.
func NewLimiter(cfg *config.Config) *RateLimiter {
	return NewRateLimiter(cfg.LLM.RatePerMinute, cfg.LLM.RateBurst)
}

// Session is a completion whose estimate is already held.
type Session struct {
	UserID       string
	AgentID      string
	Model        string
	Messages     []Message
	MaxTokens    int
	PromptTokens int
	Price        plans.ModelPrice
	Reservation  *credits.Reservation
	Balance      int64
}

// Start checks the request and holds its worst-case cost. Every error it
// returns happens before any byte is streamed.
func (s *Service) Start(ctx context.Context, userID string, req *CompletionRequest) (*Session, error) {
	if s.streamer == nil {
		return nil, apperror.ErrServiceUnavailable.WithMessage("Chat is not configured")
	}
	if s.limiter != nil && !s.limiter.Allow(userID) {
		completions.WithLabelValues("rate_limited").Inc()
		return nil, apperror.ErrRateLimited
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	price, ok := s.catalog.Price(req.Model)
	if !ok {
		return nil, apperror.NewBadRequest(fmt.Sprintf("unknown model %q", req.Model))
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.catalog.DefaultMaxTokens
	}
	prompt := promptTokens(req.Messages)
	estimate := price.Cost(prompt, maxTokens)

	ctx, span := tracing.Start(ctx, "chat.reserve",
		attribute.String("user.id", userID),
		attribute.String("llm.model", price.Model),
		attribute.Int64("credits.estimate", estimate))
	defer span.End()

	meta := map[string]any{"model": price.Model}
	if req.AgentID != "" {
		meta["agent_id"] = req.AgentID
	}
	res, err := s.ledger.Reserve(ctx, credits.ReserveRequest{
		UserID:         userID,
		Amount:         estimate,
		IdempotencyKey: "chat:" + uuid.NewString(),
		Description:    "Chat completion (" + price.Model + ")",
		Metadata:       meta,
	})
	if err != nil {
		tracing.RecordError(span, err)
		completions.WithLabelValues("rejected").Inc()
		return nil, err
	}

	return &Session{
		UserID:       userID,
		AgentID:      req.AgentID,
		Model:        price.Model,
		Messages:     req.Messages,
		MaxTokens:    maxTokens,
		PromptTokens: prompt,
		Price:        price,
		Reservation:  res.Reservation,
		Balance:      res.Balance,
	}, nil
}

// Stream runs the completion and settles the hold. A provider failure
// before the first token releases the hold instead. Settlement survives
// client disconnects.
func (s *Service) Stream(ctx context.Context, sess *Session, out Emitter) {
	log := s.log.With(
		slog.String("user_id", sess.UserID),
		slog.String("agent_id", sess.AgentID),
		slog.String("reservation_id", sess.Reservation.ID),
		slog.String("model", sess.Model))

	_ = out.WriteEvent(EventMeta, MetaEvent{
		ReservationID: sess.Reservation.ID,
		Model:         sess.Model,
		Reserved:      sess.Reservation.Amount,
		Balance:       sess.Balance,
	})

	var (
		text   strings.Builder
		tokens int
	)
	usage, streamErr := s.streamer.Stream(ctx, StreamRequest{
		Model:     sess.Model,
		Messages:  sess.Messages,
		MaxTokens: sess.MaxTokens,
		User:      sess.UserID,
	}, func(tok string) error {
		tokens++
		text.WriteString(tok)
		return out.WriteEvent(EventToken, TokenEvent{Content: tok})
	})

	bg := context.WithoutCancel(ctx)
	if streamErr != nil && tokens == 0 {
		log.Warn("chat stream failed before first token", logger.Error(streamErr))
		if _, err := s.ledger.Release(bg, sess.Reservation.ID); err != nil {
			log.Error("release chat hold failed", logger.Error(err))
		}
		completions.WithLabelValues("failed").Inc()
		_ = out.WriteEvent(EventError, ErrorEvent{Message: "The model could not be reached. No credits were charged."})
		_ = out.WriteEvent(EventDone, DoneEvent{Done: true})
		return
	}

	estimated := usage == nil
	if estimated {
		usage = &Usage{
			PromptTokens:     sess.PromptTokens,
			CompletionTokens: plans.EstimateTokens(text.String()),
		}
	}
	cost := sess.Price.Cost(usage.PromptTokens, usage.CompletionTokens)

	res, err := s.ledger.Settle(bg, sess.Reservation.ID, cost)
	if err != nil {
		// The hold stays until the expiry sweep releases it.
		log.Error("settle chat hold failed", slog.Int64("cost", cost), logger.Error(err))
		completions.WithLabelValues("settle_failed").Inc()
		_ = out.WriteEvent(EventError, ErrorEvent{Message: "Usage could not be recorded."})
		_ = out.WriteEvent(EventDone, DoneEvent{Done: true})
		return
	}

	charged := cost - res.Shortfall
	creditsCharged.Add(float64(charged))
	if res.Shortfall > 0 {
		usageShortfall.Add(float64(res.Shortfall))
		log.Warn("chat usage exceeded balance", slog.Int64("shortfall", res.Shortfall))
	}

	if streamErr != nil {
		log.Warn("chat stream interrupted", slog.Int("tokens", tokens), logger.Error(streamErr))
		completions.WithLabelValues("partial").Inc()
		_ = out.WriteEvent(EventError, ErrorEvent{Message: "The response was interrupted."})
	} else {
		completions.WithLabelValues("completed").Inc()
	}

	_ = out.WriteEvent(EventUsage, UsageEvent{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Estimated:        estimated,
		Cost:             cost,
		Charged:          charged,
		Shortfall:        res.Shortfall,
		Balance:          res.Balance,
	})
	_ = out.WriteEvent(EventDone, DoneEvent{Done: true})
}

// Abort releases the hold of a session whose stream never opened.
func (s *Service) Abort(ctx context.Context, sess *Session) {
	if _, err := s.ledger.Release(context.WithoutCancel(ctx), sess.Reservation.ID); err != nil {
		s.log.Error("release chat hold failed",
			slog.String("reservation_id", sess.Reservation.ID),
			logger.Error(err))
	}
	completions.WithLabelValues("aborted").Inc()
}

func validate(req *CompletionRequest) error {
	if len(req.Messages) == 0 {
		return apperror.NewBadRequest("messages are required")
	}
	if len(req.Messages) > maxMessages {
		return apperror.NewBadRequest(fmt.Sprintf("at most %d messages are allowed", maxMessages))
	}
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return apperror.NewBadRequest(fmt.Sprintf("messages[%d]: invalid role %q", i, m.Role))
		}
	}
	if req.MaxTokens < 0 || req.MaxTokens > maxTokensCap {
		return apperror.NewBadRequest(fmt.Sprintf("maxTokens must be between 1 and %d", maxTokensCap))
	}
	return nil
}

func promptTokens(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += plans.EstimateTokens(m.Content) + messageOverhead
	}
	return n
}
