package credits

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"

	"github.com/emergent-company/agentbilling/domain/plans"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/balancecache"
	"github.com/emergent-company/agentbilling/pkg/logger"
	"github.com/emergent-company/agentbilling/pkg/tracing"
)

var (
	entriesPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbilling",
		Subsystem: "credits",
		Name:      "entries_total",
		Help:      "Ledger entries written, by kind.",
	}, []string{"kind"})

	creditsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbilling",
		Subsystem: "credits",
		Name:      "moved_total",
		Help:      "Absolute credits moved through the ledger, by kind.",
	}, []string{"kind"})

	duplicateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbilling",
		Subsystem: "credits",
		Name:      "duplicate_requests_total",
		Help:      "Mutations short-circuited by an idempotency key, by operation.",
	}, []string{"op"})

	insufficientBalance = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbilling",
		Subsystem: "credits",
		Name:      "insufficient_total",
		Help:      "Debits refused for lack of credits, by operation.",
	}, []string{"op"})
)

// errDuplicateKey is returned by a Tx when a unique idempotency key is
// already taken by a row the transaction could not see.
var errDuplicateKey = errors.New("idempotency key already used")

// DefaultExpireBatch bounds how many reservations one expiry sweep closes.
const DefaultExpireBatch = 500

// Notifier receives balance events after they commit. Failures are logged
// and never roll back the ledger.
type Notifier interface {
	LowBalance(ctx context.Context, userID, email string, balance, threshold int64) error
	CreditsAdded(ctx context.Context, userID, email string, entry *LedgerEntry, balance int64) error
}

// ServiceParams are the Service dependencies.
type ServiceParams struct {
	fx.In

	Store    Store
	Cache    balancecache.Cache
	Catalog  *plans.Catalog
	Notifier Notifier `optional:"true"`
	Log      *slog.Logger
}

// Service owns every balance mutation. All writes lock the account row
// first, then check the idempotency key, then move the balance.
type Service struct {
	store    Store
	cache    balancecache.Cache
	catalog  *plans.Catalog
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewService(p ServiceParams) *Service {
	cache := p.Cache
	if cache == nil {
		cache = balancecache.Noop{}
	}
	return &Service{
		store:    p.Store,
		cache:    cache,
		catalog:  p.Catalog,
		notifier: p.Notifier,
		log:      p.Log.With(logger.Scope("credits.svc")),
		now:      time.Now,
	}
}

// effects are applied once the transaction has committed.
type effects struct {
	userID     string
	email      string
	balance    int64
	lowBalance bool
	credited   *LedgerEntry
	posted     []*LedgerEntry
}

func (s *Service) afterCommit(ctx context.Context, eff *effects) {
	if eff == nil || eff.userID == "" {
		return
	}
	for _, e := range eff.posted {
		entriesPosted.WithLabelValues(string(e.Kind)).Inc()
		amount := e.Amount
		if amount < 0 {
			amount = -amount
		}
		creditsMoved.WithLabelValues(string(e.Kind)).Add(float64(amount))
	}
	if err := s.cache.Invalidate(ctx, eff.userID); err != nil {
		s.log.Warn("balance cache invalidate failed", slog.String("user_id", eff.userID), logger.Error(err))
	}
	if s.notifier == nil {
		return
	}
	if eff.lowBalance {
		if err := s.notifier.LowBalance(ctx, eff.userID, eff.email, eff.balance, s.catalog.LowBalanceThreshold); err != nil {
			s.log.Warn("low balance notification failed", slog.String("user_id", eff.userID), logger.Error(err))
			s.rearmLowBalance(ctx, eff.userID)
		}
	}
	if eff.credited != nil {
		if err := s.notifier.CreditsAdded(ctx, eff.userID, eff.email, eff.credited, eff.balance); err != nil {
			s.log.Warn("credits added notification failed", slog.String("user_id", eff.userID), logger.Error(err))
		}
	}
}

// post appends e and moves the locked account's balance. The account row
// is written by finish.
func (s *Service) post(ctx context.Context, tx Tx, acc *AccountState, e *LedgerEntry, out *effects) error {
	next := acc.Balance + e.Amount
	if next < 0 {
		return insufficient(acc.Balance, -e.Amount)
	}
	acc.Balance = next

	e.ID = uuid.NewString()
	e.UserID = acc.UserID
	e.BalanceAfter = next
	e.CreatedAt = s.now()
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if err := tx.InsertEntry(ctx, e); err != nil {
		if errors.Is(err, errDuplicateKey) {
			return apperror.ErrConflict.WithMessage("idempotency key already used")
		}
		return err
	}
	out.posted = append(out.posted, e)
	return nil
}

// finish persists the account and applies the low-balance latch: the first
// debit that leaves the balance under the threshold raises one notice, and
// the next top-up back over the threshold rearms it. Accounts that cannot
// be sent a notice are never latched.
func (s *Service) finish(ctx context.Context, tx Tx, acc *AccountState, debited bool, out *effects) error {
	threshold := s.catalog.LowBalanceThreshold
	notifiable := s.notifier != nil && acc.Email != ""
	switch {
	case debited && notifiable && threshold > 0 && acc.Balance < threshold && acc.LowBalanceNotifiedAt == nil:
		t := s.now()
		acc.LowBalanceNotifiedAt = &t
		out.lowBalance = true
	case !debited && acc.LowBalanceNotifiedAt != nil && acc.Balance >= threshold:
		acc.LowBalanceNotifiedAt = nil
	}
	if err := tx.SaveAccount(ctx, acc); err != nil {
		return err
	}
	out.userID = acc.UserID
	out.email = acc.Email
	out.balance = acc.Balance
	return nil
}

// rearmLowBalance clears the latch after a notice could not be queued, so
// the next qualifying debit tries again.
func (s *Service) rearmLowBalance(ctx context.Context, userID string) {
	err := s.store.WithTx(ctx, func(tx Tx) error {
		acc, err := tx.LockAccount(ctx, userID)
		if err != nil || acc == nil || acc.LowBalanceNotifiedAt == nil {
			return err
		}
		acc.LowBalanceNotifiedAt = nil
		return tx.SaveAccount(ctx, acc)
	})
	if err != nil {
		s.log.Warn("low balance latch reset failed", slog.String("user_id", userID), logger.Error(err))
	}
}

func insufficient(balance, required int64) error {
	return apperror.ErrInsufficientCredits.WithDetails(map[string]any{
		"balance":  balance,
		"required": required,
	})
}

func (s *Service) lock(ctx context.Context, tx Tx, userID string) (*AccountState, error) {
	acc, err := tx.LockAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, apperror.ErrAccountNotFound
	}
	return acc, nil
}

// existing resolves a repeated idempotency key. Keys are global, so a key
// owned by another user is a conflict rather than a replay.
func existing(ctx context.Context, tx Tx, key, userID string) (*LedgerEntry, error) {
	e, err := tx.EntryByKey(ctx, key)
	if err != nil || e == nil {
		return nil, err
	}
	if e.UserID != userID {
		return nil, apperror.ErrConflict.WithMessage("idempotency key belongs to another account")
	}
	return e, nil
}

// Balance returns the authoritative balance from Postgres.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	balance, found, err := s.store.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, apperror.ErrAccountNotFound
	}
	return balance, nil
}

// Validate reports whether userID can afford required. It never mutates
// and may answer from the balance cache.
func (s *Service) Validate(ctx context.Context, userID string, required int64) (*Validation, error) {
	ctx, span := tracing.Start(ctx, "credits.validate", attribute.String("user.id", userID))
	defer span.End()

	balance, ok, err := s.cache.Get(ctx, userID)
	if err != nil {
		s.log.Warn("balance cache read failed", slog.String("user_id", userID), logger.Error(err))
		ok = false
	}
	if !ok {
		balance, err = s.Balance(ctx, userID)
		if err != nil {
			tracing.RecordError(span, err)
			return nil, err
		}
		if err := s.cache.Set(ctx, userID, balance); err != nil {
			s.log.Warn("balance cache write failed", slog.String("user_id", userID), logger.Error(err))
		}
	}

	v := &Validation{Allowed: true, Balance: balance, Required: required}
	if required > 0 && balance < required {
		v.Allowed = false
		v.Shortfall = required - balance
	}
	return v, nil
}

// Consume debits completed usage. A repeated idempotency key returns the
// original entry and does not debit again.
func (s *Service) Consume(ctx context.Context, req ConsumeRequest) (*Result, error) {
	if req.Amount <= 0 {
		return nil, apperror.NewBadRequest("amount must be positive")
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return nil, apperror.NewBadRequest("idempotency key is required")
	}

	ctx, span := tracing.Start(ctx, "credits.consume",
		attribute.String("user.id", req.UserID),
		attribute.Int64("credits.amount", req.Amount))
	defer span.End()

	var (
		res effects
		out *Result
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		acc, err := s.lock(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		prior, err := existing(ctx, tx, req.IdempotencyKey, req.UserID)
		if err != nil {
			return err
		}
		if prior != nil {
			out = &Result{Entry: prior, Balance: acc.Balance, Duplicate: true}
			return nil
		}
		if acc.DeletedAt != nil {
			return apperror.ErrForbidden.WithMessage("account is deleted")
		}
		if acc.Balance < req.Amount {
			insufficientBalance.WithLabelValues("consume").Inc()
			return insufficient(acc.Balance, req.Amount)
		}

		e := &LedgerEntry{
			Amount:         -req.Amount,
			Kind:           KindConsume,
			Source:         SourceUsage,
			IdempotencyKey: req.IdempotencyKey,
			Description:    req.Description,
			Metadata:       req.Metadata,
		}
		if err := s.post(ctx, tx, acc, e, &res); err != nil {
			return err
		}
		if err := s.finish(ctx, tx, acc, true, &res); err != nil {
			return err
		}
		out = &Result{Entry: e, Balance: acc.Balance}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if out.Duplicate {
		duplicateRequests.WithLabelValues("consume").Inc()
		return out, nil
	}
	s.afterCommit(ctx, &res)
	return out, nil
}

// Grant credits an account. A repeated idempotency key is a no-op.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*Result, error) {
	if req.Amount <= 0 {
		return nil, apperror.NewBadRequest("amount must be positive")
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return nil, apperror.NewBadRequest("idempotency key is required")
	}
	if req.Kind == "" {
		req.Kind = KindGrant
	}
	if req.Source == "" {
		req.Source = SourceAdmin
	}

	ctx, span := tracing.Start(ctx, "credits.grant",
		attribute.String("user.id", req.UserID),
		attribute.String("credits.kind", string(req.Kind)),
		attribute.Int64("credits.amount", req.Amount))
	defer span.End()

	var (
		res effects
		out *Result
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		acc, err := s.lock(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		prior, err := existing(ctx, tx, req.IdempotencyKey, req.UserID)
		if err != nil {
			return err
		}
		if prior != nil {
			out = &Result{Entry: prior, Balance: acc.Balance, Duplicate: true}
			return nil
		}

		e := &LedgerEntry{
			Amount:         req.Amount,
			Kind:           req.Kind,
			Source:         req.Source,
			IdempotencyKey: req.IdempotencyKey,
			Reference:      req.Reference,
			Description:    req.Description,
			Metadata:       req.Metadata,
		}
		if err := s.post(ctx, tx, acc, e, &res); err != nil {
			return err
		}
		if err := s.finish(ctx, tx, acc, false, &res); err != nil {
			return err
		}
		if e.Kind == KindPurchase || e.Kind == KindSubscription {
			res.credited = e
		}
		out = &Result{Entry: e, Balance: acc.Balance}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if out.Duplicate {
		duplicateRequests.WithLabelValues("grant").Inc()
		s.log.Info("grant already applied",
			slog.String("user_id", req.UserID),
			slog.String("idempotency_key", req.IdempotencyKey))
		return out, nil
	}
	s.log.Info("credits granted",
		slog.String("user_id", req.UserID),
		slog.String("kind", string(req.Kind)),
		slog.Int64("amount", req.Amount),
		slog.Int64("balance", out.Balance))
	s.afterCommit(ctx, &res)
	return out, nil
}

// Clawback removes up to req.Amount without taking the balance below zero.
// The requested amount and any shortfall are kept in the entry metadata.
func (s *Service) Clawback(ctx context.Context, req ClawbackRequest) (*Result, error) {
	return s.clawback(ctx, req, func(context.Context, Tx) (int64, error) {
		return req.Amount, nil
	})
}

// ClawbackTo brings the refunds recorded against req.Reference up to
// req.Amount in total. Earlier refund entries for the reference are summed
// under the account lock, so concurrent calls for one payment never claw
// back more than the largest total asked for. When nothing is left to
// claw back the result is a Duplicate with no entry.
func (s *Service) ClawbackTo(ctx context.Context, req ClawbackRequest) (*Result, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return nil, apperror.NewBadRequest("reference is required")
	}
	return s.clawback(ctx, req, func(ctx context.Context, tx Tx) (int64, error) {
		entries, err := tx.EntriesByReference(ctx, req.Reference)
		if err != nil {
			return 0, err
		}
		var clawed int64
		for _, e := range entries {
			if e.Kind == KindRefund && e.UserID == req.UserID {
				clawed += metaInt(e.Metadata["requested"])
			}
		}
		return req.Amount - clawed, nil
	})
}

// clawback runs one refund entry. due is evaluated after the account lock
// and the idempotency check.
func (s *Service) clawback(ctx context.Context, req ClawbackRequest, due func(ctx context.Context, tx Tx) (int64, error)) (*Result, error) {
	if req.Amount <= 0 {
		return nil, apperror.NewBadRequest("amount must be positive")
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		return nil, apperror.NewBadRequest("idempotency key is required")
	}

	ctx, span := tracing.Start(ctx, "credits.clawback",
		attribute.String("user.id", req.UserID),
		attribute.String("credits.reference", req.Reference),
		attribute.Int64("credits.amount", req.Amount))
	defer span.End()

	var (
		res effects
		out *Result
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		acc, err := s.lock(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		prior, err := existing(ctx, tx, req.IdempotencyKey, req.UserID)
		if err != nil {
			return err
		}
		if prior != nil {
			out = &Result{Entry: prior, Balance: acc.Balance, Duplicate: true}
			return nil
		}
		requested, err := due(ctx, tx)
		if err != nil {
			return err
		}
		if requested <= 0 {
			out = &Result{Balance: acc.Balance, Duplicate: true}
			return nil
		}

		charge := min(requested, acc.Balance)
		meta := map[string]any{}
		for k, v := range req.Metadata {
			meta[k] = v
		}
		meta["requested"] = requested
		if short := requested - charge; short > 0 {
			meta["shortfall"] = short
		}

		e := &LedgerEntry{
			Amount:         -charge,
			Kind:           KindRefund,
			Source:         SourceStripe,
			IdempotencyKey: req.IdempotencyKey,
			Reference:      req.Reference,
			Description:    req.Description,
			Metadata:       meta,
		}
		if err := s.post(ctx, tx, acc, e, &res); err != nil {
			return err
		}
		if err := s.finish(ctx, tx, acc, true, &res); err != nil {
			return err
		}
		out = &Result{Entry: e, Balance: acc.Balance}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if out.Duplicate {
		duplicateRequests.WithLabelValues("clawback").Inc()
		return out, nil
	}
	s.log.Info("credits clawed back",
		slog.String("user_id", req.UserID),
		slog.String("reference", req.Reference),
		slog.Any("requested", out.Entry.Metadata["requested"]),
		slog.Int64("charged", -out.Entry.Amount))
	s.afterCommit(ctx, &res)
	return out, nil
}

// Ledger returns a page of entries, newest first, strictly before the
// cursor when one is given.
func (s *Service) Ledger(ctx context.Context, userID string, limit int, before *LedgerCursor) (*LedgerPage, error) {
	if limit <= 0 {
		limit = 50
	}
	entries, err := s.store.ListEntries(ctx, userID, limit, before)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []LedgerEntry{}
	}
	page := &LedgerPage{Entries: entries}
	if len(entries) == limit {
		last := entries[len(entries)-1]
		page.NextBefore = &last.CreatedAt
		page.NextBeforeID = last.ID
	}
	return page, nil
}

// EntriesByReference lists entries sharing an external reference, such as
// a Stripe payment intent.
func (s *Service) EntriesByReference(ctx context.Context, reference string) ([]LedgerEntry, error) {
	return s.store.EntriesByReference(ctx, reference)
}

// EntriesBetween pages through every entry in [from, to), oldest first.
func (s *Service) EntriesBetween(ctx context.Context, from, to time.Time, afterID string, limit int) ([]LedgerEntry, error) {
	return s.store.EntriesBetween(ctx, from, to, afterID, limit)
}

// Reserve holds req.Amount until the reservation is settled, released or
// expires. The hold is a ledger debit so concurrent work cannot spend it.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (*ReservationResult, error) {
	if req.Amount <= 0 {
		return nil, apperror.NewBadRequest("amount must be positive")
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = "reserve:" + uuid.NewString()
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.catalog.ReservationTTL
	}

	ctx, span := tracing.Start(ctx, "credits.reserve",
		attribute.String("user.id", req.UserID),
		attribute.Int64("credits.amount", req.Amount))
	defer span.End()

	var (
		res effects
		out *ReservationResult
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		acc, err := s.lock(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		prior, err := tx.ReservationByKey(ctx, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if prior != nil {
			if prior.UserID != req.UserID {
				return apperror.ErrConflict.WithMessage("idempotency key belongs to another account")
			}
			out = &ReservationResult{Reservation: prior, Balance: acc.Balance, Duplicate: true}
			return nil
		}
		if acc.DeletedAt != nil {
			return apperror.ErrForbidden.WithMessage("account is deleted")
		}
		if acc.Balance < req.Amount {
			insufficientBalance.WithLabelValues("reserve").Inc()
			return insufficient(acc.Balance, req.Amount)
		}

		now := s.now()
		r := &Reservation{
			ID:             uuid.NewString(),
			UserID:         acc.UserID,
			Amount:         req.Amount,
			Status:         ReservationHeld,
			IdempotencyKey: req.IdempotencyKey,
			Description:    req.Description,
			ExpiresAt:      now.Add(ttl),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertReservation(ctx, r); err != nil {
			if errors.Is(err, errDuplicateKey) {
				return apperror.ErrConflict.WithMessage("idempotency key already used")
			}
			return err
		}
		e := &LedgerEntry{
			Amount:         -req.Amount,
			Kind:           KindHold,
			Source:         SourceUsage,
			IdempotencyKey: "hold:" + r.ID,
			Reference:      r.ID,
			Description:    req.Description,
			Metadata:       req.Metadata,
		}
		if err := s.post(ctx, tx, acc, e, &res); err != nil {
			return err
		}
		if err := s.finish(ctx, tx, acc, false, &res); err != nil {
			return err
		}
		out = &ReservationResult{Reservation: r, Balance: acc.Balance}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if out.Duplicate {
		duplicateRequests.WithLabelValues("reserve").Inc()
		return out, nil
	}
	s.afterCommit(ctx, &res)
	return out, nil
}

// withReservation locks the owning account, then the reservation, and
// hands both to fn.
func (s *Service) withReservation(ctx context.Context, id string, fn func(tx Tx, acc *AccountState, r *Reservation) error) error {
	r, err := s.store.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	if r == nil {
		return apperror.NewNotFound("reservation", id)
	}
	return s.store.WithTx(ctx, func(tx Tx) error {
		acc, err := s.lock(ctx, tx, r.UserID)
		if err != nil {
			return err
		}
		locked, err := tx.LockReservation(ctx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return apperror.NewNotFound("reservation", id)
		}
		return fn(tx, acc, locked)
	})
}

// Settle closes a held reservation against the actual cost. The unused part
// of the hold is refunded; an overage is debited up to the available
// balance and the rest recorded as shortfall. Settling twice is a no-op.
func (s *Service) Settle(ctx context.Context, reservationID string, actual int64) (*ReservationResult, error) {
	if actual < 0 {
		return nil, apperror.NewBadRequest("actual cost cannot be negative")
	}

	ctx, span := tracing.Start(ctx, "credits.settle",
		attribute.String("reservation.id", reservationID),
		attribute.Int64("credits.actual", actual))
	defer span.End()

	var (
		res effects
		out *ReservationResult
	)
	err := s.withReservation(ctx, reservationID, func(tx Tx, acc *AccountState, r *Reservation) error {
		switch r.Status {
		case ReservationSettled:
			out = &ReservationResult{Reservation: r, Balance: acc.Balance, Duplicate: true}
			return nil
		case ReservationHeld:
		default:
			return apperror.ErrReservationClosed.WithDetails(map[string]any{"status": r.Status})
		}

		var shortfall int64
		key := "settle:" + r.ID
		switch diff := r.Amount - actual; {
		case diff > 0:
			e := &LedgerEntry{
				Amount:         diff,
				Kind:           KindRelease,
				Source:         SourceUsage,
				IdempotencyKey: key,
				Reference:      r.ID,
				Description:    "unused hold",
				Metadata:       map[string]any{"held": r.Amount, "actual": actual},
			}
			if err := s.post(ctx, tx, acc, e, &res); err != nil {
				return err
			}
		case diff < 0:
			over := -diff
			charge := min(over, acc.Balance)
			shortfall = over - charge
			meta := map[string]any{"held": r.Amount, "actual": actual, "overage": over}
			if shortfall > 0 {
				meta["shortfall"] = shortfall
			}
			e := &LedgerEntry{
				Amount:         -charge,
				Kind:           KindConsume,
				Source:         SourceUsage,
				IdempotencyKey: key,
				Reference:      r.ID,
				Description:    "usage over hold",
				Metadata:       meta,
			}
			if err := s.post(ctx, tx, acc, e, &res); err != nil {
				return err
			}
		}

		now := s.now()
		r.Status = ReservationSettled
		r.SettledAmount = &actual
		r.ClosedAt = &now
		r.UpdatedAt = now
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		if err := s.finish(ctx, tx, acc, true, &res); err != nil {
			return err
		}
		out = &ReservationResult{Reservation: r, Balance: acc.Balance, Shortfall: shortfall}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if out.Duplicate {
		duplicateRequests.WithLabelValues("settle").Inc()
		return out, nil
	}
	if out.Shortfall > 0 {
		s.log.Warn("usage exceeded balance",
			slog.String("reservation_id", reservationID),
			slog.Int64("shortfall", out.Shortfall))
	}
	s.afterCommit(ctx, &res)
	return out, nil
}

// Release refunds a held reservation in full.
func (s *Service) Release(ctx context.Context, reservationID string) (*ReservationResult, error) {
	return s.close(ctx, reservationID, ReservationReleased)
}

func (s *Service) close(ctx context.Context, reservationID string, status ReservationStatus) (*ReservationResult, error) {
	ctx, span := tracing.Start(ctx, "credits."+string(status),
		attribute.String("reservation.id", reservationID))
	defer span.End()

	var (
		res effects
		out *ReservationResult
	)
	err := s.withReservation(ctx, reservationID, func(tx Tx, acc *AccountState, r *Reservation) error {
		switch {
		case r.Status == status:
			out = &ReservationResult{Reservation: r, Balance: acc.Balance, Duplicate: true}
			return nil
		case r.Status != ReservationHeld:
			return apperror.ErrReservationClosed.WithDetails(map[string]any{"status": r.Status})
		}

		e := &LedgerEntry{
			Amount:         r.Amount,
			Kind:           KindRelease,
			Source:         SourceUsage,
			IdempotencyKey: string(status) + ":" + r.ID,
			Reference:      r.ID,
			Description:    "hold " + string(status),
		}
		if err := s.post(ctx, tx, acc, e, &res); err != nil {
			return err
		}
		now := s.now()
		zero := int64(0)
		r.Status = status
		r.SettledAmount = &zero
		r.ClosedAt = &now
		r.UpdatedAt = now
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return err
		}
		if err := s.finish(ctx, tx, acc, false, &res); err != nil {
			return err
		}
		out = &ReservationResult{Reservation: r, Balance: acc.Balance}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if !out.Duplicate {
		s.afterCommit(ctx, &res)
	}
	return out, nil
}

// ExpireReservations releases held reservations whose TTL passed before
// now. It returns how many were expired; one failure does not stop the
// sweep.
func (s *Service) ExpireReservations(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.ExpiredReservations(ctx, now, DefaultExpireBatch)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, id := range ids {
		res, err := s.close(ctx, id, ReservationExpired)
		if err != nil {
			// Settled concurrently by the request that owned it.
			if errors.Is(err, apperror.ErrReservationClosed) {
				continue
			}
			s.log.Error("reservation expiry failed", slog.String("reservation_id", id), logger.Error(err))
			errs = append(errs, err)
			continue
		}
		if !res.Duplicate {
			expired++
		}
	}
	if expired > 0 {
		s.log.Info("expired reservations released", slog.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}
