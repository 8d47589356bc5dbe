package credits

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/agentbilling/domain/plans"
	"github.com/emergent-company/agentbilling/internal/config"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/auth"
)

// memStore is an in-memory Store. WithTx serialises transactions and rolls
// state back when fn fails.
type memStore struct {
	mu           sync.Mutex
	accounts     map[string]AccountState
	entries      []LedgerEntry
	reservations map[string]Reservation
}

func newMemStore() *memStore {
	return &memStore{
		accounts:     map[string]AccountState{},
		reservations: map[string]Reservation{},
	}
}

func (m *memStore) addAccount(userID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[userID] = AccountState{UserID: userID, Email: userID + "@example.com", Balance: balance}
}

func (m *memStore) account(userID string) AccountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[userID]
}

func (m *memStore) WithTx(_ context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := make(map[string]AccountState, len(m.accounts))
	for k, v := range m.accounts {
		accounts[k] = v
	}
	reservations := make(map[string]Reservation, len(m.reservations))
	for k, v := range m.reservations {
		reservations[k] = v
	}
	entries := len(m.entries)

	if err := fn(&memTx{m: m}); err != nil {
		m.accounts = accounts
		m.reservations = reservations
		m.entries = m.entries[:entries]
		return err
	}
	return nil
}

func (m *memStore) Balance(_ context.Context, userID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[userID]
	return acc.Balance, ok, nil
}

func (m *memStore) ListEntries(_ context.Context, userID string, limit int, before *LedgerCursor) ([]LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	newer := func(a, b LedgerEntry) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	}
	var out []LedgerEntry
	for _, e := range m.entries {
		if e.UserID != userID {
			continue
		}
		if before != nil {
			if before.ID == "" && !e.CreatedAt.Before(before.CreatedAt) {
				continue
			}
			if before.ID != "" && !newer(LedgerEntry{CreatedAt: before.CreatedAt, ID: before.ID}, e) {
				continue
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return newer(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) EntriesByReference(_ context.Context, reference string) ([]LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LedgerEntry
	for _, e := range m.entries {
		if e.Reference == reference {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) EntriesBetween(_ context.Context, from, to time.Time, afterID string, limit int) ([]LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []LedgerEntry
	seen := afterID == ""
	for _, e := range m.entries {
		if !seen {
			seen = e.ID == afterID
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) GetReservation(_ context.Context, id string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memStore) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, r := range m.reservations {
		if r.Status == ReservationHeld && !r.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// memTx runs with memStore.mu held.
type memTx struct {
	m *memStore
}

func (t *memTx) LockAccount(_ context.Context, userID string) (*AccountState, error) {
	acc, ok := t.m.accounts[userID]
	if !ok {
		return nil, nil
	}
	return &acc, nil
}

func (t *memTx) SaveAccount(_ context.Context, acc *AccountState) error {
	t.m.accounts[acc.UserID] = *acc
	return nil
}

func (t *memTx) EntryByKey(_ context.Context, key string) (*LedgerEntry, error) {
	for _, e := range t.m.entries {
		if e.IdempotencyKey == key {
			return &e, nil
		}
	}
	return nil, nil
}

func (t *memTx) EntriesByReference(_ context.Context, reference string) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for _, e := range t.m.entries {
		if e.Reference == reference {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) InsertEntry(ctx context.Context, e *LedgerEntry) error {
	if prior, _ := t.EntryByKey(ctx, e.IdempotencyKey); prior != nil {
		return errDuplicateKey
	}
	t.m.entries = append(t.m.entries, *e)
	return nil
}

func (t *memTx) ReservationByKey(_ context.Context, key string) (*Reservation, error) {
	for _, r := range t.m.reservations {
		if r.IdempotencyKey == key {
			return &r, nil
		}
	}
	return nil, nil
}

func (t *memTx) LockReservation(_ context.Context, id string) (*Reservation, error) {
	r, ok := t.m.reservations[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *memTx) InsertReservation(_ context.Context, r *Reservation) error {
	t.m.reservations[r.ID] = *r
	return nil
}

func (t *memTx) UpdateReservation(_ context.Context, r *Reservation) error {
	t.m.reservations[r.ID] = *r
	return nil
}

type lowBalanceCall struct {
	userID    string
	balance   int64
	threshold int64
}

type recordingNotifier struct {
	mu         sync.Mutex
	lowBalance []lowBalanceCall
	added      []LedgerEntry
	lowErr     error
}

func (n *recordingNotifier) LowBalance(_ context.Context, userID, _ string, balance, threshold int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lowBalance = append(n.lowBalance, lowBalanceCall{userID, balance, threshold})
	return n.lowErr
}

func (n *recordingNotifier) CreditsAdded(_ context.Context, _, _ string, entry *LedgerEntry, _ int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.added = append(n.added, *entry)
	return nil
}

func testCatalog(t *testing.T) *plans.Catalog {
	t.Helper()
	c, err := plans.Load("")
	require.NoError(t, err)
	return c
}

func newTestService(t *testing.T) (*Service, *memStore, *recordingNotifier) {
	t.Helper()
	store := newMemStore()
	notifier := &recordingNotifier{}
	svc := NewService(ServiceParams{
		Store:    store,
		Catalog:  testCatalog(t),
		Notifier: notifier,
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return svc, store, notifier
}

func TestGrant_IdempotentByKey(t *testing.T) {
	svc, store, notifier := newTestService(t)
	store.addAccount("user_1", 0)
	ctx := context.Background()

	req := GrantRequest{
		UserID:         "user_1",
		Amount:         500,
		Kind:           KindPurchase,
		Source:         SourceStripe,
		IdempotencyKey: "stripe:checkout:cs_1",
		Reference:      "pi_1",
	}
	first, err := svc.Grant(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(500), first.Balance)

	second, err := svc.Grant(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(500), second.Balance)
	assert.Equal(t, first.Entry.ID, second.Entry.ID)

	assert.Equal(t, int64(500), store.account("user_1").Balance)
	assert.Len(t, store.entries, 1)
	assert.Len(t, notifier.added, 1, "receipt only for the first grant")
}

func TestGrant_Validation(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 0)
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantRequest{UserID: "user_1", Amount: 0, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, apperror.ErrBadRequest)

	_, err = svc.Grant(ctx, GrantRequest{UserID: "user_1", Amount: 10})
	assert.ErrorIs(t, err, apperror.ErrBadRequest)

	_, err = svc.Grant(ctx, GrantRequest{UserID: "ghost", Amount: 10, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, apperror.ErrAccountNotFound)
}

func TestGrant_KeyOwnedByAnotherAccount(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 0)
	store.addAccount("user_2", 0)
	ctx := context.Background()

	_, err := svc.Grant(ctx, GrantRequest{UserID: "user_1", Amount: 10, IdempotencyKey: "shared"})
	require.NoError(t, err)

	_, err = svc.Grant(ctx, GrantRequest{UserID: "user_2", Amount: 10, IdempotencyKey: "shared"})
	assert.ErrorIs(t, err, apperror.ErrConflict)
	assert.Equal(t, int64(0), store.account("user_2").Balance)
}

func TestConsume(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 100)
	ctx := context.Background()

	res, err := svc.Consume(ctx, ConsumeRequest{UserID: "user_1", Amount: 30, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(70), res.Balance)
	assert.Equal(t, int64(-30), res.Entry.Amount)
	assert.Equal(t, int64(70), res.Entry.BalanceAfter)
	assert.Equal(t, KindConsume, res.Entry.Kind)

	t.Run("repeated key does not charge twice", func(t *testing.T) {
		again, err := svc.Consume(ctx, ConsumeRequest{UserID: "user_1", Amount: 30, IdempotencyKey: "op-1"})
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, int64(70), store.account("user_1").Balance)
	})

	t.Run("insufficient balance", func(t *testing.T) {
		_, err := svc.Consume(ctx, ConsumeRequest{UserID: "user_1", Amount: 71, IdempotencyKey: "op-2"})
		require.ErrorIs(t, err, apperror.ErrInsufficientCredits)
		appErr, ok := apperror.As(err)
		require.True(t, ok)
		assert.Equal(t, int64(70), appErr.Details["balance"])
		assert.Equal(t, int64(71), appErr.Details["required"])
		assert.Equal(t, int64(70), store.account("user_1").Balance)
	})

	t.Run("key is required", func(t *testing.T) {
		_, err := svc.Consume(ctx, ConsumeRequest{UserID: "user_1", Amount: 1})
		assert.ErrorIs(t, err, apperror.ErrBadRequest)
	})
}

func TestConsume_DeletedAccount(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 100)
	acc := store.account("user_1")
	now := time.Now()
	acc.DeletedAt = &now
	store.accounts["user_1"] = acc

	_, err := svc.Consume(context.Background(), ConsumeRequest{UserID: "user_1", Amount: 1, IdempotencyKey: "k"})
	assert.ErrorIs(t, err, apperror.ErrForbidden)
}

func TestConsume_ConcurrentNeverOverdraws(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 100)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Consume(ctx, ConsumeRequest{
				UserID:         "user_1",
				Amount:         10,
				IdempotencyKey: "op-" + string(rune('a'+i)),
			})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, success)
	assert.Equal(t, int64(0), store.account("user_1").Balance)
}

func TestValidate(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 40)
	ctx := context.Background()

	v, err := svc.Validate(ctx, "user_1", 25)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, int64(0), v.Shortfall)

	v, err = svc.Validate(ctx, "user_1", 55)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, int64(15), v.Shortfall)

	v, err = svc.Validate(ctx, "user_1", 0)
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	_, err = svc.Validate(ctx, "ghost", 1)
	assert.ErrorIs(t, err, apperror.ErrAccountNotFound)

	assert.Equal(t, int64(40), store.account("user_1").Balance)
}

func TestClawback_CapsAtBalance(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 30)
	ctx := context.Background()

	req := ClawbackRequest{
		UserID:         "user_1",
		Amount:         50,
		IdempotencyKey: "stripe:refund:ch_1:5000",
		Reference:      "pi_1",
	}
	res, err := svc.Clawback(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Balance)
	assert.Equal(t, int64(-30), res.Entry.Amount)
	assert.Equal(t, KindRefund, res.Entry.Kind)
	assert.Equal(t, int64(50), res.Entry.Metadata["requested"])
	assert.Equal(t, int64(20), res.Entry.Metadata["shortfall"])

	again, err := svc.Clawback(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	refs, err := svc.EntriesByReference(ctx, "pi_1")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestClawbackTo_CumulativeTarget(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 1000)
	ctx := context.Background()

	req := func(key string, target int64) ClawbackRequest {
		return ClawbackRequest{UserID: "user_1", Amount: target, IdempotencyKey: key, Reference: "pi_1"}
	}

	res, err := svc.ClawbackTo(ctx, req("r:200", 200))
	require.NoError(t, err)
	assert.Equal(t, int64(-200), res.Entry.Amount)

	res, err = svc.ClawbackTo(ctx, req("r:500", 500))
	require.NoError(t, err)
	assert.Equal(t, int64(-300), res.Entry.Amount)
	assert.Equal(t, int64(300), res.Entry.Metadata["requested"])

	res, err = svc.ClawbackTo(ctx, req("r:400", 400))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Nil(t, res.Entry)
	assert.Equal(t, int64(500), store.account("user_1").Balance)

	_, err = svc.ClawbackTo(ctx, ClawbackRequest{UserID: "user_1", Amount: 10, IdempotencyKey: "r:x"})
	assert.Error(t, err)
}

func TestClawbackTo_ConcurrentRefundsForOnePayment(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 1500)
	ctx := context.Background()

	targets := []int64{200, 500, 350, 500, 100}
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target int64) {
			defer wg.Done()
			<-start
			_, err := svc.ClawbackTo(ctx, ClawbackRequest{
				UserID:         "user_1",
				Amount:         target,
				IdempotencyKey: "stripe:refund:ch_1:" + string(rune('a'+i)),
				Reference:      "pi_1",
			})
			assert.NoError(t, err)
		}(i, target)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1000), store.account("user_1").Balance)
	refs, err := svc.EntriesByReference(ctx, "pi_1")
	require.NoError(t, err)
	var total int64
	for _, e := range refs {
		total += metaInt(e.Metadata["requested"])
	}
	assert.Equal(t, int64(500), total)
}

func TestReserve_MetadataOnHold(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 100)
	ctx := context.Background()

	held, err := svc.Reserve(ctx, ReserveRequest{
		UserID:   "user_1",
		Amount:   30,
		Metadata: map[string]any{"agent_id": "agent_7", "model": "gpt-4o-mini"},
	})
	require.NoError(t, err)

	entries, err := svc.EntriesByReference(ctx, held.Reservation.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, KindHold, entries[0].Kind)
	assert.Equal(t, "agent_7", entries[0].Metadata["agent_id"])
	assert.Equal(t, "gpt-4o-mini", entries[0].Metadata["model"])
}

func TestReserveSettle(t *testing.T) {
	tests := []struct {
		name          string
		balance       int64
		hold          int64
		actual        int64
		wantBalance   int64
		wantShortfall int64
		wantKind      Kind
	}{
		{name: "under estimate refunds the rest", balance: 100, hold: 40, actual: 15, wantBalance: 85, wantKind: KindRelease},
		{name: "exact estimate", balance: 100, hold: 40, actual: 40, wantBalance: 60},
		{name: "overage is debited", balance: 100, hold: 40, actual: 55, wantBalance: 45, wantKind: KindConsume},
		{name: "overage past balance is shortfall", balance: 50, hold: 40, actual: 65, wantBalance: 0, wantShortfall: 15, wantKind: KindConsume},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService(t)
			store.addAccount("user_1", tt.balance)
			ctx := context.Background()

			held, err := svc.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: tt.hold, IdempotencyKey: "chat:1"})
			require.NoError(t, err)
			assert.Equal(t, ReservationHeld, held.Reservation.Status)
			assert.Equal(t, tt.balance-tt.hold, held.Balance)

			settled, err := svc.Settle(ctx, held.Reservation.ID, tt.actual)
			require.NoError(t, err)
			assert.Equal(t, ReservationSettled, settled.Reservation.Status)
			assert.Equal(t, tt.wantBalance, settled.Balance)
			assert.Equal(t, tt.wantShortfall, settled.Shortfall)
			require.NotNil(t, settled.Reservation.SettledAmount)
			assert.Equal(t, tt.actual, *settled.Reservation.SettledAmount)

			entries, err := svc.EntriesByReference(ctx, held.Reservation.ID)
			require.NoError(t, err)
			if tt.wantKind == "" {
				assert.Len(t, entries, 1)
			} else {
				require.Len(t, entries, 2)
				assert.Equal(t, tt.wantKind, entries[1].Kind)
				assert.Equal(t, "settle:"+held.Reservation.ID, entries[1].IdempotencyKey)
			}

			again, err := svc.Settle(ctx, held.Reservation.ID, tt.actual)
			require.NoError(t, err)
			assert.True(t, again.Duplicate)
			assert.Equal(t, tt.wantBalance, store.account("user_1").Balance)
		})
	}
}

func TestReserve_InsufficientAndDuplicate(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: 11, IdempotencyKey: "r1"})
	assert.ErrorIs(t, err, apperror.ErrInsufficientCredits)
	assert.Empty(t, store.reservations)

	first, err := svc.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: 5, IdempotencyKey: "r2"})
	require.NoError(t, err)
	second, err := svc.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: 5, IdempotencyKey: "r2"})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Reservation.ID, second.Reservation.ID)
	assert.Equal(t, int64(5), store.account("user_1").Balance)
}

func TestRelease(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 100)
	ctx := context.Background()

	held, err := svc.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: 60})
	require.NoError(t, err)

	released, err := svc.Release(ctx, held.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, ReservationReleased, released.Reservation.Status)
	assert.Equal(t, int64(100), released.Balance)

	again, err := svc.Release(ctx, held.Reservation.ID)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	_, err = svc.Settle(ctx, held.Reservation.ID, 10)
	assert.ErrorIs(t, err, apperror.ErrReservationClosed)
	assert.Equal(t, int64(100), store.account("user_1").Balance)

	_, err = svc.Release(ctx, "missing")
	assert.ErrorIs(t, err, apperror.ErrNotFound)
}

func TestExpireReservations(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 100)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	stale, err := svc.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: 20, TTL: time.Minute})
	require.NoError(t, err)
	fresh, err := svc.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: 30, TTL: time.Hour})
	require.NoError(t, err)
	settled, err := svc.Reserve(ctx, ReserveRequest{UserID: "user_1", Amount: 10, TTL: time.Minute})
	require.NoError(t, err)
	_, err = svc.Settle(ctx, settled.Reservation.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(40), store.account("user_1").Balance)

	n, err := svc.ExpireReservations(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(60), store.account("user_1").Balance)

	r, _ := store.GetReservation(ctx, stale.Reservation.ID)
	assert.Equal(t, ReservationExpired, r.Status)
	r, _ = store.GetReservation(ctx, fresh.Reservation.ID)
	assert.Equal(t, ReservationHeld, r.Status)

	_, err = svc.Settle(ctx, stale.Reservation.ID, 5)
	assert.ErrorIs(t, err, apperror.ErrReservationClosed)
}

func TestLowBalanceLatch(t *testing.T) {
	svc, store, notifier := newTestService(t)
	threshold := svc.catalog.LowBalanceThreshold
	require.Positive(t, threshold)
	store.addAccount("user_1", threshold+10)
	ctx := context.Background()

	_, err := svc.Consume(ctx, ConsumeRequest{UserID: "user_1", Amount: 5, IdempotencyKey: "a"})
	require.NoError(t, err)
	assert.Empty(t, notifier.lowBalance, "still above threshold")

	_, err = svc.Consume(ctx, ConsumeRequest{UserID: "user_1", Amount: 10, IdempotencyKey: "b"})
	require.NoError(t, err)
	require.Len(t, notifier.lowBalance, 1)
	assert.Equal(t, threshold-5, notifier.lowBalance[0].balance)
	assert.Equal(t, threshold, notifier.lowBalance[0].threshold)

	_, err = svc.Consume(ctx, ConsumeRequest{UserID: "user_1", Amount: 1, IdempotencyKey: "c"})
	require.NoError(t, err)
	assert.Len(t, notifier.lowBalance, 1, "one notice until topped up")

	_, err = svc.Grant(ctx, GrantRequest{UserID: "user_1", Amount: 100, IdempotencyKey: "topup"})
	require.NoError(t, err)
	assert.Nil(t, store.account("user_1").LowBalanceNotifiedAt)

	_, err = svc.Consume(ctx, ConsumeRequest{UserID: "user_1", Amount: store.account("user_1").Balance - 1, IdempotencyKey: "d"})
	require.NoError(t, err)
	assert.Len(t, notifier.lowBalance, 2)
}

func TestLowBalanceLatch_OnlyWhenNoticeQueued(t *testing.T) {
	svc, store, notifier := newTestService(t)
	threshold := svc.catalog.LowBalanceThreshold
	require.Positive(t, threshold)
	ctx := context.Background()

	store.addAccount("no_email", threshold+10)
	store.mu.Lock()
	acc := store.accounts["no_email"]
	acc.Email = ""
	store.accounts["no_email"] = acc
	store.mu.Unlock()

	_, err := svc.Consume(ctx, ConsumeRequest{UserID: "no_email", Amount: 20, IdempotencyKey: "ne-1"})
	require.NoError(t, err)
	assert.Nil(t, store.account("no_email").LowBalanceNotifiedAt)
	assert.Empty(t, notifier.lowBalance)

	store.addAccount("user_1", threshold+10)
	notifier.lowErr = errors.New("queue unavailable")
	_, err = svc.Consume(ctx, ConsumeRequest{UserID: "user_1", Amount: 20, IdempotencyKey: "u-1"})
	require.NoError(t, err)
	require.Len(t, notifier.lowBalance, 1)
	assert.Nil(t, store.account("user_1").LowBalanceNotifiedAt, "latch rearmed after failed enqueue")

	notifier.lowErr = nil
	_, err = svc.Consume(ctx, ConsumeRequest{UserID: "user_1", Amount: 1, IdempotencyKey: "u-2"})
	require.NoError(t, err)
	assert.Len(t, notifier.lowBalance, 2)
	assert.NotNil(t, store.account("user_1").LowBalanceNotifiedAt)
}

func TestLedgerPaging(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 0)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		svc.now = func() time.Time { return at }
		_, err := svc.Grant(ctx, GrantRequest{UserID: "user_1", Amount: int64(i + 1), IdempotencyKey: "g" + string(rune('0'+i))})
		require.NoError(t, err)
	}

	page, err := svc.Ledger(ctx, "user_1", 3, nil)
	require.NoError(t, err)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, int64(5), page.Entries[0].Amount)
	require.NotNil(t, page.NextBefore)

	assert.Equal(t, page.Entries[2].ID, page.NextBeforeID)

	rest, err := svc.Ledger(ctx, "user_1", 3, &LedgerCursor{CreatedAt: *page.NextBefore, ID: page.NextBeforeID})
	require.NoError(t, err)
	require.Len(t, rest.Entries, 2)
	assert.Equal(t, int64(2), rest.Entries[0].Amount)
	assert.Nil(t, rest.NextBefore)
}

func TestLedgerPaging_SharedTimestamp(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addAccount("user_1", 0)
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return at }
	for i := 0; i < 5; i++ {
		_, err := svc.Grant(ctx, GrantRequest{UserID: "user_1", Amount: int64(i + 1), IdempotencyKey: "same-" + string(rune('0'+i))})
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	var cursor *LedgerCursor
	for pages := 0; pages < 5; pages++ {
		page, err := svc.Ledger(ctx, "user_1", 2, cursor)
		require.NoError(t, err)
		for _, e := range page.Entries {
			assert.False(t, seen[e.ID], "entry %s repeated", e.ID)
			seen[e.ID] = true
		}
		if page.NextBefore == nil {
			break
		}
		cursor = &LedgerCursor{CreatedAt: *page.NextBefore, ID: page.NextBeforeID}
	}
	assert.Len(t, seen, 5)
}

type failingStore struct {
	*memStore
}

func (f failingStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return f.memStore.WithTx(ctx, func(tx Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errors.New("commit failed")
	})
}

func TestFailedCommitRollsBack(t *testing.T) {
	store := newMemStore()
	store.addAccount("user_1", 50)
	svc := NewService(ServiceParams{
		Store:   failingStore{store},
		Catalog: testCatalog(t),
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	_, err := svc.Consume(context.Background(), ConsumeRequest{UserID: "user_1", Amount: 10, IdempotencyKey: "k"})
	require.Error(t, err)
	assert.Equal(t, int64(50), store.account("user_1").Balance)
	assert.Empty(t, store.entries)
}

func newTestHandler(t *testing.T) (*echo.Echo, *memStore) {
	t.Helper()
	svc, store, _ := newTestService(t)
	h := NewHandler(svc, &config.Config{Credits: config.CreditsConfig{MaxLedgerPage: 10}})

	e := echo.New()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	withUser := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(string(auth.UserContextKey), &auth.AuthUser{ID: "user_1"})
			return next(c)
		}
	}
	e.GET("/api/credits/balance", h.Balance, withUser)
	e.POST("/api/credits/consume", h.Consume, withUser)
	e.GET("/api/credits/ledger", h.Ledger, withUser)
	e.POST("/api/admin/credits/grant", h.AdminGrant)
	return e, store
}

func TestHandler_ConsumeWithHeaderKey(t *testing.T) {
	e, store := newTestHandler(t)
	store.addAccount("user_1", 20)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/credits/consume", strings.NewReader(`{"amount":5,"description":"tool call"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set("Idempotency-Key", "abc")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec := send()
	require.Equal(t, http.StatusCreated, rec.Code)
	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(15), res.Balance)
	assert.Equal(t, "usage:user_1:abc", res.Entry.IdempotencyKey)

	rec = send()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(15), store.account("user_1").Balance)
}

func TestHandler_ConsumeInsufficient(t *testing.T) {
	e, store := newTestHandler(t)
	store.addAccount("user_1", 2)

	req := httptest.NewRequest(http.MethodPost, "/api/credits/consume", strings.NewReader(`{"amount":5,"idempotencyKey":"x"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient_credits")
}

func TestHandler_LedgerBadParams(t *testing.T) {
	e, store := newTestHandler(t)
	store.addAccount("user_1", 0)

	for _, q := range []string{"limit=abc", "limit=-1", "before=yesterday", "beforeId=e1"} {
		req := httptest.NewRequest(http.MethodGet, "/api/credits/ledger?"+q, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHandler_AdminGrant(t *testing.T) {
	e, store := newTestHandler(t)
	store.addAccount("user_2", 0)

	body := `{"userId":"user_2","amount":250,"reason":"support credit","idempotencyKey":"ticket-9"}`
	req := httptest.NewRequest(http.MethodPost, "/api/admin/credits/grant", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(250), store.account("user_2").Balance)
	assert.Equal(t, "admin:ticket-9", store.entries[0].IdempotencyKey)
	assert.Equal(t, SourceAdmin, store.entries[0].Source)

	req = httptest.NewRequest(http.MethodPost, "/api/admin/credits/grant", strings.NewReader(`{"userId":"user_2","amount":5,"idempotencyKey":"k","kind":"purchase"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
