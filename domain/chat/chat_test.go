package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emergent-company/agentbilling/domain/credits"
	"github.com/emergent-company/agentbilling/domain/plans"
	"github.com/emergent-company/agentbilling/pkg/apperror"
	"github.com/emergent-company/agentbilling/pkg/auth"
	"github.com/emergent-company/agentbilling/pkg/sse"
)

type fakeLedger struct {
	mu       sync.Mutex
	balance  int64
	held     map[string]int64
	reserved []credits.ReserveRequest
	settled  map[string]int64
	released []string
}

func newFakeLedger(balance int64) *fakeLedger {
	return &fakeLedger{balance: balance, held: map[string]int64{}, settled: map[string]int64{}}
}

func (f *fakeLedger) Reserve(_ context.Context, req credits.ReserveRequest) (*credits.ReservationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance < req.Amount {
		return nil, apperror.ErrInsufficientCredits.WithDetails(map[string]any{
			"balance": f.balance, "required": req.Amount,
		})
	}
	f.balance -= req.Amount
	id := "res_" + req.IdempotencyKey
	f.held[id] = req.Amount
	f.reserved = append(f.reserved, req)
	return &credits.ReservationResult{
		Reservation: &credits.Reservation{ID: id, UserID: req.UserID, Amount: req.Amount, Status: credits.ReservationHeld},
		Balance:     f.balance,
	}, nil
}

func (f *fakeLedger) Settle(_ context.Context, id string, actual int64) (*credits.ReservationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	held, ok := f.held[id]
	if !ok {
		return nil, apperror.ErrReservationClosed
	}
	delete(f.held, id)
	f.balance += held
	charge := min(actual, f.balance)
	f.balance -= charge
	f.settled[id] = actual
	return &credits.ReservationResult{Balance: f.balance, Shortfall: actual - charge}, nil
}

func (f *fakeLedger) Release(_ context.Context, id string) (*credits.ReservationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance += f.held[id]
	delete(f.held, id)
	f.released = append(f.released, id)
	return &credits.ReservationResult{Balance: f.balance}, nil
}

type fakeStreamer struct {
	tokens []string
	usage  *Usage
	// failAfter fails the stream once that many tokens were sent; -1 never.
	failAfter int
	got       StreamRequest
}

func (s *fakeStreamer) Stream(ctx context.Context, req StreamRequest, onToken func(string) error) (*Usage, error) {
	s.got = req
	for i, tok := range s.tokens {
		if i == s.failAfter {
			return nil, errors.New("upstream reset")
		}
		if err := onToken(tok); err != nil {
			return nil, err
		}
	}
	if s.failAfter >= len(s.tokens) {
		return nil, errors.New("upstream reset")
	}
	return s.usage, nil
}

type recordedEvent struct {
	name string
	data any
}

type recorder struct{ events []recordedEvent }

func (r *recorder) WriteEvent(name string, data any) error {
	r.events = append(r.events, recordedEvent{name, data})
	return nil
}

func (r *recorder) names() []string {
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.name
	}
	return out
}

func (r *recorder) find(name string) any {
	for _, e := range r.events {
		if e.name == name {
			return e.data
		}
	}
	return nil
}

func newTestService(t *testing.T, ledger Ledger, streamer Streamer, limiter *RateLimiter) *Service {
	t.Helper()
	catalog, err := plans.Load("")
	require.NoError(t, err)
	p := ServiceParams{Ledger: ledger, Catalog: catalog, Limiter: limiter, Log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if streamer != nil {
		p.Streamer = streamer
	}
	return NewService(p)
}

func userMessages(text string) *CompletionRequest {
	return &CompletionRequest{Model: "gpt-4o", Messages: []Message{{Role: "user", Content: text}}, MaxTokens: 500}
}

func TestStart_HoldsWorstCaseEstimate(t *testing.T) {
	ledger := newFakeLedger(1000)
	svc := newTestService(t, ledger, &fakeStreamer{failAfter: -1}, nil)

	// 16 chars -> 4 tokens + 4 overhead = 8 prompt tokens.
	sess, err := svc.Start(context.Background(), "user_1", userMessages("0123456789abcdef"))
	require.NoError(t, err)

	// gpt-4o: (8*5 + 500*20) / 1000 = 10.04 -> 11
	assert.Equal(t, 8, sess.PromptTokens)
	assert.Equal(t, int64(11), sess.Reservation.Amount)
	assert.Equal(t, int64(989), sess.Balance)
	require.Len(t, ledger.reserved, 1)
	assert.True(t, strings.HasPrefix(ledger.reserved[0].IdempotencyKey, "chat:"))
}

func TestStart_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		balance  int64
		streamer Streamer
		req      *CompletionRequest
		want     *apperror.Error
	}{
		{"not configured", 1000, nil, userMessages("hi"), apperror.ErrServiceUnavailable},
		{"insufficient", 5, &fakeStreamer{failAfter: -1}, userMessages("hi"), apperror.ErrInsufficientCredits},
		{"no messages", 1000, &fakeStreamer{failAfter: -1}, &CompletionRequest{}, apperror.ErrBadRequest},
		{"bad role", 1000, &fakeStreamer{failAfter: -1},
			&CompletionRequest{Messages: []Message{{Role: "tool", Content: "x"}}}, apperror.ErrBadRequest},
		{"unknown model", 1000, &fakeStreamer{failAfter: -1},
			&CompletionRequest{Model: "nope", Messages: []Message{{Role: "user", Content: "x"}}}, apperror.ErrBadRequest},
		{"too many tokens", 1000, &fakeStreamer{failAfter: -1},
			&CompletionRequest{MaxTokens: maxTokensCap + 1, Messages: []Message{{Role: "user", Content: "x"}}}, apperror.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := newFakeLedger(tt.balance)
			svc := newTestService(t, ledger, tt.streamer, nil)
			_, err := svc.Start(context.Background(), "user_1", tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, ledger.held)
		})
	}
}

func TestStart_RateLimited(t *testing.T) {
	svc := newTestService(t, newFakeLedger(1000), &fakeStreamer{failAfter: -1}, NewRateLimiter(1, 1))

	_, err := svc.Start(context.Background(), "user_1", userMessages("hi"))
	require.NoError(t, err)
	_, err = svc.Start(context.Background(), "user_1", userMessages("hi"))
	assert.ErrorIs(t, err, apperror.ErrRateLimited)

	_, err = svc.Start(context.Background(), "user_2", userMessages("hi"))
	assert.NoError(t, err, "limits are per user")
}

func TestStream_SettlesReportedUsage(t *testing.T) {
	ledger := newFakeLedger(1000)
	streamer := &fakeStreamer{
		tokens:    []string{"Hel", "lo"},
		usage:     &Usage{PromptTokens: 100, CompletionTokens: 200},
		failAfter: -1,
	}
	svc := newTestService(t, ledger, streamer, nil)
	sess, err := svc.Start(context.Background(), "user_1", userMessages("hello"))
	require.NoError(t, err)

	rec := &recorder{}
	svc.Stream(context.Background(), sess, rec)

	assert.Equal(t, []string{EventMeta, EventToken, EventToken, EventUsage, EventDone}, rec.names())
	// (100*5 + 200*20) / 1000 = 4.5 -> 5
	assert.Equal(t, int64(5), ledger.settled[sess.Reservation.ID])
	assert.Equal(t, int64(995), ledger.balance)
	assert.Empty(t, ledger.held)

	usage := rec.find(EventUsage).(UsageEvent)
	assert.False(t, usage.Estimated)
	assert.Equal(t, int64(5), usage.Charged)
	assert.Equal(t, int64(995), usage.Balance)
	assert.Equal(t, "user_1", streamer.got.User)
}

func TestStream_EstimatesMissingUsage(t *testing.T) {
	ledger := newFakeLedger(1000)
	svc := newTestService(t, ledger, &fakeStreamer{tokens: []string{"abcd", "efgh"}, failAfter: -1}, nil)
	sess, err := svc.Start(context.Background(), "user_1", userMessages("hello"))
	require.NoError(t, err)

	rec := &recorder{}
	svc.Stream(context.Background(), sess, rec)

	usage := rec.find(EventUsage).(UsageEvent)
	assert.True(t, usage.Estimated)
	assert.Equal(t, 2, usage.CompletionTokens)
	assert.Equal(t, sess.PromptTokens, usage.PromptTokens)
	assert.Equal(t, int64(1), ledger.settled[sess.Reservation.ID])
}

func TestStream_ReleasesOnEarlyFailure(t *testing.T) {
	ledger := newFakeLedger(1000)
	svc := newTestService(t, ledger, &fakeStreamer{tokens: []string{"x"}, failAfter: 0}, nil)
	sess, err := svc.Start(context.Background(), "user_1", userMessages("hello"))
	require.NoError(t, err)

	rec := &recorder{}
	svc.Stream(context.Background(), sess, rec)

	assert.Equal(t, []string{EventMeta, EventError, EventDone}, rec.names())
	assert.Equal(t, []string{sess.Reservation.ID}, ledger.released)
	assert.Empty(t, ledger.settled)
	assert.Equal(t, int64(1000), ledger.balance)
}

func TestStream_ChargesPartialOutput(t *testing.T) {
	ledger := newFakeLedger(1000)
	svc := newTestService(t, ledger, &fakeStreamer{tokens: []string{"abcd", "efgh", "ijkl"}, failAfter: 2}, nil)
	sess, err := svc.Start(context.Background(), "user_1", userMessages("hello"))
	require.NoError(t, err)

	rec := &recorder{}
	svc.Stream(context.Background(), sess, rec)

	assert.Equal(t, []string{EventMeta, EventToken, EventToken, EventError, EventUsage, EventDone}, rec.names())
	assert.Contains(t, ledger.settled, sess.Reservation.ID)
	assert.Empty(t, ledger.released)
}

func TestStream_SettlesAfterClientDisconnect(t *testing.T) {
	ledger := newFakeLedger(1000)
	svc := newTestService(t, ledger, &fakeStreamer{
		tokens: []string{"a"}, usage: &Usage{PromptTokens: 10, CompletionTokens: 10}, failAfter: -1,
	}, nil)
	sess, err := svc.Start(context.Background(), "user_1", userMessages("hello"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc.Stream(ctx, sess, &recorder{})

	assert.Contains(t, ledger.settled, sess.Reservation.ID)
}

func TestRateLimiter_Prune(t *testing.T) {
	l := NewRateLimiter(60, 2)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	l.get("c")

	assert.Equal(t, 1, l.Prune(), "only the untouched bucket is full")
	assert.Len(t, l.limiters, 2)
}

func TestHandler_Complete(t *testing.T) {
	ledger := newFakeLedger(1000)
	svc := newTestService(t, ledger, &fakeStreamer{
		tokens: []string{"Hi"}, usage: &Usage{PromptTokens: 10, CompletionTokens: 1}, failAfter: -1,
	}, nil)
	h := NewHandler(svc)

	e := echo.New()
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))

	call := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/chat/completions", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.Set(string(auth.UserContextKey), &auth.AuthUser{ID: "user_1"})
		if err := h.Complete(c); err != nil {
			e.HTTPErrorHandler(err, c)
		}
		return rec
	}

	rec := call(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hello"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "event: meta\n")
	assert.Contains(t, body, `event: token`+"\n"+`data: {"content":"Hi"}`)
	assert.Contains(t, body, "event: usage\n")
	assert.True(t, strings.HasSuffix(body, "event: done\ndata: {\"done\":true}\n\n"))

	ledger.balance = 0
	rec = call(`{"messages":[{"role":"user","content":"hello"}]}`)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient_credits")
	assert.NotEqual(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestStart_TagsHoldWithAgentAndModel(t *testing.T) {
	ledger := newFakeLedger(1000)
	svc := newTestService(t, ledger, &fakeStreamer{failAfter: -1}, nil)

	req := userMessages("hello")
	req.AgentID = "agent_42"
	_, err := svc.Start(context.Background(), "user_1", req)
	require.NoError(t, err)

	require.Len(t, ledger.reserved, 1)
	assert.Equal(t, "agent_42", ledger.reserved[0].Metadata["agent_id"])
	assert.Equal(t, "gpt-4o", ledger.reserved[0].Metadata["model"])

	_, err = svc.Start(context.Background(), "user_1", userMessages("again"))
	require.NoError(t, err)
	require.Len(t, ledger.reserved, 2)
	assert.NotContains(t, ledger.reserved[1].Metadata, "agent_id")
}

type unstartableWriter struct{ recorder }

func (*unstartableWriter) Start() error { return sse.ErrNotFlushable }
func (*unstartableWriter) Close()       {}

func TestHandler_ReleasesHoldWhenStreamCannotStart(t *testing.T) {
	ledger := newFakeLedger(1000)
	svc := newTestService(t, ledger, &fakeStreamer{tokens: []string{"Hi"}, failAfter: -1}, nil)
	h := NewHandler(svc)
	ctx := context.Background()

	sess, err := svc.Start(ctx, "user_1", userMessages("hello"))
	require.NoError(t, err)
	require.Less(t, ledger.balance, int64(1000))

	w := &unstartableWriter{}
	err = h.stream(ctx, sess, w)
	assert.ErrorIs(t, err, apperror.ErrInternal)
	assert.Equal(t, []string{sess.Reservation.ID}, ledger.released)
	assert.Equal(t, int64(1000), ledger.balance)
	assert.Empty(t, w.events)
}

var _ Emitter = (*sse.Writer)(nil)
