package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-notify/internal/chat"
	"github.com/whisper/chat-notify/internal/notification"
	"github.com/whisper/chat-notify/internal/push"
	"github.com/whisper/chat-notify/internal/token"
)

// fakeDirectory is an in-memory token directory with compare-and-delete
// invalidation.
type fakeDirectory struct {
	mu      sync.Mutex
	tokens  map[string]string
	lookErr error
	invErr  error
	lookups int
}

func newFakeDirectory(pairs ...string) *fakeDirectory {
	d := &fakeDirectory{tokens: map[string]string{}}
	for i := 0; i+1 < len(pairs); i += 2 {
		d.tokens[pairs[i]] = pairs[i+1]
	}
	return d
}

func (d *fakeDirectory) Lookup(_ context.Context, userID string) (token.PushToken, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups++
	if d.lookErr != nil {
		return token.PushToken{}, d.lookErr
	}
	tok, ok := d.tokens[userID]
	if !ok {
		return token.PushToken{}, token.ErrNotFound
	}
	return token.PushToken{UserID: userID, Token: tok}, nil
}

func (d *fakeDirectory) Invalidate(_ context.Context, userID, tok string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.invErr != nil {
		return false, d.invErr
	}
	if d.tokens[userID] != tok {
		return false, nil
	}
	delete(d.tokens, userID)
	return true, nil
}

// scriptedSender returns errs in order, then succeeds.
type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []string
}

func (s *scriptedSender) Send(_ context.Context, tok string, p notification.Payload) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return "", err
	}
	s.sent = append(s.sent, p.MessageID)
	return fmt.Sprintf("projects/p/messages/%d", s.calls), nil
}

func (s *scriptedSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingRecorder) RecordOutcome(_ context.Context, _ chat.MessageEvent, out Outcome) error {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, out)
	r.mu.Unlock()
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RatePerSec = 0
	return cfg
}

// newTestDispatcher wires a dispatcher whose backoff waits are recorded
// instead of slept.
func newTestDispatcher(dir TokenDirectory, sender Sender, opts ...Option) (*Dispatcher, *[]time.Duration) {
	d := New(testConfig(), dir, sender, NewMemoryClaims(time.Minute, time.Hour), opts...)
	var delays []time.Duration
	d.wait = func(ctx context.Context, dur time.Duration) error {
		delays = append(delays, dur)
		return ctx.Err()
	}
	d.rand = func() float64 { return 0.5 } // no jitter
	return d, &delays
}

func messageEvent(id string) chat.MessageEvent {
	return chat.MessageEvent{
		RoomID:        "room-1",
		MessageID:     id,
		SenderID:      "alice",
		SenderDisplay: "alice@example.com",
		ReceiverID:    "u1",
		Body:          "hello",
		CreatedAt:     time.Now(),
	}
}

func retryable() error { return &push.RetryableError{Reason: "http 503 UNAVAILABLE"} }

func TestDispatch_Sent(t *testing.T) {
	sender := &scriptedSender{}
	d, delays := newTestDispatcher(newFakeDirectory("u1", "tok-1"), sender)

	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.NotEmpty(t, out.ProviderMessageID)
	assert.Empty(t, *delays)
}

func TestDispatch_NoTokenSkipsWithoutBackendCall(t *testing.T) {
	sender := &scriptedSender{}
	d, _ := newTestDispatcher(newFakeDirectory(), sender)

	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusNoToken, out.Status)
	assert.True(t, out.Status.Skipped())
	assert.Equal(t, 0, sender.Calls())
}

func TestDispatch_RetriesThenSent(t *testing.T) {
	sender := &scriptedSender{errs: []error{retryable(), retryable(), retryable()}}
	d, delays := newTestDispatcher(newFakeDirectory("u1", "tok-1"), sender)

	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, 4, out.Attempts)
	assert.Equal(t, 4, sender.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *delays)
}

func TestDispatch_RetriesExhausted(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = retryable()
	}
	sender := &scriptedSender{errs: errs}
	d, delays := newTestDispatcher(newFakeDirectory("u1", "tok-1"), sender)

	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, out.Status)
	assert.Equal(t, 5, out.Attempts)
	assert.Equal(t, 5, sender.Calls())
	assert.Len(t, *delays, 4)
	assert.Contains(t, out.Reason, "UNAVAILABLE")
}

func TestDispatch_PermanentFailureNotRetried(t *testing.T) {
	sender := &scriptedSender{errs: []error{&push.PermanentError{Reason: "http 400 INVALID_ARGUMENT"}}}
	d, delays := newTestDispatcher(newFakeDirectory("u1", "tok-1"), sender)

	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPermanent, out.Status)
	assert.Equal(t, 1, sender.Calls())
	assert.Empty(t, *delays)
}

func TestDispatch_UnknownErrorIsPermanent(t *testing.T) {
	sender := &scriptedSender{errs: []error{errors.New("boom")}}
	d, _ := newTestDispatcher(newFakeDirectory("u1", "tok-1"), sender)

	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusPermanent, out.Status)
}

func TestDispatch_TokenInvalidRemovesToken(t *testing.T) {
	dir := newFakeDirectory("u1", "tok-1")
	sender := &scriptedSender{errs: []error{push.ErrTokenInvalid}}
	d, _ := newTestDispatcher(dir, sender)

	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusTokenInvalidated, out.Status)
	assert.Equal(t, 1, sender.Calls())

	_, err = dir.Lookup(context.Background(), "u1")
	assert.ErrorIs(t, err, token.ErrNotFound)

	// A later message for the same user is skipped without a send.
	out, err = d.Dispatch(context.Background(), messageEvent("m2"))
	require.NoError(t, err)
	assert.Equal(t, StatusNoToken, out.Status)
	assert.Equal(t, 1, sender.Calls())
}

func TestDispatch_RejectsMalformedEvent(t *testing.T) {
	dir := newFakeDirectory("u1", "tok-1")
	sender := &scriptedSender{}
	d, _ := newTestDispatcher(dir, sender)

	ev := messageEvent("m1")
	ev.ReceiverID = ""
	out, err := d.Dispatch(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, 0, dir.lookups)
	assert.Equal(t, 0, sender.Calls())
}

func TestDispatch_DuplicateMessageSentOnce(t *testing.T) {
	sender := &scriptedSender{}
	d, _ := newTestDispatcher(newFakeDirectory("u1", "tok-1"), sender)

	first, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)

	assert.Equal(t, StatusSent, first.Status)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.Equal(t, 1, sender.Calls())
}

func TestDispatch_ConcurrentRedeliverySentOnce(t *testing.T) {
	sender := &scriptedSender{}
	d, _ := newTestDispatcher(newFakeDirectory("u1", "tok-1"), sender)

	var wg sync.WaitGroup
	results := make([]Status, 20)
	errs := make([]error, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := d.Dispatch(context.Background(), messageEvent("m1"))
			results[i], errs[i] = out.Status, err
		}(i)
	}
	wg.Wait()

	sent := 0
	for i, s := range results {
		switch {
		case errs[i] != nil:
			assert.ErrorIs(t, errs[i], ErrInFlight)
		case s == StatusSent:
			sent++
		default:
			assert.Equal(t, StatusDuplicate, s)
		}
	}
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, sender.Calls())
}

// gatedDirectory blocks Lookup until release is closed.
type gatedDirectory struct {
	*fakeDirectory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedDirectory) Lookup(ctx context.Context, userID string) (token.PushToken, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.fakeDirectory.Lookup(ctx, userID)
}

func TestDispatch_InFlightCopyIsNotAcknowledged(t *testing.T) {
	dir := &gatedDirectory{
		fakeDirectory: newFakeDirectory("u1", "tok-1"),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	dir.lookErr = fmt.Errorf("token: lookup u1: %w", token.ErrUnavailable)
	sender := &scriptedSender{}
	d, _ := newTestDispatcher(dir, sender)

	firstErr := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(context.Background(), messageEvent("m1"))
		firstErr <- err
	}()
	<-dir.entered

	// A redelivered copy arrives while the first dispatch still runs.
	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.ErrorIs(t, err, ErrInFlight)
	assert.NotEqual(t, StatusDuplicate, out.Status)

	close(dir.release)
	assert.ErrorIs(t, <-firstErr, token.ErrUnavailable)

	// Both copies were handed back; the next redelivery delivers.
	dir.mu.Lock()
	dir.lookErr = nil
	dir.mu.Unlock()
	out, err = d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, 1, sender.Calls())
}

func TestDispatch_FailedDeliveryCanBeRedelivered(t *testing.T) {
	sender := &scriptedSender{errs: []error{&push.PermanentError{Reason: "bad"}}}
	d, _ := newTestDispatcher(newFakeDirectory("u1", "tok-1"), sender)

	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	require.Equal(t, StatusPermanent, out.Status)

	out, err = d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, 2, sender.Calls())
}

func TestDispatch_DirectoryUnavailablePropagates(t *testing.T) {
	dir := newFakeDirectory("u1", "tok-1")
	dir.lookErr = fmt.Errorf("token: lookup u1: %w", token.ErrUnavailable)
	sender := &scriptedSender{}
	d, _ := newTestDispatcher(dir, sender)

	_, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, token.ErrUnavailable)
	assert.NotErrorIs(t, err, token.ErrNotFound)
	assert.Equal(t, 0, sender.Calls())

	// The claim was released, so redelivery proceeds once the store is back.
	dir.lookErr = nil
	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSent, out.Status)
}

func TestDispatch_InvalidateUnavailablePropagates(t *testing.T) {
	dir := newFakeDirectory("u1", "tok-1")
	dir.invErr = fmt.Errorf("token: invalidate u1: %w", token.ErrUnavailable)
	sender := &scriptedSender{errs: []error{push.ErrTokenInvalid}}
	d, _ := newTestDispatcher(dir, sender)

	_, err := d.Dispatch(context.Background(), messageEvent("m1"))
	assert.ErrorIs(t, err, token.ErrUnavailable)
}

func TestDispatch_DeadlineDuringBackoff(t *testing.T) {
	sender := &scriptedSender{errs: []error{retryable(), retryable()}}
	cfg := testConfig()
	cfg.Budget = 50 * time.Millisecond
	d := New(cfg, newFakeDirectory("u1", "tok-1"), sender, NewMemoryClaims(time.Minute, time.Hour))

	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusDeadline, out.Status)
	assert.Equal(t, 1, sender.Calls())
}

func TestDispatch_CancelledWaitEndsWithDeadline(t *testing.T) {
	sender := &scriptedSender{errs: []error{retryable(), retryable()}}
	d, _ := newTestDispatcher(newFakeDirectory("u1", "tok-1"), sender)
	d.wait = func(context.Context, time.Duration) error { return context.DeadlineExceeded }

	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusDeadline, out.Status)
	assert.Equal(t, 1, sender.Calls())
}

func TestDispatch_HonorsRetryAfterHint(t *testing.T) {
	sender := &scriptedSender{errs: []error{&push.RetryableError{Reason: "quota", RetryAfter: 3 * time.Second}}}
	d, delays := newTestDispatcher(newFakeDirectory("u1", "tok-1"), sender)

	out, err := d.Dispatch(context.Background(), messageEvent("m1"))
	require.NoError(t, err)
	assert.Equal(t, StatusSent, out.Status)
	assert.Equal(t, []time.Duration{3 * time.Second}, *delays)
}

func TestDispatch_RecordsEveryTerminalOutcome(t *testing.T) {
	rec := &recordingRecorder{}
	sender := &scriptedSender{}
	d, _ := newTestDispatcher(newFakeDirectory("u1", "tok-1"), sender, WithRecorder(rec))

	_, _ = d.Dispatch(context.Background(), messageEvent("m1"))
	_, _ = d.Dispatch(context.Background(), messageEvent("m1"))

	require.Len(t, rec.outcomes, 2)
	assert.Equal(t, StatusSent, rec.outcomes[0].Status)
	assert.Equal(t, StatusDuplicate, rec.outcomes[1].Status)
}

func TestBackoffDelay(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, time.Second, backoffDelay(cfg, 1, 0.5))
	assert.Equal(t, 2*time.Second, backoffDelay(cfg, 2, 0.5))
	assert.Equal(t, 8*time.Second, backoffDelay(cfg, 4, 0.5))
	assert.Equal(t, 16*time.Second, backoffDelay(cfg, 10, 0.5), "capped at MaxDelay")

	// ±20% jitter bounds.
	assert.InDelta(t, float64(800*time.Millisecond), float64(backoffDelay(cfg, 1, 0)), float64(time.Millisecond))
	assert.InDelta(t, float64(1200*time.Millisecond), float64(backoffDelay(cfg, 1, 0.9999999)), float64(time.Millisecond))
}

func TestMemoryClaims(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c := NewMemoryClaims(time.Minute, time.Hour)
	c.now = func() time.Time { return now }

	state, _ := c.Claim(ctx, "m1")
	assert.Equal(t, ClaimAcquired, state)
	state, _ = c.Claim(ctx, "m1")
	assert.Equal(t, ClaimInFlight, state)

	_ = c.Release(ctx, "m1")
	state, _ = c.Claim(ctx, "m1")
	assert.Equal(t, ClaimAcquired, state, "released claim can be taken again")

	_ = c.MarkSent(ctx, "m1")
	_ = c.Release(ctx, "m1")
	state, _ = c.Claim(ctx, "m1")
	assert.Equal(t, ClaimSent, state, "sent marker survives release")

	now = now.Add(2 * time.Hour)
	state, _ = c.Claim(ctx, "m1")
	assert.Equal(t, ClaimAcquired, state, "sent marker expires")

	now = now.Add(2 * time.Minute)
	state, _ = c.Claim(ctx, "m1")
	assert.Equal(t, ClaimAcquired, state, "abandoned in-flight claim expires")
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []Status{StatusNoToken, StatusTokenInvalidated, StatusDuplicate} {
		assert.True(t, s.Skipped(), s)
		assert.False(t, s.Failed(), s)
	}
	for _, s := range []Status{StatusPermanent, StatusExhausted, StatusDeadline} {
		assert.True(t, s.Failed(), s)
		assert.False(t, s.Skipped(), s)
	}
	assert.False(t, StatusSent.Failed())
	assert.False(t, StatusRejected.Failed())
}

func TestDispatch_FinishLogLevel(t *testing.T) {
	cases := []struct {
		name  string
		errs  []error
		level string
	}{
		{"sent", nil, "info"},
		{"permanent", []error{&push.PermanentError{Reason: "bad"}}, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			d, _ := newTestDispatcher(newFakeDirectory("u1", "tok-1"), &scriptedSender{errs: tc.errs},
				WithLogger(zerolog.New(&buf)))

			_, err := d.Dispatch(context.Background(), messageEvent("m1"))
			require.NoError(t, err)

			var line map[string]any
			for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
				var m map[string]any
				require.NoError(t, json.Unmarshal(raw, &m))
				if m["message"] == "dispatch finished" {
					line = m
				}
			}
			require.NotNil(t, line)
			assert.Equal(t, tc.level, line["level"])
		})
	}
}
