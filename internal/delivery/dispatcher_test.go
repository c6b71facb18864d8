package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"birthdaygreeter/internal/logging"
	"birthdaygreeter/internal/types"
)

func TestDispatcher_SuccessMarksSent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	msg := greeting("u1", "2026-06-12")

	rec, err := f.tracker.Create(ctx, "u1", "2026-06-12", testNow)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryStatusPending, rec.Status)

	outcome, err := f.dispatcher.Dispatch(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)

	got, err := f.tracker.Get(ctx, msg.DeliveryKey)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryStatusSent, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.LeaseUntil)

	require.Equal(t, 1, f.sender.count())
	assert.Equal(t, types.GreetingPayload{
		UserID:    "u1",
		FirstName: "John",
		LastName:  "Doe",
		Location:  "Asia/Singapore",
		Message:   "Hey, John Doe it's your birthday",
	}, f.sender.calls[0])
	assert.Equal(t, testNow, f.recorder.marked["u1"])
	assert.Equal(t, []MetricResult{MetricSuccess}, f.metrics.results)
}

func TestDispatcher_FailureThenRetrySucceeds(t *testing.T) {
	f := newFixture(types.NewAppError(types.ErrCodeDeliveryWebhookFailed, "webhook returned 500", nil))
	ctx := context.Background()
	msg := greeting("u1", "2026-06-12")
	_, err := f.tracker.Create(ctx, "u1", "2026-06-12", testNow)
	require.NoError(t, err)

	outcome, err := f.dispatcher.Dispatch(ctx, msg)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.True(t, types.IsKind(err, types.KindTransientDelivery))
	assert.False(t, types.IsTerminalDelivery(err))

	rec, _ := f.tracker.Get(ctx, msg.DeliveryKey)
	assert.Equal(t, types.DeliveryStatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.LastError, "500")
	assert.Empty(t, f.recorder.marked)

	msg.RetryCount = 1
	outcome, err = f.dispatcher.Dispatch(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)

	rec, _ = f.tracker.Get(ctx, msg.DeliveryKey)
	assert.Equal(t, types.DeliveryStatusSent, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

func TestDispatcher_MaxAttemptsTermination(t *testing.T) {
	fail := errors.New("connection refused")
	f := newFixture(fail, fail, fail, fail, fail)
	ctx := context.Background()
	msg := greeting("u1", "2026-06-12")
	_, err := f.tracker.Create(ctx, "u1", "2026-06-12", testNow)
	require.NoError(t, err)

	var outcomes []Outcome
	for i := 0; i < 5; i++ {
		outcome, _ := f.dispatcher.Dispatch(ctx, msg)
		outcomes = append(outcomes, outcome)
	}

	assert.Equal(t, []Outcome{OutcomeFailed, OutcomeFailed, OutcomeExhausted, OutcomeExhausted, OutcomeExhausted}, outcomes)
	assert.Equal(t, 3, f.sender.count(), "no webhook call after the cap")

	rec, _ := f.tracker.Get(ctx, msg.DeliveryKey)
	assert.Equal(t, types.DeliveryStatusFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts)

	_, err = f.dispatcher.Dispatch(ctx, msg)
	assert.True(t, types.IsTerminalDelivery(err))
}

func TestDispatcher_NonAppErrorIsWrappedAsTransient(t *testing.T) {
	f := newFixture(errors.New("dial tcp: i/o timeout"))
	ctx := context.Background()
	_, _ = f.tracker.Create(ctx, "u1", "2026-06-12", testNow)

	_, err := f.dispatcher.Dispatch(ctx, greeting("u1", "2026-06-12"))
	assert.True(t, types.HasCode(err, types.ErrCodeDeliveryWebhookFailed))
}

func TestDispatcher_LongMultibyteErrorStoredAsValidUTF8(t *testing.T) {
	// Pad so the 500-byte cut lands inside the first two-byte rune.
	prefix := len(types.NewAppError(types.ErrCodeDeliveryWebhookFailed, "webhook call failed", errors.New("")).Error())
	detail := strings.Repeat("x", 499-prefix) + strings.Repeat("ü", 10)
	f := newFixture(errors.New(detail))
	ctx := context.Background()
	_, _ = f.tracker.Create(ctx, "u1", "2026-06-12", testNow)

	_, err := f.dispatcher.Dispatch(ctx, greeting("u1", "2026-06-12"))
	require.Error(t, err)

	rec, err := f.tracker.Get(ctx, types.DeliveryKey("u1", "2026-06-12"))
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(rec.LastError), "LastError is not valid UTF-8")
	assert.LessOrEqual(t, len(rec.LastError), 500)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{in: "short", n: 10, want: "short"},
		{in: "abcdef", n: 3, want: "abc"},
		{in: "aü", n: 2, want: "a"},
		{in: "日本語", n: 7, want: "日本"},
		{in: "日本語", n: 2, want: ""},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		assert.Equal(t, tt.want, got, "truncate(%q, %d)", tt.in, tt.n)
		assert.True(t, utf8.ValidString(got))
	}
}

func TestDispatcher_ShortCircuits(t *testing.T) {
	ctx := context.Background()

	t.Run("missing record", func(t *testing.T) {
		f := newFixture()
		outcome, err := f.dispatcher.Dispatch(ctx, greeting("u1", "2026-06-12"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeMissing, outcome)
		assert.Zero(t, f.sender.count())
	})

	t.Run("already sent", func(t *testing.T) {
		f := newFixture()
		_, _ = f.tracker.Create(ctx, "u1", "2026-06-12", testNow)
		_, _ = f.tracker.AdvanceStatus(ctx, "u1_2026-06-12", types.DeliveryStatusSent, "", testNow)

		outcome, err := f.dispatcher.Dispatch(ctx, greeting("u1", "2026-06-12"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadySent, outcome)
		assert.Zero(t, f.sender.count())
	})

	t.Run("cancelled", func(t *testing.T) {
		f := newFixture()
		_, _ = f.tracker.Create(ctx, "u1", "2026-06-12", testNow)
		require.NoError(t, f.tracker.Cancel(ctx, "u1_2026-06-12", testNow))

		outcome, err := f.dispatcher.Dispatch(ctx, greeting("u1", "2026-06-12"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeCancelled, outcome)
		assert.Zero(t, f.sender.count())

		rec, _ := f.tracker.Get(ctx, "u1_2026-06-12")
		assert.Equal(t, 0, rec.Attempts)
	})

	t.Run("leased elsewhere", func(t *testing.T) {
		f := newFixture()
		_, _ = f.tracker.Create(ctx, "u1", "2026-06-12", testNow)
		_, err := f.tracker.Acquire(ctx, "u1_2026-06-12", 3, testNow.Add(time.Minute), testNow)
		require.NoError(t, err)

		outcome, err := f.dispatcher.Dispatch(ctx, greeting("u1", "2026-06-12"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeInFlight, outcome)
		assert.Zero(t, f.sender.count())
	})

	t.Run("invalid message", func(t *testing.T) {
		f := newFixture()
		_, err := f.dispatcher.Dispatch(ctx, types.GreetingMessage{UserID: "u1"})
		assert.True(t, types.IsKind(err, types.KindValidation))
	})
}

func TestDispatcher_ConcurrentDispatchSendsOnce(t *testing.T) {
	f := newFixture()
	f.sender.delay = 10 * time.Millisecond
	ctx := context.Background()
	msg := greeting("u1", "2026-06-12")
	_, err := f.tracker.Create(ctx, "u1", "2026-06-12", testNow)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = f.dispatcher.Dispatch(ctx, msg)
		}(i)
	}
	wg.Wait()

	sent := 0
	for _, o := range outcomes {
		if o == OutcomeSent {
			sent++
		}
	}
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, f.sender.count())

	rec, _ := f.tracker.Get(ctx, msg.DeliveryKey)
	assert.Equal(t, types.DeliveryStatusSent, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestDispatcher_RecorderFailureDoesNotFailDelivery(t *testing.T) {
	f := newFixture()
	f.recorder.err = types.NewAppError(types.ErrCodeInternalDB, "db down", nil)
	ctx := context.Background()
	_, _ = f.tracker.Create(ctx, "u1", "2026-06-12", testNow)

	outcome, err := f.dispatcher.Dispatch(ctx, greeting("u1", "2026-06-12"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, outcome)
}

// staleReadTracker runs afterGet once, after the first Get has taken its
// snapshot, to interleave another worker before Acquire.
type staleReadTracker struct {
	*MemoryTracker
	once     sync.Once
	afterGet func()
}

func (s *staleReadTracker) Get(ctx context.Context, key string) (*types.DeliveryRecord, error) {
	rec, err := s.MemoryTracker.Get(ctx, key)
	s.once.Do(s.afterGet)
	return rec, err
}

func TestDispatcher_AttemptCapHoldsAcrossConcurrentWorkers(t *testing.T) {
	ctx := context.Background()
	fail := errors.New("connection reset")
	tracker := NewMemoryTracker(48 * time.Hour)
	msg := greeting("u1", "2026-06-12")

	_, err := tracker.Create(ctx, "u1", "2026-06-12", testNow)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := tracker.AdvanceStatus(ctx, msg.DeliveryKey, types.DeliveryStatusFailed, "boom", testNow)
		require.NoError(t, err)
	}

	sender := &fakeSender{errs: []error{fail, fail}}
	cfg := DispatcherConfig{MaxAttempts: 3, LeaseDuration: 20 * time.Second}
	other := NewDispatcher(tracker, sender, &fakeRecorder{}, &recordingMetrics{},
		types.FixedClock{T: testNow}, logging.Discard(), cfg)

	stale := &staleReadTracker{MemoryTracker: tracker, afterGet: func() {
		outcome, err := other.Dispatch(ctx, msg)
		assert.Equal(t, OutcomeExhausted, outcome)
		assert.True(t, types.IsTerminalDelivery(err))
	}}
	first := NewDispatcher(stale, sender, &fakeRecorder{}, &recordingMetrics{},
		types.FixedClock{T: testNow}, logging.Discard(), cfg)

	outcome, err := first.Dispatch(ctx, msg)
	assert.Equal(t, OutcomeExhausted, outcome)
	assert.True(t, types.IsTerminalDelivery(err))

	rec, err := tracker.Get(ctx, msg.DeliveryKey)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, types.DeliveryStatusFailed, rec.Status)
	assert.Equal(t, 1, sender.count())
}
