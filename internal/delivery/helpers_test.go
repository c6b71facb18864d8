package delivery

import (
	"context"
	"sync"
	"time"

	"birthdaygreeter/internal/logging"
	"birthdaygreeter/internal/types"
)

var testNow = time.Date(2026, 6, 12, 1, 0, 0, 0, time.UTC)

// fakeSender records calls and returns errs in order; after errs runs out it
// succeeds.
type fakeSender struct {
	mu    sync.Mutex
	calls []types.GreetingPayload
	errs  []error
	delay time.Duration
}

func (f *fakeSender) Send(_ context.Context, p types.GreetingPayload) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.calls)
	f.calls = append(f.calls, p)
	if n < len(f.errs) {
		return f.errs[n]
	}
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeRecorder struct {
	mu     sync.Mutex
	marked map[string]time.Time
	err    error
}

func (f *fakeRecorder) MarkGreeted(_ context.Context, userID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.marked == nil {
		f.marked = make(map[string]time.Time)
	}
	f.marked[userID] = at
	return nil
}

type recordingMetrics struct {
	mu      sync.Mutex
	results []MetricResult
	counts  map[string]int
	lags    []time.Duration
}

func (m *recordingMetrics) RecordDelivery(_ context.Context, r MetricResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, r)
}

func (m *recordingMetrics) RecordLatency(context.Context, time.Duration) {}

func (m *recordingMetrics) RecordQueueLag(_ context.Context, lag time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lags = append(m.lags, lag)
}

func (m *recordingMetrics) RecordCount(_ context.Context, metric, stage string, v int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[metric+"/"+stage] += v
}

type fixture struct {
	tracker    *MemoryTracker
	sender     *fakeSender
	recorder   *fakeRecorder
	metrics    *recordingMetrics
	dispatcher *Dispatcher
}

func newFixture(errs ...error) *fixture {
	f := &fixture{
		tracker:  NewMemoryTracker(48 * time.Hour),
		sender:   &fakeSender{errs: errs},
		recorder: &fakeRecorder{},
		metrics:  &recordingMetrics{},
	}
	f.dispatcher = NewDispatcher(f.tracker, f.sender, f.recorder, f.metrics,
		types.FixedClock{T: testNow}, logging.Discard(),
		DispatcherConfig{MaxAttempts: 3, LeaseDuration: 20 * time.Second})
	return f
}

func greeting(userID, date string) types.GreetingMessage {
	return types.GreetingMessage{
		DeliveryKey:    types.DeliveryKey(userID, date),
		OccurrenceDate: date,
		UserID:         userID,
		FirstName:      "John",
		LastName:       "Doe",
		Location:       "Asia/Singapore",
		Message:        "Hey, John Doe it's your birthday",
		TraceID:        "trace-1",
		EnqueuedAt:     testNow,
	}
}
