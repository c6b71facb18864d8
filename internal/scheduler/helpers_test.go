package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"birthdaygreeter/internal/delivery"
	"birthdaygreeter/internal/logging"
	"birthdaygreeter/internal/queue"
	"birthdaygreeter/internal/types"
)

var testNow = time.Date(2026, 6, 12, 1, 0, 0, 0, time.UTC)

func testLogger() types.Logger {
	return logging.Discard()
}

// ============================================================
// Mock: DueLocator
// ============================================================

type fakeLocator struct {
	users []*types.User
	err   error
}

func (f *fakeLocator) DueNow(context.Context, time.Time) ([]*types.User, error) {
	return f.users, f.err
}

func (f *fakeLocator) OccurrenceDate(u *types.User, now time.Time) (string, error) {
	if u.Location == "Mars/Base" {
		return "", types.NewAppError(types.ErrCodeValidationInvalidTimezone, "bad zone", nil)
	}
	return types.OccurrenceDate(now), nil
}

// ============================================================
// Mock: Enqueuer
// ============================================================

type fakeProducer struct {
	mu       sync.Mutex
	sent     []types.GreetingMessage
	rejectFn func(types.GreetingMessage) bool
	err      error
}

func (f *fakeProducer) Enqueue(_ context.Context, msgs []types.GreetingMessage) (queue.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res queue.BatchResult
	if f.err != nil {
		return res, f.err
	}
	for _, m := range msgs {
		if f.rejectFn != nil && f.rejectFn(m) {
			res.Failed = append(res.Failed, queue.FailedMessage{Message: m, Reason: "InternalError: throttled"})
			continue
		}
		f.sent = append(f.sent, m)
		res.Succeeded = append(res.Succeeded, m)
	}
	return res, nil
}

// ============================================================
// Mock: dead-letter queue (send and receive sides)
// ============================================================

type fakeDLQ struct {
	mu       sync.Mutex
	sent     []types.GreetingMessage
	sendErr  error
	count    int
	countErr error
	batches  [][]queue.Received
	recvErr  error
	deleted  []string
	delErr   error
	receives int
}

func (f *fakeDLQ) SendToDeadLetter(_ context.Context, msg types.GreetingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeDLQ) ApproximateCount(context.Context) (int, error) {
	return f.count, f.countErr
}

func (f *fakeDLQ) Receive(_ context.Context, _ int32, _ time.Duration) ([]queue.Received, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives++
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	next := f.batches[0]
	f.batches = f.batches[1:]
	return next, nil
}

func (f *fakeDLQ) Delete(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delErr != nil {
		return f.delErr
	}
	f.deleted = append(f.deleted, handle)
	return nil
}

// ============================================================
// Tracker wrapper that fails for chosen users
// ============================================================

type flakyTracker struct {
	*delivery.MemoryTracker
	failUser string
}

func (f *flakyTracker) Create(ctx context.Context, userID, date string, now time.Time) (*types.DeliveryRecord, error) {
	if userID == f.failUser {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "connection reset", errors.New("EOF"))
	}
	return f.MemoryTracker.Create(ctx, userID, date, now)
}

func testUser(id string) *types.User {
	return &types.User{ID: id, FirstName: "John", LastName: "Doe", Location: "Asia/Singapore"}
}

func traceIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("trace-%d", n)
	}
}
