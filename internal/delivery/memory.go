package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"birthdaygreeter/internal/types"
)

// MemoryTracker is an in-process Tracker for the offline runner and tests.
// A single mutex makes each method an atomic conditional write, matching the
// semantics of the database backends.
type MemoryTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]types.DeliveryRecord
}

var _ Tracker = (*MemoryTracker)(nil)

// NewMemoryTracker creates an empty tracker whose records expire ttl after
// creation.
func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	return &MemoryTracker{
		ttl:     ttl,
		records: make(map[string]types.DeliveryRecord),
	}
}

func (m *MemoryTracker) Create(_ context.Context, userID, occurrenceDate string, now time.Time) (*types.DeliveryRecord, error) {
	key := types.DeliveryKey(userID, occurrenceDate)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[key]; exists {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictDeliveryExists,
			"delivery record already exists", nil, map[string]any{"key": key})
	}
	rec := types.DeliveryRecord{
		Key:            key,
		UserID:         userID,
		OccurrenceDate: occurrenceDate,
		Status:         types.DeliveryStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}
	m.records[key] = rec
	return &rec, nil
}

func (m *MemoryTracker) Get(_ context.Context, key string) (*types.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
	}
	return &rec, nil
}

func (m *MemoryTracker) AdvanceStatus(_ context.Context, key string, status types.DeliveryStatus, detail string, now time.Time) (*types.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
	}
	rec.Status = status
	rec.Attempts++
	rec.LastError = detail
	rec.LeaseUntil = nil
	rec.UpdatedAt = now
	m.records[key] = rec
	return &rec, nil
}

func (m *MemoryTracker) Acquire(_ context.Context, key string, maxAttempts int, leaseUntil, now time.Time) (*types.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
	}
	if rec.Status.Open() && rec.Attempts >= maxAttempts {
		return nil, types.AttemptsExhausted(key, rec.Attempts, nil)
	}
	leased := rec.LeaseUntil != nil && rec.LeaseUntil.After(now)
	if !rec.Status.Open() || leased {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictDeliveryState,
			"delivery record is closed or leased", nil,
			map[string]any{"key": key, "status": string(rec.Status)})
	}
	rec.LeaseUntil = &leaseUntil
	rec.UpdatedAt = now
	m.records[key] = rec
	return &rec, nil
}

func (m *MemoryTracker) Cancel(_ context.Context, key string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || !rec.Status.Open() {
		return types.NewAppError(types.ErrCodeNotFoundDelivery, "no open delivery record", nil)
	}
	rec.Status = types.DeliveryStatusCancelled
	rec.LeaseUntil = nil
	rec.UpdatedAt = now
	m.records[key] = rec
	return nil
}

func (m *MemoryTracker) Reopen(_ context.Context, key string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || rec.Status != types.DeliveryStatusCancelled {
		return types.NewAppError(types.ErrCodeConflictDeliveryState, "delivery record is not cancelled", nil)
	}
	rec.Status = types.DeliveryStatusPending
	rec.UpdatedAt = now
	m.records[key] = rec
	return nil
}

func (m *MemoryTracker) PurgeExpired(_ context.Context, before time.Time, limit int) ([]types.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []types.DeliveryRecord
	for _, rec := range m.records {
		if rec.ExpiresAt.Before(before) {
			expired = append(expired, rec)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(m.records, rec.Key)
	}
	return expired, nil
}

// Len returns the number of stored records.
func (m *MemoryTracker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
