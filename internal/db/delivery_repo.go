package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"birthdaygreeter/internal/types"
)

// DeliveryRepository is the PostgreSQL delivery tracker. Every write is a
// single conditional statement so concurrent pollers and workers synchronize
// on the row rather than on any in-process lock.
type DeliveryRepository struct {
	db  DBTX
	ttl time.Duration
}

// NewDeliveryRepository creates a tracker whose records expire ttl after
// creation.
func NewDeliveryRepository(db DBTX, ttl time.Duration) *DeliveryRepository {
	return &DeliveryRepository{db: db, ttl: ttl}
}

const deliveryColumns = `key, user_id, occurrence_date, status, attempts, lease_until,
	last_error, created_at, updated_at, expires_at`

func scanDelivery(row pgx.Row) (*types.DeliveryRecord, error) {
	var (
		rec        types.DeliveryRecord
		occurrence time.Time
		lastError  *string
	)
	err := row.Scan(
		&rec.Key,
		&rec.UserID,
		&occurrence,
		&rec.Status,
		&rec.Attempts,
		&rec.LeaseUntil,
		&lastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	rec.OccurrenceDate = occurrence.Format(types.OccurrenceLayout)
	if lastError != nil {
		rec.LastError = *lastError
	}
	return &rec, nil
}

// Create inserts a PENDING record with zero attempts for {userID, date}.
// Returns conflict_delivery_exists when the key is already present; the
// existing row is not touched.
func (r *DeliveryRepository) Create(ctx context.Context, userID, occurrenceDate string, now time.Time) (*types.DeliveryRecord, error) {
	key := types.DeliveryKey(userID, occurrenceDate)
	row := r.db.QueryRow(ctx,
		`INSERT INTO delivery_records (key, user_id, occurrence_date, status, attempts, created_at, updated_at, expires_at)
		 VALUES ($1, $2, $3, 'PENDING', 0, $4, $4, $5)
		 ON CONFLICT (key) DO NOTHING
		 RETURNING `+deliveryColumns,
		key,
		userID,
		occurrenceDate,
		now,
		now.Add(r.ttl),
	)
	rec, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictDeliveryExists,
				"delivery record already exists", nil, map[string]any{"key": key})
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create delivery record", err)
	}
	return rec, nil
}

// Get returns the record for key or not_found_delivery.
func (r *DeliveryRepository) Get(ctx context.Context, key string) (*types.DeliveryRecord, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_records WHERE key = $1`,
		key,
	)
	rec, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve delivery record", err)
	}
	return rec, nil
}

// AdvanceStatus records the outcome of one delivery attempt: it sets status,
// increments attempts, stores detail as last_error and releases any lease.
func (r *DeliveryRepository) AdvanceStatus(ctx context.Context, key string, status types.DeliveryStatus, detail string, now time.Time) (*types.DeliveryRecord, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE delivery_records
		 SET status = $2, attempts = attempts + 1, last_error = $3,
		     lease_until = NULL, updated_at = $4
		 WHERE key = $1
		 RETURNING `+deliveryColumns,
		key,
		status,
		nilIfEmpty(detail),
		now,
	)
	rec, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery record not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to advance delivery status", err)
	}
	return rec, nil
}

// Acquire leases an open record until leaseUntil. It succeeds only when the
// status is PENDING or FAILED, attempts is below maxAttempts and no
// unexpired lease is held.
func (r *DeliveryRepository) Acquire(ctx context.Context, key string, maxAttempts int, leaseUntil, now time.Time) (*types.DeliveryRecord, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE delivery_records
		 SET lease_until = $2, updated_at = $3
		 WHERE key = $1
		   AND status IN ('PENDING', 'FAILED')
		   AND attempts < $4
		   AND (lease_until IS NULL OR lease_until <= $3)
		 RETURNING `+deliveryColumns,
		key,
		leaseUntil,
		now,
		maxAttempts,
	)
	rec, err := scanDelivery(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire delivery lease", err)
	}

	current, getErr := r.Get(ctx, key)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status.Open() && current.Attempts >= maxAttempts {
		return nil, types.AttemptsExhausted(key, current.Attempts, nil)
	}
	return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictDeliveryState,
		"delivery record is closed or leased", nil,
		map[string]any{"key": key, "status": string(current.Status)})
}

// Cancel moves an open record to CANCELLED without counting an attempt.
// Returns not_found_delivery when there is no open record for key.
func (r *DeliveryRepository) Cancel(ctx context.Context, key string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_records
		 SET status = 'CANCELLED', lease_until = NULL, updated_at = $2
		 WHERE key = $1 AND status IN ('PENDING', 'FAILED')`,
		key,
		now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to cancel delivery record", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDelivery, "no open delivery record", nil)
	}
	return nil
}

// Reopen returns a CANCELLED record to PENDING so a re-detected occurrence
// can be delivered. Returns conflict_delivery_state if the record is not
// CANCELLED.
func (r *DeliveryRepository) Reopen(ctx context.Context, key string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_records
		 SET status = 'PENDING', updated_at = $2
		 WHERE key = $1 AND status = 'CANCELLED'`,
		key,
		now,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reopen delivery record", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictDeliveryState, "delivery record is not cancelled", nil)
	}
	return nil
}

// PurgeExpired deletes up to limit records whose expires_at is before the
// given instant and returns them for archiving.
func (r *DeliveryRepository) PurgeExpired(ctx context.Context, before time.Time, limit int) ([]types.DeliveryRecord, error) {
	rows, err := r.db.Query(ctx,
		`DELETE FROM delivery_records
		 WHERE key IN (
		   SELECT key FROM delivery_records
		   WHERE expires_at < $1
		   ORDER BY expires_at
		   LIMIT $2
		 )
		 RETURNING `+deliveryColumns,
		before,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to purge delivery records", err)
	}
	defer rows.Close()

	var purged []types.DeliveryRecord
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan purged delivery record", err)
		}
		purged = append(purged, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating purged delivery records", err)
	}
	return purged, nil
}
