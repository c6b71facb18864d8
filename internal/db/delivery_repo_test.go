package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"birthdaygreeter/internal/types"
)

var deliveryNow = time.Date(2026, 6, 12, 1, 0, 0, 0, time.UTC)

func pendingRecord() types.DeliveryRecord {
	return types.DeliveryRecord{
		Key:            "u1_2026-06-12",
		UserID:         "u1",
		OccurrenceDate: "2026-06-12",
		Status:         types.DeliveryStatusPending,
		CreatedAt:      deliveryNow,
		UpdatedAt:      deliveryNow,
		ExpiresAt:      deliveryNow.Add(48 * time.Hour),
	}
}

func TestDeliveryRepository_Create(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db, 48*time.Hour)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 5 &&
			args[0] == "u1_2026-06-12" &&
			args[4].(time.Time).Equal(deliveryNow.Add(48*time.Hour))
	})).Return(&mockRow{scanFn: scanDeliveryInto(pendingRecord())})

	rec, err := repo.Create(context.Background(), "u1", "2026-06-12", deliveryNow)
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryStatusPending, rec.Status)
	assert.Equal(t, 0, rec.Attempts)
	assert.Equal(t, "2026-06-12", rec.OccurrenceDate)
	db.AssertExpectations(t)
}

func TestDeliveryRepository_Create_Conflict(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db, 48*time.Hour)

	// ON CONFLICT DO NOTHING returns no row.
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Create(context.Background(), "u1", "2026-06-12", deliveryNow)
	assert.True(t, types.HasCode(err, types.ErrCodeConflictDeliveryExists))
}

func TestDeliveryRepository_AdvanceStatus(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db, 48*time.Hour)

	failed := pendingRecord()
	failed.Status = types.DeliveryStatusFailed
	failed.Attempts = 1
	failed.LastError = "status 500"

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		detail, ok := args[2].(*string)
		return args[1] == types.DeliveryStatusFailed && ok && *detail == "status 500"
	})).Return(&mockRow{scanFn: scanDeliveryInto(failed)})

	rec, err := repo.AdvanceStatus(context.Background(), failed.Key, types.DeliveryStatusFailed, "status 500", deliveryNow)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "status 500", rec.LastError)
}

func TestDeliveryRepository_AdvanceStatus_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db, 48*time.Hour)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.AdvanceStatus(context.Background(), "gone", types.DeliveryStatusSent, "", deliveryNow)
	assert.True(t, types.HasCode(err, types.ErrCodeNotFoundDelivery))
}

func TestDeliveryRepository_Acquire(t *testing.T) {
	lease := deliveryNow.Add(20 * time.Second)

	t.Run("granted", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewDeliveryRepository(db, 48*time.Hour)
		leased := pendingRecord()
		leased.LeaseUntil = &lease

		db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{leased.Key, lease, deliveryNow, 3}).
			Return(&mockRow{scanFn: scanDeliveryInto(leased)})

		rec, err := repo.Acquire(context.Background(), leased.Key, 3, lease, deliveryNow)
		require.NoError(t, err)
		require.NotNil(t, rec.LeaseUntil)
		assert.True(t, rec.LeaseUntil.Equal(lease))
	})

	t.Run("held or closed is a conflict", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewDeliveryRepository(db, 48*time.Hour)
		sent := pendingRecord()
		sent.Status = types.DeliveryStatusSent

		db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{sent.Key, lease, deliveryNow, 3}).
			Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()
		db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{sent.Key}).
			Return(&mockRow{scanFn: scanDeliveryInto(sent)}).Once()

		_, err := repo.Acquire(context.Background(), sent.Key, 3, lease, deliveryNow)
		require.Error(t, err)
		assert.True(t, types.HasCode(err, types.ErrCodeConflictDeliveryState))
		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, "SENT", appErr.Details["status"])
	})

	t.Run("missing is not found", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewDeliveryRepository(db, 48*time.Hour)

		db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
			Return(&mockRow{scanErr: pgx.ErrNoRows})

		_, err := repo.Acquire(context.Background(), "gone", 3, lease, deliveryNow)
		assert.True(t, types.HasCode(err, types.ErrCodeNotFoundDelivery))
	})

	t.Run("open but capped is exhausted", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewDeliveryRepository(db, 48*time.Hour)
		capped := pendingRecord()
		capped.Status = types.DeliveryStatusFailed
		capped.Attempts = 3

		db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
			return strings.Contains(sql, "attempts < $4")
		}), []any{capped.Key, lease, deliveryNow, 3}).
			Return(&mockRow{scanErr: pgx.ErrNoRows}).Once()
		db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{capped.Key}).
			Return(&mockRow{scanFn: scanDeliveryInto(capped)}).Once()

		_, err := repo.Acquire(context.Background(), capped.Key, 3, lease, deliveryNow)
		assert.True(t, types.IsTerminalDelivery(err))
		db.AssertExpectations(t)
	})
}

func TestDeliveryRepository_CancelReopen(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db, 48*time.Hour)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"open", deliveryNow}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"closed", deliveryNow}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	require.NoError(t, repo.Cancel(context.Background(), "open", deliveryNow))
	assert.True(t, types.HasCode(repo.Cancel(context.Background(), "closed", deliveryNow), types.ErrCodeNotFoundDelivery))

	require.NoError(t, repo.Reopen(context.Background(), "open", deliveryNow))
	assert.True(t, types.HasCode(repo.Reopen(context.Background(), "closed", deliveryNow), types.ErrCodeConflictDeliveryState))
}

func TestDeliveryRepository_PurgeExpired(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db, 48*time.Hour)

	a := pendingRecord()
	b := pendingRecord()
	b.Key = "u2_2026-06-12"
	b.UserID = "u2"
	b.Status = types.DeliveryStatusSent
	b.Attempts = 1

	before := deliveryNow.Add(72 * time.Hour)
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{before, 500}).
		Return(newMockRows(scanDeliveryInto(a), scanDeliveryInto(b)), nil)

	purged, err := repo.PurgeExpired(context.Background(), before, 500)
	require.NoError(t, err)
	require.Len(t, purged, 2)
	assert.Equal(t, "u2_2026-06-12", purged[1].Key)
	assert.Equal(t, types.DeliveryStatusSent, purged[1].Status)
}

func TestDeliveryRepository_PurgeExpired_QueryError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db, 48*time.Hour)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := repo.PurgeExpired(context.Background(), deliveryNow, 10)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
}
