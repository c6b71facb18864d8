package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"birthdaygreeter/internal/types"
)

func TestJobLockRepository_Acquire(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{name: "new lock", tag: "INSERT 0 1", want: true},
		{name: "held by another worker", tag: "INSERT 0 0", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewJobLockRepository(db)
			ctx := context.Background()

			db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
				Return(pgconn.NewCommandTag(tt.tag), nil)

			acquired, err := repo.Acquire(ctx, "redrive_dead_letters:2026-03-14T09", "worker-1", 15*time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, acquired)
		})
	}
}

func TestJobLockRepository_Acquire_ExpiresAtComputedFromTTL(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		if len(args) < 4 {
			return false
		}
		lockedAt, ok1 := args[2].(time.Time)
		expiresAt, ok2 := args[3].(time.Time)
		return ok1 && ok2 && expiresAt.Sub(lockedAt) == time.Hour
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	acquired, err := repo.Acquire(ctx, "purge_expired_deliveries:key", "worker-x", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)
	db.AssertExpectations(t)
}

func TestJobLockRepository_Acquire_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	acquired, err := repo.Acquire(context.Background(), "task:key", "worker-1", 10*time.Minute)
	assert.False(t, acquired)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
}

func TestJobLockRepository_Release(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobLockRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{"task:key", "worker-1"}).
		Return(pgconn.NewCommandTag("DELETE 1"), nil)

	require.NoError(t, repo.Release(context.Background(), "task:key", "worker-1"))
	db.AssertExpectations(t)
}

func TestJobHistoryRepository_StartFinish(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobHistoryRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"redrive_dead_letters"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int64) = 42
			return nil
		}})
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		errMsg, ok := args[3].(*string)
		return args[0] == int64(42) && ok && errMsg != nil && *errMsg == "queue unavailable"
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	id, err := repo.Start(ctx, "redrive_dead_letters")
	require.NoError(t, err)
	require.NoError(t, repo.Finish(ctx, id, "failed", 0, errors.New("queue unavailable")))
	db.AssertExpectations(t)
}

func TestJobHistoryRepository_Finish_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewJobHistoryRepository(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.Finish(context.Background(), 999, "success", 0, nil)
	assert.True(t, types.HasCode(err, types.ErrCodeInternalUnexpected))
}
