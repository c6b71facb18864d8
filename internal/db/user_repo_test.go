package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"birthdaygreeter/internal/types"
)

func testUser(id string) types.User {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return types.User{
		ID:         id,
		FirstName:  "John",
		LastName:   "Doe",
		Birthday:   time.Date(1990, 1, 15, 0, 0, 0, 0, time.UTC),
		BirthdayMD: "01-15",
		Location:   "America/New_York",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestUserRepository_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)
	u := testUser("u1")

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 8 && args[0] == "u1" && args[4] == "01-15" && args[5] == "America/New_York"
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	require.NoError(t, repo.Create(context.Background(), &u))
	db.AssertExpectations(t)
}

func TestUserRepository_Create_Duplicate(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)
	u := testUser("u1")

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"})

	err := repo.Create(context.Background(), &u)
	assert.True(t, types.HasCode(err, types.ErrCodeConflictUserExists))
	assert.Equal(t, types.KindConflict, types.KindOf(err))
}

func TestUserRepository_GetByID(t *testing.T) {
	t.Run("found round-trips birthday_md and location", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewUserRepository(db)
		want := testUser("u1")

		db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"u1"}).
			Return(&mockRow{scanFn: scanUserInto(want)})

		got, err := repo.GetByID(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "01-15", got.BirthdayMD)
		assert.Equal(t, "America/New_York", got.Location)
		assert.Equal(t, "1990-01-15", got.BirthdayString())
	})

	t.Run("not found", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewUserRepository(db)
		db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
			Return(&mockRow{scanErr: pgx.ErrNoRows})

		_, err := repo.GetByID(context.Background(), "missing")
		assert.True(t, types.HasCode(err, types.ErrCodeNotFoundUser))
	})

	t.Run("db error", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewUserRepository(db)
		db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
			Return(&mockRow{scanErr: errors.New("connection reset")})

		_, err := repo.GetByID(context.Background(), "u1")
		assert.True(t, types.HasCode(err, types.ErrCodeInternalDB))
	})
}

func TestUserRepository_List_Pagination(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	rows := newMockRows(
		scanUserInto(testUser("a")),
		scanUserInto(testUser("b")),
		scanUserInto(testUser("c")),
	)
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{"", 3}).Return(rows, nil)

	users, page, err := repo.List(context.Background(), "", 2)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "b", page.NextCursor)
	assert.True(t, rows.closed)
}

func TestUserRepository_ListByBirthdayMD(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)
	mds := []string{"03-13", "03-14", "03-15"}

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{mds}).
		Return(newMockRows(scanUserInto(testUser("u1"))), nil)

	users, err := repo.ListByBirthdayMD(context.Background(), mds)
	require.NoError(t, err)
	assert.Len(t, users, 1)
	db.AssertExpectations(t)
}

func TestUserRepository_ListByBirthdayMD_Empty(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	users, err := repo.ListByBirthdayMD(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, users)
	db.AssertNotCalled(t, "Query", mock.Anything, mock.Anything, mock.Anything)
}

func TestUserRepository_UpdateDelete_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)
	u := testUser("gone")

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	assert.True(t, types.HasCode(repo.Update(context.Background(), &u), types.ErrCodeNotFoundUser))
	assert.True(t, types.HasCode(repo.Delete(context.Background(), "gone"), types.ErrCodeNotFoundUser))
}

func TestUserRepository_MarkGreeted(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)
	at := time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), []any{at, "u1"}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	require.NoError(t, repo.MarkGreeted(context.Background(), "u1", at))
	db.AssertExpectations(t)
}
