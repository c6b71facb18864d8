package db

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"birthdaygreeter/internal/logging"
)

func isDDL(prefix string) any {
	return mock.MatchedBy(func(sql string) bool { return strings.HasPrefix(strings.TrimSpace(sql), prefix) })
}

func TestMigrate_AppliesPendingFilesOnce(t *testing.T) {
	db := new(mockDBTX)
	ctx := context.Background()

	db.On("Exec", ctx, isDDL("CREATE TABLE IF NOT EXISTS schema_migrations"), mock.Anything).
		Return(pgconn.NewCommandTag("CREATE TABLE"), nil)
	// First file is new, the other two are already recorded.
	db.On("Exec", ctx, isDDL("INSERT INTO schema_migrations"), []any{"migrations/0001_users.sql"}).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	db.On("Exec", ctx, isDDL("INSERT INTO schema_migrations"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)
	db.On("Exec", ctx, isDDL("CREATE TABLE IF NOT EXISTS users"), mock.Anything).
		Return(pgconn.NewCommandTag("CREATE TABLE"), nil).Once()

	require.NoError(t, Migrate(ctx, db, logging.Discard()))
	db.AssertExpectations(t)
}

func TestMigrate_FailureUnrecordsFile(t *testing.T) {
	db := new(mockDBTX)
	ctx := context.Background()

	db.On("Exec", ctx, isDDL("CREATE TABLE IF NOT EXISTS schema_migrations"), mock.Anything).
		Return(pgconn.NewCommandTag("CREATE TABLE"), nil)
	db.On("Exec", ctx, isDDL("INSERT INTO schema_migrations"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	db.On("Exec", ctx, isDDL("CREATE TABLE IF NOT EXISTS users"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("permission denied"))
	db.On("Exec", ctx, isDDL("DELETE FROM schema_migrations"), []any{"migrations/0001_users.sql"}).
		Return(pgconn.NewCommandTag("DELETE 1"), nil)

	err := Migrate(ctx, db, logging.Discard())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0001_users.sql")
	db.AssertExpectations(t)
}
