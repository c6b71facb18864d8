package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"

	"birthdaygreeter/internal/types"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows ---

// mockRows implements pgx.Rows; each element of scans fills one row.
type mockRows struct {
	scans  []func(dest ...any) error
	idx    int
	closed bool
	errVal error
}

func newMockRows(scans ...func(dest ...any) error) *mockRows {
	return &mockRows{scans: scans, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.scans)
}

func (r *mockRows) Scan(dest ...any) error { return r.scans[r.idx](dest...) }

func (r *mockRows) Close() { r.closed = true }
func (r *mockRows) Err() error { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte { return nil }
func (r *mockRows) Values() ([]any, error) { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn { return nil }

// --- Row fillers ---

func scanUserInto(u types.User) func(dest ...any) error {
	return func(dest ...any) error {
		*dest[0].(*string) = u.ID
		*dest[1].(*string) = u.FirstName
		*dest[2].(*string) = u.LastName
		*dest[3].(*time.Time) = u.Birthday
		*dest[4].(*string) = u.BirthdayMD
		*dest[5].(*string) = u.Location
		*dest[6].(**time.Time) = u.LastGreetingSentAt
		*dest[7].(*time.Time) = u.CreatedAt
		*dest[8].(*time.Time) = u.UpdatedAt
		return nil
	}
}

func scanDeliveryInto(rec types.DeliveryRecord) func(dest ...any) error {
	return func(dest ...any) error {
		occurrence, err := time.Parse(types.OccurrenceLayout, rec.OccurrenceDate)
		if err != nil {
			return err
		}
		*dest[0].(*string) = rec.Key
		*dest[1].(*string) = rec.UserID
		*dest[2].(*time.Time) = occurrence
		*dest[3].(*types.DeliveryStatus) = rec.Status
		*dest[4].(*int) = rec.Attempts
		*dest[5].(**time.Time) = rec.LeaseUntil
		if rec.LastError != "" {
			s := rec.LastError
			*dest[6].(**string) = &s
		}
		*dest[7].(*time.Time) = rec.CreatedAt
		*dest[8].(*time.Time) = rec.UpdatedAt
		*dest[9].(*time.Time) = rec.ExpiresAt
		return nil
	}
}
