package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"birthdaygreeter/internal/types"
)

// UserRepository provides data access for the users table.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// userColumns defines the standard set of columns selected for user queries.
// scanUser depends on this order.
const userColumns = `id, first_name, last_name, birthday, birthday_md, location,
	last_greeting_sent_at, created_at, updated_at`

// scanUser scans a single user row into a types.User struct.
func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	err := row.Scan(
		&u.ID,
		&u.FirstName,
		&u.LastName,
		&u.Birthday,
		&u.BirthdayMD,
		&u.Location,
		&u.LastGreetingSentAt,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Birthday = u.Birthday.UTC()
	return &u, nil
}

// Create inserts a new user. BirthdayMD must already be derived.
// Returns conflict_user_exists if the ID is taken.
func (r *UserRepository) Create(ctx context.Context, u *types.User) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO users (id, first_name, last_name, birthday, birthday_md, location, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID,
		u.FirstName,
		u.LastName,
		u.Birthday,
		u.BirthdayMD,
		u.Location,
		u.CreatedAt,
		u.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictUserExists, "user already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create user", err)
	}
	return nil
}

// GetByID retrieves a user. Returns not_found_user if absent.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// List returns users ordered by id, starting after cursor (an id, or "" for
// the first page). One extra row is fetched to compute HasMore.
func (r *UserRepository) List(ctx context.Context, cursor string, limit int) ([]*types.User, types.PageInfo, error) {
	limit = types.ClampPageSize(limit)

	rows, err := r.db.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE ($1 = '' OR id > $1)
		 ORDER BY id
		 LIMIT $2`,
		cursor,
		limit+1,
	)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list users", err)
	}
	users, err := collectUsers(rows)
	if err != nil {
		return nil, types.PageInfo{}, err
	}

	var page types.PageInfo
	if len(users) > limit {
		users = users[:limit]
		page.HasMore = true
		page.NextCursor = users[limit-1].ID
	}
	return users, page, nil
}

// ListByBirthdayMD returns every user whose birthday_md is in mds. This is the
// candidate query behind both locator modes; timezone filtering happens in Go.
func (r *UserRepository) ListByBirthdayMD(ctx context.Context, mds []string) ([]*types.User, error) {
	if len(mds) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE birthday_md = ANY($1)
		 ORDER BY id`,
		mds,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list users by birthday", err)
	}
	return collectUsers(rows)
}

func collectUsers(rows pgx.Rows) ([]*types.User, error) {
	defer rows.Close()

	var users []*types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating users", err)
	}
	return users, nil
}

// Update writes the mutable fields of u. Returns not_found_user if absent.
func (r *UserRepository) Update(ctx context.Context, u *types.User) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET first_name = $1, last_name = $2, birthday = $3, birthday_md = $4,
		     location = $5, updated_at = $6
		 WHERE id = $7`,
		u.FirstName,
		u.LastName,
		u.Birthday,
		u.BirthdayMD,
		u.Location,
		u.UpdatedAt,
		u.ID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update user", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// Delete removes a user. Delivery records are left to expire on their own.
func (r *UserRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete user", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// MarkGreeted records a successful send. The timestamp only moves forward.
func (r *UserRepository) MarkGreeted(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET last_greeting_sent_at = $1
		 WHERE id = $2 AND (last_greeting_sent_at IS NULL OR last_greeting_sent_at < $1)`,
		at,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark user greeted", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found or already marked", nil)
	}
	return nil
}
