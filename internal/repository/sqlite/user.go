package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/identity-core/internal/apperror"
	"github.com/sakif/identity-core/internal/model"
)

const userColumns = `id, email, name, password_hash, email_verified, avatar_url, role, created_at, updated_at`

// CreateUser inserts a user row.
//
// IDEMPOTENCY:
// The signup workflow may deliver "persist user" more than once. The insert
// therefore does nothing when the same id is already present
// (ON CONFLICT(id) DO NOTHING). The email column's UNIQUE constraint is NOT
// covered by that clause, so a different user claiming the same email still
// fails, and is reported as apperror.ErrUserAlreadyExists.
func (q *queries) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		return fmt.Errorf("sqlite: inserting user: empty id")
	}

	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	if u.Role == "" {
		u.Role = model.DefaultRole
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		u.ID,
		u.Email,
		u.Name,
		u.PasswordHash,
		u.EmailVerified,
		u.AvatarURL,
		u.Role,
		u.CreatedAt.UTC(),
		u.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err, "users.email") {
			return apperror.UserAlreadyExists()
		}
		return fmt.Errorf("sqlite: inserting user %s: %w", u.ID, err)
	}
	return nil
}

// GetUserByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (q *queries) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", id, err)
	}
	return u, nil
}

// GetUserByEmail looks a user up by normalized email.
// Returns apperror.ErrNotFound if nobody registered that address.
func (q *queries) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", email)
		}
		return nil, fmt.Errorf("sqlite: getting user by email: %w", err)
	}
	return u, nil
}

func (q *queries) MarkEmailVerified(ctx context.Context, userID string, at time.Time) error {
	return q.updateUser(ctx, userID,
		`UPDATE users SET email_verified = 1, updated_at = ? WHERE id = ?`, at.UTC(), userID)
}

// ClearPasswordHash removes a password that was never proven by email
// verification. Used when an OAuth login claims the address first.
func (q *queries) ClearPasswordHash(ctx context.Context, userID string, at time.Time) error {
	return q.updateUser(ctx, userID,
		`UPDATE users SET password_hash = '', updated_at = ? WHERE id = ?`, at.UTC(), userID)
}

func (q *queries) updateUser(ctx context.Context, userID, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: updating user %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("user", userID)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanUser(s scanner) (*model.User, error) {
	var u model.User
	err := s.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.PasswordHash,
		&u.EmailVerified,
		&u.AvatarURL,
		&u.Role,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
