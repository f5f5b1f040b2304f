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

// CreateVerificationToken stores a token row. Only the SHA-256 hash of the
// secret is ever written. Redelivery of the same token is a no-op thanks to
// the UNIQUE token_hash column.
func (q *queries) CreateVerificationToken(ctx context.Context, t *model.EmailVerificationToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO email_verification_tokens
		   (id, user_id, token_hash, expires_at, used_at, ip_address, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(token_hash) DO NOTHING`,
		t.ID,
		t.UserID,
		t.TokenHash,
		t.ExpiresAt.UTC(),
		nullTime(t.UsedAt),
		t.IPAddress,
		t.UserAgent,
		t.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting verification token for user %s: %w", t.UserID, err)
	}
	return nil
}

// GetVerificationTokenByHash returns apperror.ErrNotFound when no token has
// that hash.
func (q *queries) GetVerificationTokenByHash(ctx context.Context, hash string) (*model.EmailVerificationToken, error) {
	var (
		t      model.EmailVerificationToken
		usedAt sql.NullTime
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, expires_at, used_at, ip_address, user_agent, created_at
		 FROM email_verification_tokens WHERE token_hash = ?`,
		hash,
	).Scan(
		&t.ID,
		&t.UserID,
		&t.TokenHash,
		&t.ExpiresAt,
		&usedAt,
		&t.IPAddress,
		&t.UserAgent,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("verification token", "<hash>")
		}
		return nil, fmt.Errorf("sqlite: getting verification token: %w", err)
	}
	t.UsedAt = timePtr(usedAt)
	return &t, nil
}

// ConsumeVerificationToken marks the token used.
//
// The WHERE clause repeats the "not yet used" check inside the statement, so
// two concurrent redemptions of the same token cannot both succeed: the
// second UPDATE matches zero rows and reports apperror.ErrTokenAlreadyUsed.
func (q *queries) ConsumeVerificationToken(ctx context.Context, id string, at time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE email_verification_tokens SET used_at = ? WHERE id = ? AND used_at IS NULL`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: consuming verification token %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.TokenAlreadyUsed()
	}
	return nil
}
