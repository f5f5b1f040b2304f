package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/identity-core/internal/apperror"
	"github.com/sakif/identity-core/internal/model"
)

// ResolveOAuthOwner finds the user an OAuth login belongs to in ONE query.
//
// The LEFT JOIN attaches the provider link (if any) to each candidate user.
// A row qualifies when it either owns the link or has the same email; rows
// owning the link sort first, so an existing link always wins over an email
// match. An empty email never matches by email.
//
// Returns apperror.ErrNotFound when neither rule matches.
func (q *queries) ResolveOAuthOwner(ctx context.Context, provider model.Provider, providerUserID, email string) (*model.User, bool, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT u.id, u.email, u.name, u.password_hash, u.email_verified, u.avatar_url, u.role,
		        u.created_at, u.updated_at,
		        CASE WHEN oa.id IS NULL THEN 0 ELSE 1 END AS linked
		 FROM users u
		 LEFT JOIN oauth_accounts oa
		        ON oa.user_id = u.id AND oa.provider = ? AND oa.provider_user_id = ?
		 WHERE oa.id IS NOT NULL OR (? <> '' AND u.email = ?)
		 ORDER BY linked DESC
		 LIMIT 1`,
		string(provider), providerUserID, email, email,
	)

	var (
		u      model.User
		linked bool
	)
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.PasswordHash,
		&u.EmailVerified,
		&u.AvatarURL,
		&u.Role,
		&u.CreatedAt,
		&u.UpdatedAt,
		&linked,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, apperror.NotFound("oauth owner", string(provider)+":"+providerUserID)
		}
		return nil, false, fmt.Errorf("sqlite: resolving oauth owner: %w", err)
	}
	return &u, linked, nil
}

// UpsertOAuthAccount inserts the link or, when (provider, provider_user_id)
// already exists, refreshes ONLY access_token, scope and updated_at. The
// owning user_id is never rewritten. On return a carries the stored id,
// user_id and created_at.
func (q *queries) UpsertOAuthAccount(ctx context.Context, a *model.OAuthAccount) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = xid.New().String()
	}
	a.UpdatedAt = now
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}

	err := q.db.QueryRowContext(ctx,
		`INSERT INTO oauth_accounts
		   (id, user_id, provider, provider_user_id, access_token, scope, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, provider_user_id) DO UPDATE SET
		   access_token = excluded.access_token,
		   scope        = excluded.scope,
		   updated_at   = excluded.updated_at
		 RETURNING id, user_id, created_at`,
		a.ID,
		a.UserID,
		string(a.Provider),
		a.ProviderUserID,
		a.AccessToken,
		a.Scope,
		a.CreatedAt,
		a.UpdatedAt,
	).Scan(&a.ID, &a.UserID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: upserting oauth account %s:%s: %w", a.Provider, a.ProviderUserID, err)
	}
	return nil
}

// UpsertOAuthProfile fully refreshes the denormalized profile projection.
func (q *queries) UpsertOAuthProfile(ctx context.Context, p *model.OAuthProfile) error {
	p.UpdatedAt = time.Now().UTC()

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO oauth_profiles
		   (provider, provider_user_id, user_id, login, display_name, avatar_url, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, provider_user_id) DO UPDATE SET
		   login        = excluded.login,
		   display_name = excluded.display_name,
		   avatar_url   = excluded.avatar_url,
		   updated_at   = excluded.updated_at`,
		string(p.Provider),
		p.ProviderUserID,
		p.UserID,
		p.Login,
		p.DisplayName,
		p.AvatarURL,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upserting oauth profile %s:%s: %w", p.Provider, p.ProviderUserID, err)
	}
	return nil
}

// ListOAuthAccounts returns the provider links of a user, oldest first.
//
// ALWAYS CLOSE ROWS:
// rows holds a connection from the pool until closed; defer rows.Close()
// right after the error check.
func (q *queries) ListOAuthAccounts(ctx context.Context, userID string) ([]model.OAuthAccount, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, user_id, provider, provider_user_id, access_token, scope, created_at, updated_at
		 FROM oauth_accounts WHERE user_id = ? ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing oauth accounts for %s: %w", userID, err)
	}
	defer rows.Close()

	accounts := make([]model.OAuthAccount, 0)
	for rows.Next() {
		var (
			a        model.OAuthAccount
			provider string
		)
		if err := rows.Scan(
			&a.ID,
			&a.UserID,
			&provider,
			&a.ProviderUserID,
			&a.AccessToken,
			&a.Scope,
			&a.CreatedAt,
			&a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning oauth account: %w", err)
		}
		a.Provider = model.Provider(provider)
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating oauth accounts: %w", err)
	}
	return accounts, nil
}
