// Package repository declares the persistence contracts the services depend
// on. internal/repository/sqlite is the production implementation.
//
// Every method is usable both on the plain store and inside a transaction:
// Store.WithTx hands the callback a Tx bound to the open transaction, and the
// callback must do all of its work through that Tx.
package repository

import (
	"context"
	"time"

	"github.com/sakif/identity-core/internal/model"
)

type UserRepository interface {
	// CreateUser inserts u. Re-inserting the same ID is a no-op; an email
	// already owned by another ID fails with apperror.ErrUserAlreadyExists.
	CreateUser(ctx context.Context, u *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	MarkEmailVerified(ctx context.Context, userID string, at time.Time) error
	ClearPasswordHash(ctx context.Context, userID string, at time.Time) error
}

type VerificationTokenRepository interface {
	// CreateVerificationToken is idempotent on the token hash.
	CreateVerificationToken(ctx context.Context, t *model.EmailVerificationToken) error
	GetVerificationTokenByHash(ctx context.Context, hash string) (*model.EmailVerificationToken, error)
	// ConsumeVerificationToken sets used_at only if it is still NULL and
	// fails with apperror.ErrTokenAlreadyUsed otherwise.
	ConsumeVerificationToken(ctx context.Context, id string, at time.Time) error
}

type OAuthRepository interface {
	// ResolveOAuthOwner finds the user owning (provider, providerUserID), or
	// failing that the user registered under email. linked reports whether
	// the match came from an existing provider link.
	ResolveOAuthOwner(ctx context.Context, provider model.Provider, providerUserID, email string) (user *model.User, linked bool, err error)
	UpsertOAuthAccount(ctx context.Context, a *model.OAuthAccount) error
	UpsertOAuthProfile(ctx context.Context, p *model.OAuthProfile) error
	ListOAuthAccounts(ctx context.Context, userID string) ([]model.OAuthAccount, error)
}

type WorkflowRepository interface {
	CreateWorkflow(ctx context.Context, w *model.SignupWorkflow) error
	GetWorkflow(ctx context.Context, id string) (*model.SignupWorkflow, error)
	MarkUserPersisted(ctx context.Context, id, userID string, at time.Time) error
	MarkTokenIssued(ctx context.Context, id string, at time.Time) error
	MarkEmailSent(ctx context.Context, id string, at time.Time) error
	// RecordWorkflowAttempt bumps the attempt counter and stores the latest
	// transient error without failing the workflow.
	RecordWorkflowAttempt(ctx context.Context, id, lastError string) error
	MarkWorkflowFailed(ctx context.Context, id, reason string, at time.Time) error
	// HasPendingSignup reports whether email has a workflow created after
	// since that has neither failed nor persisted its user yet.
	HasPendingSignup(ctx context.Context, email string, since time.Time) (bool, error)
	// ListPendingWorkflows returns workflows that are neither failed nor
	// finished, oldest first.
	ListPendingWorkflows(ctx context.Context, limit int) ([]model.SignupWorkflow, error)
}

// Tx is the full repository surface bound to one transaction.
type Tx interface {
	UserRepository
	VerificationTokenRepository
	OAuthRepository
	WorkflowRepository
}

// Store is the full repository surface plus transaction control.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
