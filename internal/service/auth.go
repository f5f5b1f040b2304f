package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sakif/identity-core/internal/apperror"
	"github.com/sakif/identity-core/internal/auth"
	"github.com/sakif/identity-core/internal/model"
	"github.com/sakif/identity-core/internal/repository"
	"github.com/sakif/identity-core/internal/validate"
)

// IdentityReader is the read side AuthService needs: users and their
// provider links.
type IdentityReader interface {
	repository.UserRepository
	ListOAuthAccounts(ctx context.Context, userID string) ([]model.OAuthAccount, error)
}

// AuthService handles password login and session lookups.
//
// DEPENDENCIES (injected via NewAuthService):
//   - users      IdentityReader            → read users and provider links
//   - tokens     *auth.TokenService        → issue session JWTs
//   - passwords  *auth.PasswordService     → bcrypt verification
//   - logger     *slog.Logger              → structured logging
type AuthService struct {
	users     IdentityReader
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *slog.Logger
}

func NewAuthService(
	users IdentityReader,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
	}
}

// LoginInput is the body of POST /login.
type LoginInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Login authenticates with email and password.
//
// The checks run in a fixed order and each maps to its own error:
//
//  1. no such user           → UserNotFound
//  2. email not verified     → EmailNotVerified
//  3. no password (OAuth-only account) or wrong password → InvalidCredentials
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*AuthResult, error) {
	in.Email = normalizeEmail(in.Email)
	if err := validate.Struct(in); err != nil {
		return nil, err
	}

	user, err := s.users.GetUserByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.UserNotFound()
		}
		return nil, apperror.Persistence(err)
	}

	if !user.EmailVerified {
		return nil, apperror.EmailNotVerified()
	}

	if !user.HasPassword() {
		return nil, apperror.InvalidCredentials()
	}
	if err := s.passwords.Verify(user.PasswordHash, in.Password); err != nil {
		s.logger.InfoContext(ctx, "password login rejected", slog.String("userID", user.ID))
		return nil, apperror.InvalidCredentials()
	}

	session, err := s.tokens.Issue(user)
	if err != nil {
		return nil, apperror.Persistence(err)
	}

	s.logger.InfoContext(ctx, "user logged in", slog.String("userID", user.ID), slog.String("method", "password"))
	return &AuthResult{User: user, Session: session}, nil
}

// CurrentIdentity returns the identity of an authenticated session's user
// together with the OAuth providers linked to it. A session whose user no
// longer exists yields apperror.ErrUserNotFound.
func (s *AuthService) CurrentIdentity(ctx context.Context, userID string) (*model.Me, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.UserNotFound()
		}
		return nil, apperror.Persistence(err)
	}

	accounts, err := s.users.ListOAuthAccounts(ctx, user.ID)
	if err != nil {
		return nil, apperror.Persistence(err)
	}

	me := &model.Me{Identity: user.Identity(), LinkedProviders: make([]model.Provider, 0, len(accounts))}
	for _, a := range accounts {
		me.LinkedProviders = append(me.LinkedProviders, a.Provider)
	}
	return me, nil
}
