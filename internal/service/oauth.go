package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/identity-core/internal/apperror"
	"github.com/sakif/identity-core/internal/auth"
	"github.com/sakif/identity-core/internal/model"
	"github.com/sakif/identity-core/internal/repository"
)

// errNoVerifiedEmail is the cause recorded when a brand-new OAuth identity
// comes without an address the provider vouches for.
var errNoVerifiedEmail = errors.New("service: provider returned no verified email")

// OAuthService completes OAuth logins and links them to users.
type OAuthService struct {
	store  repository.Store
	tokens *auth.TokenService
	events EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

func NewOAuthService(
	store repository.Store,
	tokens *auth.TokenService,
	publisher EventPublisher,
	logger *slog.Logger,
) *OAuthService {
	return &OAuthService{
		store:  store,
		tokens: tokens,
		events: publisher,
		logger: logger,
		now:    time.Now,
	}
}

// OAuthResult is an AuthResult plus how the login changed the user.
type OAuthResult struct {
	AuthResult
	Created       bool // a new user row was inserted
	NewlyVerified bool // an existing unverified user was verified by the link
}

// Complete exchanges the authorization code and signs the owning user in.
//
// ACCOUNT LINKING, all inside one transaction:
//
//  1. (provider, providerUserID) already linked  → that user
//  2. else a user with the verified email        → link to them
//  3. else                                       → create a verified user
//
// In case 2 a user who signed up with a password but never verified gets
// verified by the provider's word, and the password nobody proved is
// cleared so whoever typed it cannot log in as the real mailbox owner.
//
// The provider round-trips happen before the transaction opens.
func (s *OAuthService) Complete(ctx context.Context, provider auth.Provider, code string) (*OAuthResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, apperror.OAuthExchangeFailed(errors.New("service: empty authorization code"))
	}

	ext, err := provider.Exchange(ctx, code)
	if err != nil {
		s.logger.WarnContext(ctx, "oauth exchange failed",
			slog.String("provider", string(provider.Name())),
			slog.String("error", err.Error()),
		)
		return nil, apperror.OAuthExchangeFailed(err)
	}

	now := s.now().UTC()
	res := &OAuthResult{}

	err = s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		user, linked, err := tx.ResolveOAuthOwner(ctx, ext.Provider, ext.ProviderUserID, ext.Email)
		switch {
		case errors.Is(err, apperror.ErrNotFound):
			if ext.Email == "" {
				return apperror.OAuthExchangeFailed(errNoVerifiedEmail)
			}
			user = newOAuthUser(ext, now)
			if err := tx.CreateUser(ctx, user); err != nil {
				return err
			}
			res.Created = true
		case err != nil:
			return err
		case !linked && !user.EmailVerified:
			if err := tx.MarkEmailVerified(ctx, user.ID, now); err != nil {
				return err
			}
			if err := tx.ClearPasswordHash(ctx, user.ID, now); err != nil {
				return err
			}
			user.EmailVerified = true
			user.PasswordHash = ""
			res.NewlyVerified = true
		}

		if err := tx.UpsertOAuthAccount(ctx, &model.OAuthAccount{
			UserID:         user.ID,
			Provider:       ext.Provider,
			ProviderUserID: ext.ProviderUserID,
			AccessToken:    ext.AccessToken,
			Scope:          ext.Scope,
		}); err != nil {
			return err
		}

		if err := tx.UpsertOAuthProfile(ctx, &model.OAuthProfile{
			Provider:       ext.Provider,
			ProviderUserID: ext.ProviderUserID,
			UserID:         user.ID,
			Login:          ext.Login,
			DisplayName:    ext.DisplayName,
			AvatarURL:      ext.AvatarURL,
		}); err != nil {
			return err
		}

		res.User = user
		return nil
	})
	if err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, apperror.Persistence(err)
	}

	session, err := s.tokens.Issue(res.User)
	if err != nil {
		return nil, apperror.Persistence(err)
	}
	res.Session = session

	if res.Created || res.NewlyVerified {
		publishVerified(ctx, s.events, s.logger, res.User, "oauth:"+string(ext.Provider), now)
	}

	s.logger.InfoContext(ctx, "user logged in",
		slog.String("userID", res.User.ID),
		slog.String("method", "oauth"),
		slog.String("provider", string(ext.Provider)),
		slog.Bool("created", res.Created),
	)
	return res, nil
}

func newOAuthUser(ext *model.ExternalIdentity, now time.Time) *model.User {
	name := ext.DisplayName
	if name == "" {
		name = ext.Login
	}
	if name == "" {
		name, _, _ = strings.Cut(ext.Email, "@")
	}
	return &model.User{
		ID:            xid.New().String(),
		Email:         ext.Email,
		Name:          name,
		EmailVerified: true,
		AvatarURL:     ext.AvatarURL,
		Role:          model.DefaultRole,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
