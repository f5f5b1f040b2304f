package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/identity-core/internal/apperror"
	"github.com/sakif/identity-core/internal/auth"
	"github.com/sakif/identity-core/internal/model"
	"github.com/sakif/identity-core/internal/repository"
)

// DefaultVerificationSessionTTL is the lifetime of the session handed out on
// redemption. It is shorter than a login session: the user proved control
// of a mailbox, not knowledge of the password.
const DefaultVerificationSessionTTL = time.Hour

// VerificationService redeems emailed verification secrets.
type VerificationService struct {
	store      repository.Store
	tokens     *auth.TokenService
	events     EventPublisher
	sessionTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewVerificationService(
	store repository.Store,
	tokens *auth.TokenService,
	publisher EventPublisher,
	sessionTTL time.Duration,
	logger *slog.Logger,
) *VerificationService {
	if sessionTTL <= 0 {
		sessionTTL = DefaultVerificationSessionTTL
	}
	return &VerificationService{
		store:      store,
		tokens:     tokens,
		events:     publisher,
		sessionTTL: sessionTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Redeem consumes a raw verification secret, marks its user verified and
// signs them in.
//
// The up-front checks give precise errors; the conditional UPDATE inside the
// transaction is what actually guarantees single use when two requests race
// with the same secret.
func (s *VerificationService) Redeem(ctx context.Context, raw string) (*AuthResult, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperror.TokenMissing()
	}
	if err := auth.ValidSecretFormat(raw); err != nil {
		return nil, apperror.InvalidToken()
	}

	tok, err := s.store.GetVerificationTokenByHash(ctx, auth.HashSecret(raw))
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.InvalidToken()
		}
		return nil, apperror.Persistence(err)
	}

	now := s.now().UTC()
	if tok.Expired(now) {
		return nil, apperror.TokenExpired()
	}
	if tok.Used() {
		return nil, apperror.TokenAlreadyUsed()
	}

	var user *model.User
	err = s.store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.ConsumeVerificationToken(ctx, tok.ID, now); err != nil {
			return err
		}
		if err := tx.MarkEmailVerified(ctx, tok.UserID, now); err != nil {
			return err
		}
		u, err := tx.GetUserByID(ctx, tok.UserID)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		if errors.Is(err, apperror.ErrTokenAlreadyUsed) {
			return nil, apperror.TokenAlreadyUsed()
		}
		return nil, apperror.Persistence(err)
	}

	session, err := s.tokens.IssueWithDuration(user.ID, user.Email, s.sessionTTL)
	if err != nil {
		return nil, apperror.Persistence(err)
	}

	publishVerified(ctx, s.events, s.logger, user, "email", now)

	s.logger.InfoContext(ctx, "email verified", slog.String("userID", user.ID))
	return &AuthResult{User: user, Session: session}, nil
}

// publishVerified announces a newly verified identity. The event feeds
// follow-up work only, so a failed publish is logged and swallowed.
func publishVerified(ctx context.Context, p EventPublisher, logger *slog.Logger, user *model.User, method string, at time.Time) {
	err := p.Publish(ctx, TopicIdentityVerified, IdentityVerifiedEvent{
		UserID:     user.ID,
		Email:      user.Email,
		Method:     method,
		OccurredAt: at,
	})
	if err != nil {
		logger.WarnContext(ctx, "publishing identity-verified failed",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
	}
}
