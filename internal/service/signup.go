package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/xid"

	"github.com/sakif/identity-core/internal/apperror"
	"github.com/sakif/identity-core/internal/auth"
	"github.com/sakif/identity-core/internal/mailer"
	"github.com/sakif/identity-core/internal/model"
	"github.com/sakif/identity-core/internal/repository"
	"github.com/sakif/identity-core/internal/scratch"
	"github.com/sakif/identity-core/internal/validate"
)

// DefaultVerificationTokenTTL is how long an emailed link stays redeemable.
const DefaultVerificationTokenTTL = time.Hour

// SignupMessage is returned to the caller as soon as intake succeeds.
const SignupMessage = "Signup successful. Please check your email to verify your account."

// SignupConfig tunes the signup workflow.
type SignupConfig struct {
	TokenTTL    time.Duration // verification token lifetime
	AppBaseURL  string        // prefix of the emailed verification link
	MailTimeout time.Duration // bound on one mail transport call
}

// SignupService runs password signup as an explicit workflow.
//
// THE WORKFLOW:
// Intake validates the request, writes drafts to the scratch store and the
// signup_workflows outbox row, and answers immediately. The rest happens on
// the event dispatcher:
//
//	persist-user ─────────────────┐
//	persist-verification-token ───┴→ dispatch-email → email-dispatched
//
// The first two steps start in parallel. Token issuance waits (by failing
// with a retryable error) until the user row exists. Every step records its
// completion on the outbox row, so a crash at any point can be resumed from
// the row (see Resume).
type SignupService struct {
	store     repository.Store
	scratch   ScratchStore
	events    EventPublisher
	passwords *auth.PasswordService
	mailer    mailer.Mailer
	cfg       SignupConfig
	logger    *slog.Logger
	now       func() time.Time
}

func NewSignupService(
	store repository.Store,
	scratchStore ScratchStore,
	publisher EventPublisher,
	passwords *auth.PasswordService,
	m mailer.Mailer,
	cfg SignupConfig,
	logger *slog.Logger,
) *SignupService {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultVerificationTokenTTL
	}
	if cfg.MailTimeout <= 0 {
		cfg.MailTimeout = 10 * time.Second
	}
	cfg.AppBaseURL = strings.TrimRight(cfg.AppBaseURL, "/")

	return &SignupService{
		store:     store,
		scratch:   scratchStore,
		events:    publisher,
		passwords: passwords,
		mailer:    m,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// SignupInput is the body of POST /signup plus request metadata.
type SignupInput struct {
	Name      string `json:"name" validate:"required,min=2,max=50,lettersspaces"`
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required,min=6,max=100"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// SignupResult is returned once intake has accepted the request.
type SignupResult struct {
	WorkflowID string
	Message    string
}

// Signup performs intake. It returns before the user row exists.
func (s *SignupService) Signup(ctx context.Context, in SignupInput) (*SignupResult, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = normalizeEmail(in.Email)
	if err := validate.Struct(in); err != nil {
		return nil, err
	}

	_, err := s.store.GetUserByEmail(ctx, in.Email)
	switch {
	case err == nil:
		return nil, apperror.UserAlreadyExists()
	case !errors.Is(err, apperror.ErrNotFound):
		return nil, apperror.Persistence(err)
	}

	// A signup still waiting for its user row holds the address too. Past the
	// scratch TTL its drafts are gone and it can never complete.
	now := s.now().UTC()
	pending, err := s.store.HasPendingSignup(ctx, in.Email, now.Add(-s.scratch.TTL()))
	if err != nil {
		return nil, apperror.Persistence(err)
	}
	if pending {
		return nil, apperror.UserAlreadyExists()
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, apperror.Persistence(err)
	}

	secret, err := auth.NewVerificationSecret()
	if err != nil {
		return nil, apperror.Persistence(err)
	}

	workflowID := ulid.Make().String()
	userID := xid.New().String()

	userDraft := &scratch.UserDraft{
		ID:           userID,
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: hash,
		Role:         model.DefaultRole,
		CreatedAt:    now,
	}
	tokenDraft := &scratch.TokenDraft{
		ID:        xid.New().String(),
		UserID:    userID,
		RawSecret: secret.Raw,
		TokenHash: secret.Hash,
		ExpiresAt: now.Add(s.cfg.TokenTTL),
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	}

	if err := s.scratch.SaveSignup(ctx, workflowID, userDraft, tokenDraft); err != nil {
		return nil, apperror.Persistence(err)
	}

	wf := &model.SignupWorkflow{ID: workflowID, Email: in.Email, UserID: userID, CreatedAt: now}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, apperror.Persistence(err)
	}

	// The outbox row is durable from here on. A failed publish is recovered
	// by Resume on the next start, so it is logged rather than returned.
	msg := WorkflowEvent{WorkflowID: workflowID, Email: in.Email}
	for _, topic := range []string{TopicPersistUser, TopicPersistVerificationToken} {
		if err := s.events.Publish(ctx, topic, msg); err != nil {
			s.logger.ErrorContext(ctx, "publishing signup step failed",
				slog.String("workflowID", workflowID),
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "signup accepted", slog.String("workflowID", workflowID), slog.String("userID", userID))
	return &SignupResult{WorkflowID: workflowID, Message: SignupMessage}, nil
}

// verificationLink builds the URL mailed to the user.
func (s *SignupService) verificationLink(rawSecret string) string {
	return fmt.Sprintf("%s/verify-email?token=%s", s.cfg.AppBaseURL, rawSecret)
}
