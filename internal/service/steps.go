package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/identity-core/internal/apperror"
	"github.com/sakif/identity-core/internal/events"
	"github.com/sakif/identity-core/internal/mailer"
	"github.com/sakif/identity-core/internal/model"
	"github.com/sakif/identity-core/internal/scratch"
)

// errUserNotPersisted makes token issuance wait for the persist-user step.
var errUserNotPersisted = errors.New("service/signup: user row not persisted yet")

// Register subscribes the workflow steps on the dispatcher.
func (s *SignupService) Register(sub Subscriber) {
	sub.Subscribe(TopicPersistUser, "persist-user", s.step(s.PersistUser))
	sub.Subscribe(TopicPersistVerificationToken, "issue-verification-token", s.step(s.IssueVerificationToken))
	sub.Subscribe(TopicDispatchEmail, "dispatch-email", s.step(s.DispatchEmail))
	sub.Subscribe(TopicEmailDispatched, "record-email-dispatch", s.step(s.RecordEmailDispatched))
}

// step wraps a workflow handler so every retryable failure is counted on the
// outbox row.
func (s *SignupService) step(fn events.Handler) events.Handler {
	return func(ctx context.Context, e events.Event) error {
		err := fn(ctx, e)
		if err == nil || events.IsPermanent(err) {
			return err
		}
		if id := workflowIDOf(e); id != "" {
			if rerr := s.store.RecordWorkflowAttempt(ctx, id, err.Error()); rerr != nil {
				s.logger.WarnContext(ctx, "recording workflow attempt failed",
					slog.String("workflowID", id),
					slog.String("error", rerr.Error()),
				)
			}
		}
		return err
	}
}

// HandleDeadLetter marks the workflow failed when one of its deliveries is
// given up on. Install it with events.Dispatcher.OnDeadLetter.
func (s *SignupService) HandleDeadLetter(ctx context.Context, e events.Event, subscriber string, err error) {
	id := workflowIDOf(e)
	if id == "" {
		return
	}
	s.fail(ctx, id, fmt.Sprintf("%s: %v", subscriber, err))
}

// PersistUser writes the user draft to the users table.
func (s *SignupService) PersistUser(ctx context.Context, e events.Event) error {
	var msg WorkflowEvent
	if err := e.Decode(&msg); err != nil {
		return err
	}

	wf, err := s.activeWorkflow(ctx, msg.WorkflowID)
	if err != nil || wf == nil {
		return err
	}

	draft, err := s.scratch.UserDraft(ctx, msg.WorkflowID)
	if err != nil {
		return s.draftError(ctx, msg.WorkflowID, "user", err)
	}

	user := &model.User{
		ID:            draft.ID,
		Email:         draft.Email,
		Name:          draft.Name,
		PasswordHash:  draft.PasswordHash,
		EmailVerified: false,
		Role:          draft.Role,
		CreatedAt:     draft.CreatedAt,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, apperror.ErrUserAlreadyExists) {
			s.fail(ctx, msg.WorkflowID, "email already registered")
			return events.Permanent(err)
		}
		return err
	}

	if err := s.store.MarkUserPersisted(ctx, msg.WorkflowID, user.ID, s.now()); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "signup user persisted",
		slog.String("workflowID", msg.WorkflowID),
		slog.String("userID", user.ID),
	)
	return nil
}

// IssueVerificationToken persists the token row and hands the raw secret to
// the email step.
func (s *SignupService) IssueVerificationToken(ctx context.Context, e events.Event) error {
	var msg WorkflowEvent
	if err := e.Decode(&msg); err != nil {
		return err
	}

	wf, err := s.activeWorkflow(ctx, msg.WorkflowID)
	if err != nil || wf == nil {
		return err
	}

	draft, err := s.scratch.TokenDraft(ctx, msg.WorkflowID)
	if err != nil {
		return s.draftError(ctx, msg.WorkflowID, "token", err)
	}

	user, err := s.store.GetUserByID(ctx, draft.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return errUserNotPersisted
		}
		return err
	}

	token := &model.EmailVerificationToken{
		ID:        draft.ID,
		UserID:    draft.UserID,
		TokenHash: draft.TokenHash,
		ExpiresAt: draft.ExpiresAt,
		IPAddress: draft.IPAddress,
		UserAgent: draft.UserAgent,
	}
	if err := s.store.CreateVerificationToken(ctx, token); err != nil {
		return err
	}
	if err := s.store.MarkTokenIssued(ctx, msg.WorkflowID, s.now()); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "verification token issued",
		slog.String("workflowID", msg.WorkflowID),
		slog.String("userID", user.ID),
	)

	return s.events.Publish(ctx, TopicDispatchEmail, DispatchEmailEvent{
		WorkflowID: msg.WorkflowID,
		Email:      user.Email,
		UserID:     user.ID,
		RawSecret:  draft.RawSecret,
	})
}

// DispatchEmail sends the verification link. The outcome, success or not,
// is reported on email-dispatched; a transport failure never fails the step.
func (s *SignupService) DispatchEmail(ctx context.Context, e events.Event) error {
	var msg DispatchEmailEvent
	if err := e.Decode(&msg); err != nil {
		return err
	}

	mailCtx, cancel := context.WithTimeout(ctx, s.cfg.MailTimeout)
	defer cancel()

	result := EmailDispatchedEvent{WorkflowID: msg.WorkflowID, Email: msg.Email}
	err := s.mailer.Send(mailCtx, mailer.Message{
		To:      msg.Email,
		Subject: "Verify your email address",
		Body: "Welcome!\n\n" +
			"Confirm your email address by opening the link below:\n\n" +
			s.verificationLink(msg.RawSecret) + "\n\n" +
			"The link expires in " + s.cfg.TokenTTL.String() + ". If you did not sign up, ignore this message.\n",
	})
	if err != nil {
		result.Error = err.Error()
		s.logger.WarnContext(ctx, "verification email failed",
			slog.String("workflowID", msg.WorkflowID),
			slog.String("error", err.Error()),
		)
	}

	return s.events.Publish(ctx, TopicEmailDispatched, result)
}

// RecordEmailDispatched stores the email outcome on the outbox row. Scratch
// drafts are dropped once the email went out.
func (s *SignupService) RecordEmailDispatched(ctx context.Context, e events.Event) error {
	var msg EmailDispatchedEvent
	if err := e.Decode(&msg); err != nil {
		return err
	}

	if msg.Error != "" {
		return s.store.RecordWorkflowAttempt(ctx, msg.WorkflowID, "email: "+msg.Error)
	}

	if err := s.store.MarkEmailSent(ctx, msg.WorkflowID, s.now()); err != nil {
		return err
	}
	if err := s.scratch.Delete(ctx, msg.WorkflowID); err != nil {
		s.logger.WarnContext(ctx, "dropping signup drafts failed",
			slog.String("workflowID", msg.WorkflowID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "verification email sent", slog.String("workflowID", msg.WorkflowID))
	return nil
}

// activeWorkflow loads the outbox row. It returns (nil, nil) when the
// workflow already failed and the step should quietly stop.
func (s *SignupService) activeWorkflow(ctx context.Context, id string) (*model.SignupWorkflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, events.Permanent(err)
		}
		return nil, err
	}
	if wf.FailedAt != nil {
		s.logger.InfoContext(ctx, "skipping step of failed workflow", slog.String("workflowID", id))
		return nil, nil
	}
	return wf, nil
}

// draftError fails the workflow when its scratch draft is gone; any other
// scratch error is transient.
func (s *SignupService) draftError(ctx context.Context, workflowID, kind string, err error) error {
	if errors.Is(err, scratch.ErrNotFound) {
		s.logger.ErrorContext(ctx, "signup draft missing",
			slog.String("workflowID", workflowID),
			slog.String("draft", kind),
		)
		s.fail(ctx, workflowID, kind+" draft missing or expired")
		return events.Permanent(err)
	}
	return err
}

func (s *SignupService) fail(ctx context.Context, workflowID, reason string) {
	if err := s.store.MarkWorkflowFailed(ctx, workflowID, reason, s.now()); err != nil {
		s.logger.ErrorContext(ctx, "marking workflow failed",
			slog.String("workflowID", workflowID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.WarnContext(ctx, "signup workflow failed",
		slog.String("workflowID", workflowID),
		slog.String("reason", reason),
	)
}

// workflowIDOf extracts the workflow id shared by every signup payload.
func workflowIDOf(e events.Event) string {
	var envelope struct {
		WorkflowID string `json:"workflowId"`
	}
	if err := json.Unmarshal(e.Data, &envelope); err != nil {
		return ""
	}
	return envelope.WorkflowID
}
