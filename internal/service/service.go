// Package service holds the business rules of the identity service. It sits
// between the HTTP handlers and the storage/transport adapters:
//
//	handler (HTTP) → service (rules) → repository (SQLite)
//	                               ↘ scratch (Redis), events, mailer, jobqueue
//
// Services never read requests or write cookies; they return domain values
// and *apperror.AppError failures, and the handler translates both.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/sakif/identity-core/internal/auth"
	"github.com/sakif/identity-core/internal/events"
	"github.com/sakif/identity-core/internal/model"
	"github.com/sakif/identity-core/internal/scratch"
)

// Topics of the signup workflow and the identity lifecycle.
const (
	TopicPersistUser              = "persist-user"
	TopicPersistVerificationToken = "persist-verification-token"
	TopicDispatchEmail            = "dispatch-email"
	TopicEmailDispatched          = "email-dispatched"
	TopicIdentityVerified         = "identity-verified"
)

// WorkflowEvent starts one of the signup persistence steps.
type WorkflowEvent struct {
	WorkflowID string `json:"workflowId"`
	Email      string `json:"email"`
}

// DispatchEmailEvent is the only payload that carries the raw secret.
type DispatchEmailEvent struct {
	WorkflowID string `json:"workflowId"`
	Email      string `json:"email"`
	UserID     string `json:"userId"`
	RawSecret  string `json:"rawSecret"`
}

// EmailDispatchedEvent reports the mail transport outcome; Error is empty on
// success.
type EmailDispatchedEvent struct {
	WorkflowID string `json:"workflowId"`
	Email      string `json:"email"`
	Error      string `json:"error,omitempty"`
}

// IdentityVerifiedEvent is published whenever a user becomes verified,
// through email redemption or a first OAuth login.
type IdentityVerifiedEvent struct {
	UserID     string    `json:"userId"`
	Email      string    `json:"email"`
	Method     string    `json:"method"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EventPublisher is the publishing half of events.Dispatcher.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Subscriber is the subscribing half of events.Dispatcher.
type Subscriber interface {
	Subscribe(topic, name string, handler events.Handler)
}

// ScratchStore is the draft store between intake and the async steps.
type ScratchStore interface {
	SaveSignup(ctx context.Context, workflowID string, user *scratch.UserDraft, token *scratch.TokenDraft) error
	UserDraft(ctx context.Context, workflowID string) (*scratch.UserDraft, error)
	TokenDraft(ctx context.Context, workflowID string) (*scratch.TokenDraft, error)
	Delete(ctx context.Context, workflowID string) error
	TTL() time.Duration
}

// AuthResult bundles the authenticated user and the session issued for them,
// so the handler can set the cookie and respond in one step.
type AuthResult struct {
	User    *model.User
	Session *auth.Session
}

// Identity returns the canonical identity shape of the authenticated user.
func (r *AuthResult) Identity() model.Identity {
	return r.User.Identity()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
