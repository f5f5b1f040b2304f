package model

import "time"

// WorkflowState is the derived position of a signup workflow.
type WorkflowState string

const (
	WorkflowIntake      WorkflowState = "intake"
	WorkflowPersisted   WorkflowState = "persisted"
	WorkflowTokenIssued WorkflowState = "token_issued"
	WorkflowEmailSent   WorkflowState = "email_sent"
	WorkflowFailed      WorkflowState = "failed"
)

// SignupWorkflow is the durable outbox row for one signup attempt. The steps
// after intake run asynchronously and may complete in any order, so each
// transition is recorded as its own timestamp and State is derived from them.
type SignupWorkflow struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	UserID          string     `json:"userId"`
	UserPersistedAt *time.Time `json:"userPersistedAt,omitempty"`
	TokenIssuedAt   *time.Time `json:"tokenIssuedAt,omitempty"`
	EmailSentAt     *time.Time `json:"emailSentAt,omitempty"`
	FailedAt        *time.Time `json:"failedAt,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	Attempts        int        `json:"attempts"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

func (w *SignupWorkflow) State() WorkflowState {
	switch {
	case w.FailedAt != nil:
		return WorkflowFailed
	case w.EmailSentAt != nil:
		return WorkflowEmailSent
	case w.TokenIssuedAt != nil && w.UserPersistedAt != nil:
		return WorkflowTokenIssued
	case w.UserPersistedAt != nil:
		return WorkflowPersisted
	}
	return WorkflowIntake
}

// Done reports whether no further step will run for this workflow.
func (w *SignupWorkflow) Done() bool {
	s := w.State()
	return s == WorkflowEmailSent || s == WorkflowFailed
}
