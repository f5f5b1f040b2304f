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

const workflowColumns = `id, email, user_id, user_persisted_at, token_issued_at, email_sent_at,
	failed_at, last_error, attempts, created_at, updated_at`

func (q *queries) CreateWorkflow(ctx context.Context, w *model.SignupWorkflow) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = w.CreatedAt

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO signup_workflows (`+workflowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID,
		w.Email,
		w.UserID,
		nullTime(w.UserPersistedAt),
		nullTime(w.TokenIssuedAt),
		nullTime(w.EmailSentAt),
		nullTime(w.FailedAt),
		w.LastError,
		w.Attempts,
		w.CreatedAt.UTC(),
		w.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err, "signup_workflows.id") {
			return apperror.Conflict("signup workflow", w.ID)
		}
		return fmt.Errorf("sqlite: inserting signup workflow %s: %w", w.ID, err)
	}
	return nil
}

func (q *queries) GetWorkflow(ctx context.Context, id string) (*model.SignupWorkflow, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM signup_workflows WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("signup workflow", id)
		}
		return nil, fmt.Errorf("sqlite: getting signup workflow %s: %w", id, err)
	}
	return w, nil
}

// The Mark* transitions use COALESCE so a redelivered step keeps the
// timestamp of its first completion.

func (q *queries) MarkUserPersisted(ctx context.Context, id, userID string, at time.Time) error {
	return q.updateWorkflow(ctx, id,
		`UPDATE signup_workflows
		 SET user_id = ?, user_persisted_at = COALESCE(user_persisted_at, ?), updated_at = ?
		 WHERE id = ?`,
		userID, at.UTC(), at.UTC(), id)
}

func (q *queries) MarkTokenIssued(ctx context.Context, id string, at time.Time) error {
	return q.updateWorkflow(ctx, id,
		`UPDATE signup_workflows
		 SET token_issued_at = COALESCE(token_issued_at, ?), updated_at = ?
		 WHERE id = ?`,
		at.UTC(), at.UTC(), id)
}

func (q *queries) MarkEmailSent(ctx context.Context, id string, at time.Time) error {
	return q.updateWorkflow(ctx, id,
		`UPDATE signup_workflows
		 SET email_sent_at = COALESCE(email_sent_at, ?), last_error = '', updated_at = ?
		 WHERE id = ?`,
		at.UTC(), at.UTC(), id)
}

func (q *queries) RecordWorkflowAttempt(ctx context.Context, id, lastError string) error {
	return q.updateWorkflow(ctx, id,
		`UPDATE signup_workflows
		 SET attempts = attempts + 1, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		lastError, time.Now().UTC(), id)
}

// MarkWorkflowFailed is sticky: a workflow that already failed keeps its
// first failure time and reason.
func (q *queries) MarkWorkflowFailed(ctx context.Context, id, reason string, at time.Time) error {
	return q.updateWorkflow(ctx, id,
		`UPDATE signup_workflows
		 SET failed_at  = COALESCE(failed_at, ?),
		     last_error = CASE WHEN failed_at IS NULL THEN ? ELSE last_error END,
		     updated_at = ?
		 WHERE id = ?`,
		at.UTC(), reason, at.UTC(), id)
}

func (q *queries) updateWorkflow(ctx context.Context, id, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: updating signup workflow %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NotFound("signup workflow", id)
	}
	return nil
}

// HasPendingSignup looks for an in-flight intake for email. Once the user row
// exists the users table answers the question instead, and a failed or
// expired workflow no longer holds the address.
func (q *queries) HasPendingSignup(ctx context.Context, email string, since time.Time) (bool, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT created_at FROM signup_workflows
		 WHERE email = ? AND failed_at IS NULL AND user_persisted_at IS NULL`,
		email,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking pending signups for %s: %w", email, err)
	}
	defer rows.Close()

	for rows.Next() {
		var createdAt time.Time
		if err := rows.Scan(&createdAt); err != nil {
			return false, fmt.Errorf("sqlite: scanning signup workflow: %w", err)
		}
		if createdAt.After(since) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("sqlite: iterating signup workflows: %w", err)
	}
	return false, nil
}

func (q *queries) ListPendingWorkflows(ctx context.Context, limit int) ([]model.SignupWorkflow, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT `+workflowColumns+`
		 FROM signup_workflows
		 WHERE failed_at IS NULL AND email_sent_at IS NULL
		 ORDER BY created_at ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing pending workflows: %w", err)
	}
	defer rows.Close()

	workflows := make([]model.SignupWorkflow, 0)
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning signup workflow: %w", err)
		}
		workflows = append(workflows, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating signup workflows: %w", err)
	}
	return workflows, nil
}

func scanWorkflow(s scanner) (*model.SignupWorkflow, error) {
	var (
		w                                   model.SignupWorkflow
		persisted, issued, sent, failedTime sql.NullTime
	)
	err := s.Scan(
		&w.ID,
		&w.Email,
		&w.UserID,
		&persisted,
		&issued,
		&sent,
		&failedTime,
		&w.LastError,
		&w.Attempts,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	w.UserPersistedAt = timePtr(persisted)
	w.TokenIssuedAt = timePtr(issued)
	w.EmailSentAt = timePtr(sent)
	w.FailedAt = timePtr(failedTime)
	return &w, nil
}
