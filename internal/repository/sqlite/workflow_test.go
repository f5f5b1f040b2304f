package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/identity-core/internal/apperror"
	"github.com/sakif/identity-core/internal/model"
)

func createTestWorkflow(t *testing.T, db *DB, email string) *model.SignupWorkflow {
	t.Helper()
	w := &model.SignupWorkflow{ID: ulid.Make().String(), Email: email}
	require.NoError(t, db.CreateWorkflow(context.Background(), w))
	return w
}

func TestWorkflow_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	w := createTestWorkflow(t, db, "flow@example.com")

	got, err := db.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowIntake, got.State())

	require.NoError(t, db.MarkUserPersisted(ctx, w.ID, "user-1", time.Now()))
	require.NoError(t, db.MarkTokenIssued(ctx, w.ID, time.Now()))

	got, err = db.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, model.WorkflowTokenIssued, got.State())

	require.NoError(t, db.RecordWorkflowAttempt(ctx, w.ID, "smtp: connection refused"))
	require.NoError(t, db.MarkEmailSent(ctx, w.ID, time.Now()))

	got, err = db.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowEmailSent, got.State())
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.LastError, "a successful send clears the last error")
}

func TestWorkflow_MarkIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	w := createTestWorkflow(t, db, "again@example.com")

	first := time.Now().Add(-time.Minute).Truncate(time.Second)
	require.NoError(t, db.MarkUserPersisted(ctx, w.ID, "user-1", first))
	require.NoError(t, db.MarkUserPersisted(ctx, w.ID, "user-1", time.Now()))

	got, err := db.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got.UserPersistedAt)
	assert.True(t, got.UserPersistedAt.Equal(first), "redelivery must keep the first timestamp")
}

func TestWorkflow_FailedAndPendingList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	pending := createTestWorkflow(t, db, "pending@example.com")
	failed := createTestWorkflow(t, db, "failed@example.com")
	done := createTestWorkflow(t, db, "done@example.com")

	require.NoError(t, db.MarkWorkflowFailed(ctx, failed.ID, "scratch state expired", time.Now()))
	require.NoError(t, db.MarkEmailSent(ctx, done.ID, time.Now()))

	list, err := db.ListPendingWorkflows(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID, list[0].ID)

	got, err := db.GetWorkflow(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowFailed, got.State())
	assert.Equal(t, "scratch state expired", got.LastError)
}

func TestWorkflow_FailureIsSticky(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	w := createTestWorkflow(t, db, "sticky@example.com")

	first := time.Now().Add(-time.Minute)
	require.NoError(t, db.MarkWorkflowFailed(ctx, w.ID, "user draft missing or expired", first))
	require.NoError(t, db.MarkWorkflowFailed(ctx, w.ID, "persist-user: draft gone", time.Now()))

	got, err := db.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "user draft missing or expired", got.LastError)
	require.NotNil(t, got.FailedAt)
	assert.WithinDuration(t, first, *got.FailedAt, time.Second)
}

func TestWorkflow_NotFound(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.GetWorkflow(ctx, "missing")
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	err = db.MarkTokenIssued(ctx, "missing", time.Now())
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestWorkflow_DuplicateID(t *testing.T) {
	db := newTestDB(t)
	w := createTestWorkflow(t, db, "dup@example.com")

	err := db.CreateWorkflow(context.Background(), &model.SignupWorkflow{ID: w.ID, Email: "dup@example.com"})
	assert.True(t, errors.Is(err, apperror.ErrConflict))
}

func TestWorkflow_HasPendingSignup(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	hourAgo := time.Now().Add(-time.Hour)

	pending, err := db.HasPendingSignup(ctx, "nobody@example.com", hourAgo)
	require.NoError(t, err)
	assert.False(t, pending)

	w := createTestWorkflow(t, db, "pending@example.com")
	pending, err = db.HasPendingSignup(ctx, "pending@example.com", hourAgo)
	require.NoError(t, err)
	assert.True(t, pending)

	// Workflows created before the cutoff have lost their drafts.
	pending, err = db.HasPendingSignup(ctx, "pending@example.com", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, pending)

	t.Run("user persisted", func(t *testing.T) {
		persisted := createTestWorkflow(t, db, "persisted@example.com")
		require.NoError(t, db.MarkUserPersisted(ctx, persisted.ID, "user-1", time.Now()))

		pending, err := db.HasPendingSignup(ctx, "persisted@example.com", hourAgo)
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("failed", func(t *testing.T) {
		require.NoError(t, db.MarkWorkflowFailed(ctx, w.ID, "email already registered", time.Now()))

		pending, err := db.HasPendingSignup(ctx, "pending@example.com", hourAgo)
		require.NoError(t, err)
		assert.False(t, pending)
	})
}
