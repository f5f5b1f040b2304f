package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sakif/identity-core/internal/events"
	"github.com/sakif/identity-core/internal/jobqueue"
)

type mockJobPublisher struct {
	mock.Mock
}

func (m *mockJobPublisher) PublishJob(ctx context.Context, job jobqueue.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// =========================================================================
// JOB FORWARDER TESTS
// =========================================================================

func TestJobForwarder_EmitsOnEmailVerification(t *testing.T) {
	env := newTestEnv(t)
	jobs := new(mockJobPublisher)
	NewJobForwarder(jobs, testLogger()).Register(env.dispatcher)

	jobs.On("PublishJob", mock.Anything, mock.MatchedBy(func(j jobqueue.Job) bool {
		return j.Type == jobqueue.TypeIdentityVerified && j.Email == "jobs@example.com" && !j.OccurredAt.IsZero()
	})).Return(nil).Once()

	user := env.signupAndVerify(t, "Job Seeker", "jobs@example.com", "secret1")
	env.drain(t)

	jobs.AssertExpectations(t)
	assert.Equal(t, user.ID, jobs.Calls[0].Arguments.Get(1).(jobqueue.Job).UserID)
}

func TestJobForwarder_EmitsOnlyForNewOAuthUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	jobs := new(mockJobPublisher)
	NewJobForwarder(jobs, testLogger()).Register(env.dispatcher)

	jobs.On("PublishJob", mock.Anything, mock.Anything).Return(nil).Once()

	provider := githubIdentity("808", "jobs-oauth@example.com")
	_, err := env.oauth.Complete(ctx, provider, "c1")
	require.NoError(t, err)
	_, err = env.oauth.Complete(ctx, provider, "c2")
	require.NoError(t, err)
	env.drain(t)

	jobs.AssertExpectations(t)
	jobs.AssertNumberOfCalls(t, "PublishJob", 1)
}

func TestJobForwarder_Forward(t *testing.T) {
	jobs := new(mockJobPublisher)
	f := NewJobForwarder(jobs, testLogger())

	t.Run("bad payload is permanent", func(t *testing.T) {
		err := f.Forward(context.Background(), events.Event{Topic: TopicIdentityVerified, Data: []byte("{")})
		require.Error(t, err)
		assert.True(t, events.IsPermanent(err))
	})

	t.Run("publish error is retried", func(t *testing.T) {
		jobs.On("PublishJob", mock.Anything, mock.Anything).Return(errors.New("throttled")).Once()
		e := workflowEvent(t, TopicIdentityVerified, IdentityVerifiedEvent{UserID: "u1", Email: "u1@example.com"})

		err := f.Forward(context.Background(), e)
		require.Error(t, err)
		assert.False(t, events.IsPermanent(err))
		jobs.AssertExpectations(t)
	})
}
