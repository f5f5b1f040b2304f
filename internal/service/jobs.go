package service

import (
	"context"
	"log/slog"

	"github.com/sakif/identity-core/internal/events"
	"github.com/sakif/identity-core/internal/jobqueue"
)

// JobForwarder turns identity-verified events into job-queue messages for
// downstream consumers (welcome mail, provisioning).
type JobForwarder struct {
	publisher jobqueue.Publisher
	logger    *slog.Logger
}

func NewJobForwarder(publisher jobqueue.Publisher, logger *slog.Logger) *JobForwarder {
	return &JobForwarder{publisher: publisher, logger: logger}
}

// Register subscribes the forwarder to identity-verified.
func (f *JobForwarder) Register(sub Subscriber) {
	sub.Subscribe(TopicIdentityVerified, "jobqueue-forwarder", f.Forward)
}

func (f *JobForwarder) Forward(ctx context.Context, e events.Event) error {
	var msg IdentityVerifiedEvent
	if err := e.Decode(&msg); err != nil {
		return err
	}

	err := f.publisher.PublishJob(ctx, jobqueue.Job{
		Type:       jobqueue.TypeIdentityVerified,
		UserID:     msg.UserID,
		Email:      msg.Email,
		OccurredAt: msg.OccurredAt,
	})
	if err != nil {
		f.logger.WarnContext(ctx, "forwarding job failed",
			slog.String("userID", msg.UserID),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
