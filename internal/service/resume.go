package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/identity-core/internal/scratch"
)

// resumeBatch caps how many pending workflows one Resume call looks at.
const resumeBatch = 500

// Resume re-publishes the missing steps of every unfinished workflow. It runs
// once at startup, after the workflow subscribers are registered, and
// returns how many workflows were picked up again.
//
// A workflow older than the scratch TTL can never finish because its drafts
// are gone; it is marked failed instead.
func (s *SignupService) Resume(ctx context.Context) (int, error) {
	pending, err := s.store.ListPendingWorkflows(ctx, resumeBatch)
	if err != nil {
		return 0, fmt.Errorf("service: listing pending workflows: %w", err)
	}

	now := s.now()
	resumed := 0
	for _, wf := range pending {
		if now.Sub(wf.CreatedAt) > s.scratch.TTL() {
			s.fail(ctx, wf.ID, "scratch state expired")
			continue
		}

		msg := WorkflowEvent{WorkflowID: wf.ID, Email: wf.Email}
		var topics []string
		if wf.UserPersistedAt == nil {
			topics = append(topics, TopicPersistUser)
		}
		if wf.TokenIssuedAt == nil {
			topics = append(topics, TopicPersistVerificationToken)
		}

		if len(topics) == 0 {
			// Both rows exist but the email never went out.
			draft, err := s.scratch.TokenDraft(ctx, wf.ID)
			if err != nil {
				if errors.Is(err, scratch.ErrNotFound) {
					s.fail(ctx, wf.ID, "token draft missing or expired")
					continue
				}
				return resumed, fmt.Errorf("service: reading token draft: %w", err)
			}
			if err := s.events.Publish(ctx, TopicDispatchEmail, DispatchEmailEvent{
				WorkflowID: wf.ID,
				Email:      wf.Email,
				UserID:     draft.UserID,
				RawSecret:  draft.RawSecret,
			}); err != nil {
				return resumed, fmt.Errorf("service: resuming workflow %s: %w", wf.ID, err)
			}
			resumed++
			continue
		}

		for _, topic := range topics {
			if err := s.events.Publish(ctx, topic, msg); err != nil {
				return resumed, fmt.Errorf("service: resuming workflow %s: %w", wf.ID, err)
			}
		}
		resumed++
	}

	if resumed > 0 {
		s.logger.InfoContext(ctx, "resumed signup workflows", slog.Int("count", resumed))
	}
	return resumed, nil
}
