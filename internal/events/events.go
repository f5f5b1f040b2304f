// Package events is an in-process topic dispatcher: publish/subscribe over a
// bounded worker pool with at-least-once delivery.
//
// DELIVERY MODEL:
// Publish fans an event out to every subscriber of its topic; each
// (event, subscriber) pair is a separate delivery. A delivery whose handler
// returns an error is retried with exponential backoff up to MaxAttempts,
// unless the error is wrapped with Permanent. Deliveries that run out of
// attempts go to the dead-letter hook.
//
// Handlers can therefore run more than once for the same event and must be
// idempotent.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrClosed is returned by Publish after Close has finished.
var ErrClosed = errors.New("events: dispatcher closed")

// Event is one published message.
type Event struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Data        json.RawMessage `json:"data"`
	PublishedAt time.Time       `json:"publishedAt"`
	// Attempt is 1 on first delivery and increases on every retry.
	Attempt int `json:"-"`
}

func newEvent(topic string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: encoding %s payload: %w", topic, err)
	}
	return Event{
		ID:          ulid.Make().String(),
		Topic:       topic,
		Data:        data,
		PublishedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the event payload into dst.
func (e Event) Decode(dst any) error {
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return Permanent(fmt.Errorf("events: decoding %s payload: %w", e.Topic, err))
	}
	return nil
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. The delivery goes straight to
// the dead-letter hook.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
