// Package scratch holds signup drafts between the synchronous signup response
// and the asynchronous workflow steps that persist them.
//
// Scratch is NEVER the system of record: every entry carries a TTL and a
// missing entry simply means the workflow can no longer make progress. The
// raw verification secret lives here (and in the dispatch-email event) only;
// the database only ever sees its hash.
package scratch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "signup"

var (
	// ErrNotFound means the draft was never written or its TTL elapsed.
	ErrNotFound = errors.New("scratch: entry not found or expired")
	// ErrUnavailable wraps transport failures talking to Redis.
	ErrUnavailable = errors.New("scratch: redis unavailable")
)

// UserDraft is the not-yet-persisted user created by signup intake.
type UserDraft struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"passwordHash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TokenDraft is the not-yet-persisted verification token, including the raw
// secret that will be mailed to the user.
type TokenDraft struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	RawSecret string    `json:"rawSecret"`
	TokenHash string    `json:"tokenHash"`
	ExpiresAt time.Time `json:"expiresAt"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
}

// Store is a Redis-backed, TTL-bounded draft store keyed by workflow id.
type Store struct {
	redis *redis.Client
	ttl   time.Duration
}

func New(redisClient *redis.Client, ttl time.Duration) *Store {
	return &Store{redis: redisClient, ttl: ttl}
}

// TTL is how long drafts survive. Workflows older than this cannot resume.
func (s *Store) TTL() time.Duration { return s.ttl }

func userKey(workflowID string) string  { return keyPrefix + ":" + workflowID + ":user" }
func tokenKey(workflowID string) string { return keyPrefix + ":" + workflowID + ":token" }

// SaveSignup writes both drafts in one MULTI/EXEC so a reader never sees one
// without the other.
func (s *Store) SaveSignup(ctx context.Context, workflowID string, user *UserDraft, token *TokenDraft) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("scratch: encoding user draft: %w", err)
	}
	tokenJSON, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("scratch: encoding token draft: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, userKey(workflowID), userJSON, s.ttl)
		pipe.Set(ctx, tokenKey(workflowID), tokenJSON, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) UserDraft(ctx context.Context, workflowID string) (*UserDraft, error) {
	var d UserDraft
	if err := s.get(ctx, userKey(workflowID), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) TokenDraft(ctx context.Context, workflowID string) (*TokenDraft, error) {
	var d TokenDraft
	if err := s.get(ctx, tokenKey(workflowID), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Delete drops both drafts once the workflow no longer needs them.
func (s *Store) Delete(ctx context.Context, workflowID string) error {
	if err := s.redis.Del(ctx, userKey(workflowID), tokenKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string, dst any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("scratch: decoding %s: %w", key, err)
	}
	return nil
}
