package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/stretchr/testify/require"

	"github.com/sakif/identity-core/internal/auth"
	"github.com/sakif/identity-core/internal/events"
	"github.com/sakif/identity-core/internal/mailer"
	"github.com/sakif/identity-core/internal/model"
	"github.com/sakif/identity-core/internal/repository"
	"github.com/sakif/identity-core/internal/repository/sqlite"
	"github.com/sakif/identity-core/internal/scratch"
)

// =========================================================================
// FAKES AND HELPERS
// =========================================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeMailer records every message instead of sending it. Set err to make
// the transport fail.
type fakeMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (m *fakeMailer) Send(ctx context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) messages() []mailer.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mailer.Message(nil), m.sent...)
}

func (m *fakeMailer) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// dropPublisher swallows events, simulating a crash right after intake.
type dropPublisher struct{}

func (dropPublisher) Publish(ctx context.Context, topic string, payload any) error { return nil }

// fakeProvider returns a canned identity from Exchange.
type fakeProvider struct {
	ident *model.ExternalIdentity
	err   error
}

func (p *fakeProvider) Name() model.Provider { return p.ident.Provider }
func (p *fakeProvider) AuthURL(state string) string {
	return "https://provider.test/auth?state=" + state
}
func (p *fakeProvider) Exchange(ctx context.Context, code string) (*model.ExternalIdentity, error) {
	if p.err != nil {
		return nil, p.err
	}
	ident := *p.ident
	ident.AccessToken = "access-" + code
	return &ident, nil
}

// failingProfileStore makes UpsertOAuthProfile fail inside transactions, so
// the OAuth transaction rolls back after its earlier writes succeeded.
type failingProfileStore struct {
	repository.Store
}

type failingProfileTx struct {
	repository.Tx
}

func (failingProfileTx) UpsertOAuthProfile(ctx context.Context, p *model.OAuthProfile) error {
	return errors.New("disk I/O error")
}

func (s failingProfileStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return s.Store.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return fn(ctx, failingProfileTx{tx})
	})
}

// testEnv wires the services against SQLite, miniredis and a real dispatcher
// with millisecond backoff.
type testEnv struct {
	db         *sqlite.DB
	mr         *miniredis.Miniredis
	scratch    *scratch.Store
	dispatcher *events.Dispatcher
	mailer     *fakeMailer
	tokens     *auth.TokenService
	passwords  *auth.PasswordService

	signup *SignupService
	verify *VerificationService
	oauth  *OAuthService
	auth   *AuthService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvAt(t, ":memory:")
}

// newTestEnvAt is newTestEnv on the database at dbPath. Concurrency tests
// need a file database: the in-memory pool has a single connection, so its
// transactions never overlap.
func newTestEnvAt(t *testing.T, dbPath string) *testEnv {
	t.Helper()

	db, err := sqlite.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})

	tokens, err := auth.NewTokenService("test-secret-at-least-32-characters!!", time.Hour)
	require.NoError(t, err)

	logger := testLogger()
	d := events.New(events.Config{
		Workers:     4,
		MaxAttempts: 10,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}, logger)

	env := &testEnv{
		db:         db,
		mr:         mr,
		scratch:    scratch.New(rdb, time.Hour),
		dispatcher: d,
		mailer:     &fakeMailer{},
		tokens:     tokens,
		passwords:  auth.NewPasswordServiceForTest(4),
	}

	env.signup = NewSignupService(db, env.scratch, d, env.passwords, env.mailer, SignupConfig{
		AppBaseURL:  "http://app.test/",
		MailTimeout: time.Second,
	}, logger)
	env.verify = NewVerificationService(db, tokens, d, 0, logger)
	env.oauth = NewOAuthService(db, tokens, d, logger)
	env.auth = NewAuthService(db, tokens, env.passwords, logger)

	env.signup.Register(d)
	d.OnDeadLetter(env.signup.HandleDeadLetter)
	d.Start()
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	return env
}

// drain blocks until every published event, including chained ones, has
// been handled.
func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.dispatcher.Wait(ctx))
}

var linkSecret = regexp.MustCompile(`token=([0-9a-f]{64})`)

// secretFromMail pulls the raw secret out of the last verification email.
func (e *testEnv) secretFromMail(t *testing.T) string {
	t.Helper()
	msgs := e.mailer.messages()
	require.NotEmpty(t, msgs, "no verification email was sent")
	m := linkSecret.FindStringSubmatch(msgs[len(msgs)-1].Body)
	require.Len(t, m, 2, "verification link not found in email body")
	return m[1]
}

// signupAndVerify runs the whole password signup and redemption flow.
func (e *testEnv) signupAndVerify(t *testing.T, name, email, password string) *model.User {
	t.Helper()
	ctx := context.Background()
	_, err := e.signup.Signup(ctx, SignupInput{Name: name, Email: email, Password: password})
	require.NoError(t, err)
	e.drain(t)

	res, err := e.verify.Redeem(ctx, e.secretFromMail(t))
	require.NoError(t, err)
	e.drain(t)
	return res.User
}

// createUser inserts a user row directly.
func (e *testEnv) createUser(t *testing.T, email, password string, verified bool) *model.User {
	t.Helper()
	u := &model.User{
		ID:            xid.New().String(),
		Email:         email,
		Name:          "Test User",
		EmailVerified: verified,
		Role:          model.DefaultRole,
	}
	if password != "" {
		hash, err := e.passwords.Hash(password)
		require.NoError(t, err)
		u.PasswordHash = hash
	}
	require.NoError(t, e.db.CreateUser(context.Background(), u))
	return u
}

// createToken stores a verification token for userID and returns its raw
// secret.
func (e *testEnv) createToken(t *testing.T, userID string, expiresAt time.Time) string {
	t.Helper()
	secret, err := auth.NewVerificationSecret()
	require.NoError(t, err)
	require.NoError(t, e.db.CreateVerificationToken(context.Background(), &model.EmailVerificationToken{
		ID:        xid.New().String(),
		UserID:    userID,
		TokenHash: secret.Hash,
		ExpiresAt: expiresAt,
	}))
	return secret.Raw
}
