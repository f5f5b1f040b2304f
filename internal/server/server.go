// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It decides:
// - Which URL patterns map to which handler functions
// - What middleware runs on which routes
// - How the server and its background workers start and stop
//
// DEPENDENCY INJECTION FLOW:
//
//	config.Config → New() creates:
//	  sqlite.DB, redis → scratch.Store
//	  events.Dispatcher ← signup workflow steps, job forwarder
//	  services (signup, verification, oauth, auth) → handlers → routes
//
// This is the "composition root" pattern: all dependencies are wired in one
// place rather than scattered across the codebase.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/sakif/identity-core/internal/auth"
	"github.com/sakif/identity-core/internal/config"
	"github.com/sakif/identity-core/internal/events"
	"github.com/sakif/identity-core/internal/handler"
	"github.com/sakif/identity-core/internal/jobqueue"
	"github.com/sakif/identity-core/internal/mailer"
	"github.com/sakif/identity-core/internal/middleware"
	sqliteRepo "github.com/sakif/identity-core/internal/repository/sqlite"
	"github.com/sakif/identity-core/internal/scratch"
	"github.com/sakif/identity-core/internal/service"
)

// Option overrides one adapter New would otherwise build from config.
// Tests use them to plug in fakes.
type Option func(*options)

type options struct {
	mailer    mailer.Mailer
	jobs      jobqueue.Publisher
	providers []auth.Provider
}

// WithMailer replaces the SMTP/log mailer.
func WithMailer(m mailer.Mailer) Option {
	return func(o *options) { o.mailer = m }
}

// WithJobPublisher replaces the SNS/log job publisher.
func WithJobPublisher(p jobqueue.Publisher) Option {
	return func(o *options) { o.jobs = p }
}

// WithProviders replaces the OAuth providers built from config.
func WithProviders(ps ...auth.Provider) Option {
	return func(o *options) { o.providers = ps }
}

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database pool, the Redis client and the dispatcher
// workers. Close releases them in dependency order: first the dispatcher
// drains (its handlers still write to both stores), then the stores close.
type Server struct {
	router     chi.Router
	config     *config.Config
	logger     *slog.Logger
	db         *sqliteRepo.DB
	redis      *redis.Client
	dispatcher *events.Dispatcher
	cancel     context.CancelFunc
}

// New builds every dependency from cfg, starts the event dispatcher and
// resumes signup workflows left unfinished by the previous process.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Background work (rate-limit sweeps) lives until Close.
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		cancel: cancel,
	}

	if err := s.build(ctx, o); err != nil {
		_ = s.Close(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context, o options) error {
	cfg := s.config

	// === STORES ===
	db, err := sqliteRepo.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	s.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	scratchStore := scratch.New(s.redis, cfg.ScratchTTL)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := scratchStore.Ping(pingCtx); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}

	// === AUTH PRIMITIVES ===
	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}
	states, err := auth.NewStateSigner(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("creating state signer: %w", err)
	}
	passwords := auth.NewPasswordService()

	// === OUTBOUND ADAPTERS ===
	m := o.mailer
	if m == nil {
		m = s.newMailer()
	}
	jobs := o.jobs
	if jobs == nil {
		if jobs, err = s.newJobPublisher(ctx); err != nil {
			return err
		}
	}
	providers := o.providers
	if providers == nil {
		providers = s.newProviders()
	}

	// === SERVICES ===
	s.dispatcher = events.New(events.Config{
		Workers:     cfg.DispatchWorkers,
		MaxAttempts: cfg.DispatchMaxAttempts,
	}, s.logger)

	signupSvc := service.NewSignupService(db, scratchStore, s.dispatcher, passwords, m, service.SignupConfig{
		TokenTTL:    cfg.VerificationTokenTTL,
		AppBaseURL:  cfg.AppBaseURL,
		MailTimeout: cfg.MailTimeout,
	}, s.logger)
	verifySvc := service.NewVerificationService(db, tokens, s.dispatcher, cfg.VerificationSessionTTL, s.logger)
	oauthSvc := service.NewOAuthService(db, tokens, s.dispatcher, s.logger)
	authSvc := service.NewAuthService(db, tokens, passwords, s.logger)

	signupSvc.Register(s.dispatcher)
	service.NewJobForwarder(jobs, s.logger).Register(s.dispatcher)
	s.dispatcher.OnDeadLetter(signupSvc.HandleDeadLetter)
	s.dispatcher.Start()

	if n, err := signupSvc.Resume(ctx); err != nil {
		// Not fatal: whatever was not resumed now is picked up next start.
		s.logger.Error("resuming signup workflows", slog.Int("resumed", n), slog.String("error", err.Error()))
	}

	// === HANDLERS AND ROUTES ===
	authHandler := handler.NewAuthHandler(signupSvc, verifySvc, authSvc, oauthSvc, providers, states,
		handler.CookieConfig{Secure: cfg.CookieSecure, PostLoginRedirect: cfg.PostLoginRedirect}, s.logger)
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"database": db,
		"scratch":  scratchStore,
	}, s.logger)

	s.setupRoutes(ctx, tokens, authHandler, healthHandler)
	return nil
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET    /healthz                   → liveness + store reachability
// POST   /signup                    → password signup          [rate limited]
// POST   /verify-email              → redeem verification link [rate limited]
// POST   /login                     → password login           [rate limited]
// GET    /auth/{provider}           → start OAuth
// GET    /auth/{provider}/callback  → finish OAuth
// POST   /auth/logout               → clear session
// GET    /api/me                    → current identity         [auth required]
//
// MIDDLEWARE ORDER MATTERS:
//  1. RequestID: assigns unique ID to each request (for tracing)
//  2. RealIP: extracts real client IP from proxy headers; the rate limiter
//     and token metadata rely on it
//  3. Logger: logs each request with timing info
//  4. Recoverer: catches panics and returns 500 instead of crashing
//  5. CORS: lets the configured frontends call us with cookies
func (s *Server) setupRoutes(ctx context.Context, tokens *auth.TokenService, ah *handler.AuthHandler, hh *handler.HealthHandler) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/healthz", hh.HandleHealth)

	limiter := middleware.NewRateLimiter(ctx, rate.Limit(s.config.RateLimitRPS), s.config.RateLimitBurst)
	s.router.Group(func(r chi.Router) {
		r.Use(limiter.Limit)
		r.Post("/signup", ah.HandleSignup)
		r.Post("/verify-email", ah.HandleVerifyEmail)
		r.Post("/login", ah.HandleLogin)
	})

	s.router.Route("/auth", func(r chi.Router) {
		r.Post("/logout", ah.HandleLogout)
		r.Get("/{provider}", ah.HandleOAuthStart)
		r.Get("/{provider}/callback", ah.HandleOAuthCallback)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireAuth(tokens))
		r.Get("/me", ah.HandleMe)
	})
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Dispatcher exposes the event dispatcher so callers can wait for the
// asynchronous signup steps.
func (s *Server) Dispatcher() *events.Dispatcher {
	return s.dispatcher
}

func (s *Server) newMailer() mailer.Mailer {
	if s.config.SMTPHost == "" {
		s.logger.Warn("SMTP_HOST not set, verification emails are logged instead of sent")
		return mailer.NewLogMailer(s.logger)
	}
	return mailer.NewSMTPMailer(mailer.SMTPConfig{
		Host:     s.config.SMTPHost,
		Port:     s.config.SMTPPort,
		From:     s.config.SMTPFrom,
		Username: s.config.SMTPUsername,
		Password: s.config.SMTPPassword,
	})
}

func (s *Server) newJobPublisher(ctx context.Context) (jobqueue.Publisher, error) {
	if s.config.JobQueueTopicARN == "" {
		return jobqueue.NewLogPublisher(s.logger), nil
	}
	p, err := jobqueue.NewSNSPublisher(ctx, s.config.AWSRegion, s.config.AWSEndpointURL, s.config.JobQueueTopicARN)
	if err != nil {
		return nil, fmt.Errorf("creating job publisher: %w", err)
	}
	return p, nil
}

// newProviders registers every OAuth provider that has credentials.
func (s *Server) newProviders() []auth.Provider {
	var ps []auth.Provider
	if c := s.config.GitHub; c.Enabled() {
		ps = append(ps, auth.NewGitHubProvider(c.ClientID, c.ClientSecret, c.CallbackURL, s.config.OAuthTimeout))
	}
	if c := s.config.Google; c.Enabled() {
		ps = append(ps, auth.NewGoogleProvider(c.ClientID, c.ClientSecret, c.CallbackURL, s.config.OAuthTimeout))
	}
	if len(ps) == 0 {
		s.logger.Warn("no OAuth provider configured, /auth/{provider} will return 404")
	}
	return ps
}

// Close drains the dispatcher, then closes Redis and the database. It is
// safe on a partially built Server.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.dispatcher != nil {
		if err := s.dispatcher.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.cancel()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Start starts the HTTP server and handles graceful shutdown.
//
// GRACEFUL SHUTDOWN:
// 1. Stop accepting new HTTP connections
// 2. Wait for in-flight requests to finish (30s timeout)
// 3. Drain queued workflow steps, then close Redis and the database
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              ":" + s.config.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.String("port", s.config.Port),
			slog.String("env", s.config.AppEnv),
			slog.String("database", s.config.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = s.Close(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	// Give in-flight requests and queued workflow steps up to 30 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		_ = s.Close(ctx)
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := s.Close(ctx); err != nil {
		return fmt.Errorf("releasing resources: %w", err)
	}
	s.logger.Info("server stopped gracefully")
	return nil
}
