// Package config loads runtime configuration from environment variables.
//
// main loads a .env file first (godotenv), so local development can keep
// everything in one file while production injects real environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Port       string
	AppEnv     string
	AppBaseURL string
	DBPath     string

	JWTSecret              string
	SessionTTL             time.Duration
	VerificationSessionTTL time.Duration
	VerificationTokenTTL   time.Duration
	CookieSecure           bool
	PostLoginRedirect      string

	GitHub       OAuthClient
	Google       OAuthClient
	OAuthTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ScratchTTL    time.Duration

	SMTPHost     string
	SMTPPort     string
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
	MailTimeout  time.Duration

	AWSRegion        string
	AWSEndpointURL   string // empty in prod, LocalStack URL in dev
	JobQueueTopicARN string // empty: jobs are logged instead of published

	AllowedOrigins []string

	DispatchWorkers     int
	DispatchMaxAttempts int

	RateLimitRPS   float64
	RateLimitBurst int
}

// OAuthClient is one provider's registered OAuth App. A provider with an
// empty ClientID is disabled.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
}

// Enabled reports whether the provider has credentials configured.
func (c OAuthClient) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Load reads all configuration from environment variables.
func Load() *Config {
	baseURL := strings.TrimRight(getEnv("APP_BASE_URL", "http://localhost:8080"), "/")

	return &Config{
		Port:       getEnv("PORT", "8080"),
		AppEnv:     getEnv("APP_ENV", "development"),
		AppBaseURL: baseURL,
		DBPath:     getEnv("DB_PATH", "./identity.db"),

		JWTSecret:              getEnv("JWT_SECRET", ""),
		SessionTTL:             getEnvDuration("SESSION_TTL", 24*time.Hour),
		VerificationSessionTTL: getEnvDuration("VERIFICATION_SESSION_TTL", time.Hour),
		VerificationTokenTTL:   getEnvDuration("VERIFICATION_TOKEN_TTL", time.Hour),
		CookieSecure:           getEnvBool("COOKIE_SECURE", true),
		PostLoginRedirect:      getEnv("POST_LOGIN_REDIRECT", "/dashboard"),

		GitHub: OAuthClient{
			ClientID:     getEnv("GITHUB_CLIENT_ID", ""),
			ClientSecret: getEnv("GITHUB_CLIENT_SECRET", ""),
			CallbackURL:  getEnv("GITHUB_CALLBACK_URL", baseURL+"/auth/github/callback"),
		},
		Google: OAuthClient{
			ClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			ClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			CallbackURL:  getEnv("GOOGLE_CALLBACK_URL", baseURL+"/auth/google/callback"),
		},
		OAuthTimeout: getEnvDuration("OAUTH_TIMEOUT", 10*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		ScratchTTL:    getEnvDuration("SCRATCH_TTL", 24*time.Hour),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnv("SMTP_PORT", "1025"),
		SMTPFrom:     getEnv("SMTP_FROM", "noreply@example.com"),
		SMTPUsername: getEnv("SMTP_USERNAME", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		MailTimeout:  getEnvDuration("MAIL_TIMEOUT", 10*time.Second),

		AWSRegion:        getEnv("AWS_REGION", "us-east-1"),
		AWSEndpointURL:   getEnv("AWS_ENDPOINT_URL", ""),
		JobQueueTopicARN: getEnv("JOB_QUEUE_TOPIC_ARN", ""),

		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:3000")),

		DispatchWorkers:     getEnvInt("DISPATCH_WORKERS", 4),
		DispatchMaxAttempts: getEnvInt("DISPATCH_MAX_ATTEMPTS", 5),

		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 10),
	}
}

// Validate rejects configurations the server must not start with.
func (c *Config) Validate() error {
	var errs []error
	if len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters"))
	}
	if c.ScratchTTL <= 0 {
		errs = append(errs, errors.New("SCRATCH_TTL must be positive"))
	}
	if c.VerificationTokenTTL <= 0 {
		errs = append(errs, errors.New("VERIFICATION_TOKEN_TTL must be positive"))
	}
	if c.DispatchWorkers < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_WORKERS must be >= 1, got %d", c.DispatchWorkers))
	}
	if c.DispatchMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be >= 1, got %d", c.DispatchMaxAttempts))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether APP_ENV is "production".
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("90s", "1h").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
