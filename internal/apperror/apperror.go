// Package apperror defines the domain error taxonomy shared by every layer.
//
// Each failure kind is a sentinel error. Constructors wrap the sentinel in an
// *AppError that also carries a stable machine-readable Code and a safe,
// user-facing Message. Callers test the kind with errors.Is and the HTTP layer
// maps it to a status code (see handler.writeError).
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
	ErrConflict   = errors.New("conflict")

	ErrUserAlreadyExists   = errors.New("user already exists")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrEmailNotVerified    = errors.New("email not verified")
	ErrTokenMissing        = errors.New("token missing")
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenAlreadyUsed    = errors.New("token already used")
	ErrInvalidOAuthState   = errors.New("invalid oauth state")
	ErrOAuthExchangeFailed = errors.New("oauth exchange failed")
	ErrPersistence         = errors.New("persistence failure")
)

// Machine-readable error codes returned in response bodies.
const (
	CodeValidation          = "ValidationError"
	CodeNotFound            = "NotFound"
	CodeConflict            = "Conflict"
	CodeUserAlreadyExists   = "UserAlreadyExists"
	CodeUserNotFound        = "UserNotFound"
	CodeInvalidCredentials  = "InvalidCredentials"
	CodeEmailNotVerified    = "EmailNotVerified"
	CodeTokenMissing        = "TokenMissing"
	CodeInvalidToken        = "InvalidToken"
	CodeTokenExpired        = "TokenExpired"
	CodeTokenAlreadyUsed    = "TokenAlreadyUsed"
	CodeInvalidOAuthState   = "InvalidOAuthState"
	CodeOAuthExchangeFailed = "OAuthExchangeFailed"
	CodePersistence         = "PersistenceFailure"
)

type AppError struct {
	Err     error  // sentinel, matched with errors.Is
	Code    string // machine-readable code, e.g. "TokenExpired"
	Message string // human-readable message, safe to show to users
	Field   string // optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func newError(sentinel error, code, message string) *AppError {
	return &AppError{Err: sentinel, Code: code, Message: message}
}

func NotFound(resource, id string) *AppError {
	return newError(ErrNotFound, CodeNotFound, fmt.Sprintf("%s not found with id %s", resource, id))
}

func ValidationFailed(field, message string) *AppError {
	e := newError(ErrValidation, CodeValidation, message)
	e.Field = field
	return e
}

func Conflict(resource, id string) *AppError {
	return newError(ErrConflict, CodeConflict, fmt.Sprintf("%s conflict with id %s", resource, id))
}

func UserAlreadyExists() *AppError {
	return newError(ErrUserAlreadyExists, CodeUserAlreadyExists, "An account with this email already exists")
}

func UserNotFound() *AppError {
	return newError(ErrUserNotFound, CodeUserNotFound, "No account found for this email")
}

func InvalidCredentials() *AppError {
	return newError(ErrInvalidCredentials, CodeInvalidCredentials, "Invalid email or password")
}

func EmailNotVerified() *AppError {
	return newError(ErrEmailNotVerified, CodeEmailNotVerified, "Please verify your email before logging in")
}

func TokenMissing() *AppError {
	return newError(ErrTokenMissing, CodeTokenMissing, "Verification token is required")
}

func InvalidToken() *AppError {
	return newError(ErrInvalidToken, CodeInvalidToken, "Invalid verification token")
}

func TokenExpired() *AppError {
	return newError(ErrTokenExpired, CodeTokenExpired, "Verification token has expired")
}

func TokenAlreadyUsed() *AppError {
	return newError(ErrTokenAlreadyUsed, CodeTokenAlreadyUsed, "Verification token has already been used")
}

func InvalidOAuthState() *AppError {
	return newError(ErrInvalidOAuthState, CodeInvalidOAuthState, "Invalid OAuth state")
}

// OAuthExchangeFailed wraps the underlying provider error for logging; the
// message shown to the user stays generic.
func OAuthExchangeFailed(cause error) *AppError {
	e := newError(ErrOAuthExchangeFailed, CodeOAuthExchangeFailed, "Authentication with the provider failed")
	if cause != nil {
		e.Err = fmt.Errorf("%w: %w", ErrOAuthExchangeFailed, cause)
	}
	return e
}

// Persistence marks an infrastructure failure. The cause is kept in the
// chain for logs but never rendered to clients.
func Persistence(cause error) *AppError {
	e := newError(ErrPersistence, CodePersistence, "An internal error occurred")
	if cause != nil {
		e.Err = fmt.Errorf("%w: %w", ErrPersistence, cause)
	}
	return e
}

// CodeOf returns the Code of the first *AppError in err's chain, or "" when
// err carries none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
