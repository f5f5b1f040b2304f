package apperror

import (
	"errors"
	"fmt"
	"testing"
)

// TABLE-DRIVEN TESTS:
// One slice of cases, one loop; each case shows up under its own name in
// `go test -v` output.

func TestErrorsIs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{"NotFound wraps ErrNotFound", NotFound("user", "abc123"), ErrNotFound, true},
		{"ValidationFailed wraps ErrValidation", ValidationFailed("name", "name is required"), ErrValidation, true},
		{"Conflict wraps ErrConflict", Conflict("user", "abc123"), ErrConflict, true},
		{"UserAlreadyExists", UserAlreadyExists(), ErrUserAlreadyExists, true},
		{"TokenExpired", TokenExpired(), ErrTokenExpired, true},
		{"TokenExpired is not TokenAlreadyUsed", TokenExpired(), ErrTokenAlreadyUsed, false},
		{"OAuthExchangeFailed keeps sentinel", OAuthExchangeFailed(errors.New("boom")), ErrOAuthExchangeFailed, true},
		{"Persistence keeps sentinel", Persistence(errors.New("disk full")), ErrPersistence, true},
		{"wrapped with fmt.Errorf", fmt.Errorf("service: %w", InvalidCredentials()), ErrInvalidCredentials, true},
		{"NotFound does NOT match ErrValidation", NotFound("user", "abc123"), ErrValidation, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(tt.err, tt.target)
			if got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		wantMessage string
		wantCode    string
	}{
		{"NotFound", NotFound("user", "abc123"), "user not found with id abc123", CodeNotFound},
		{"ValidationFailed", ValidationFailed("name", "name is required"), "name is required", CodeValidation},
		{"TokenAlreadyUsed", TokenAlreadyUsed(), "Verification token has already been used", CodeTokenAlreadyUsed},
		{"EmailNotVerified", EmailNotVerified(), "Please verify your email before logging in", CodeEmailNotVerified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMessage {
				t.Errorf("Error() = %q, want %q", got, tt.wantMessage)
			}
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
		})
	}
}

func TestPersistence_HidesCause(t *testing.T) {
	err := Persistence(errors.New("UNIQUE constraint failed: users.email"))

	if err.Error() != "An internal error occurred" {
		t.Errorf("Error() leaked the cause: %q", err.Error())
	}
	if !errors.Is(err, ErrPersistence) {
		t.Error("Persistence() lost its sentinel")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(fmt.Errorf("outer: %w", TokenExpired())); got != CodeTokenExpired {
		t.Errorf("CodeOf() = %q, want %q", got, CodeTokenExpired)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestValidationFailedField(t *testing.T) {
	err := ValidationFailed("email", "invalid email format")

	if err.Field != "email" {
		t.Errorf("Field = %q, want %q", err.Field, "email")
	}
}
