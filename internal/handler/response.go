package handler

// RESPONSE HELPERS:
// These functions standardise how we send JSON responses and errors.
//
// CONSISTENT RESPONSE FORMAT:
// Every JSON body from the identity endpoints has the same envelope:
//
//	{"success": true,  "message": "...", "user": {...}}
//	{"success": false, "message": "...", "error": "TokenExpired"}
//
// "error" is the machine-readable apperror code; "message" is safe to show
// to a person.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/identity-core/internal/apperror"
	"github.com/sakif/identity-core/internal/model"
)

// Response is the envelope of every identity endpoint.
type Response struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	User    *model.Identity `json:"user,omitempty"`
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and status must be set BEFORE the body is written; once Encode
// writes, header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// statusFor maps a domain error to its HTTP status.
//
// ERROR MAPPING:
//   - input, lookup, token and credential problems → 400
//   - OAuth state and exchange failures             → 401
//   - persistence and anything unknown              → 500
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperror.ErrValidation),
		errors.Is(err, apperror.ErrUserAlreadyExists),
		errors.Is(err, apperror.ErrUserNotFound),
		errors.Is(err, apperror.ErrInvalidCredentials),
		errors.Is(err, apperror.ErrEmailNotVerified),
		errors.Is(err, apperror.ErrTokenMissing),
		errors.Is(err, apperror.ErrInvalidToken),
		errors.Is(err, apperror.ErrTokenExpired),
		errors.Is(err, apperror.ErrTokenAlreadyUsed):
		return http.StatusBadRequest
	case errors.Is(err, apperror.ErrInvalidOAuthState),
		errors.Is(err, apperror.ErrOAuthExchangeFailed):
		return http.StatusUnauthorized
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError maps a domain error to the appropriate HTTP status and body.
//
// NEVER LEAK INTERNALS:
// A 500 always carries the generic persistence message; the real cause
// (SQL text, file paths, driver errors) goes to the log only.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)

	var appErr *apperror.AppError
	if status == http.StatusInternalServerError || !errors.As(err, &appErr) {
		logger.Error("request failed", slog.String("error", err.Error()))
		generic := apperror.Persistence(nil)
		writeJSON(w, http.StatusInternalServerError, Response{
			Success: false,
			Error:   generic.Code,
			Message: generic.Message,
		})
		return
	}

	writeJSON(w, status, Response{
		Success: false,
		Error:   appErr.Code,
		Message: appErr.Message,
	})
}
