package model

import "time"

// EmailVerificationToken is a single-use proof of control over an email
// address. Only the SHA-256 hash of the secret is stored; the raw secret
// travels once, inside the verification email.
type EmailVerificationToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	TokenHash string     `json:"-"`
	ExpiresAt time.Time  `json:"expiresAt"`
	UsedAt    *time.Time `json:"usedAt,omitempty"`
	IPAddress string     `json:"ipAddress"`
	UserAgent string     `json:"userAgent"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Expired reports whether the token is past its expiry at instant now.
func (t *EmailVerificationToken) Expired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

// Used reports whether the token has already been redeemed.
func (t *EmailVerificationToken) Used() bool {
	return t.UsedAt != nil
}
