// Package model defines the data structures used throughout the application.
package model

import "time"

// DefaultRole is assigned to every newly created user.
const DefaultRole = "user"

// User is the identity anchor. A user may originate from a password signup
// (PasswordHash set, EmailVerified false until redemption) or from an OAuth
// login (PasswordHash empty, EmailVerified true). Both paths can end up on the
// same row once the user links them.
//
// Email is stored trimmed and lower-cased and is globally unique.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	PasswordHash  string    `json:"-"` // empty for OAuth-only accounts
	EmailVerified bool      `json:"emailVerified"`
	AvatarURL     string    `json:"avatarUrl"`
	Role          string    `json:"role"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HasPassword reports whether the user can authenticate with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Identity is the one canonical shape for "who is authenticated", returned by
// every entry point that establishes or reads a session.
type Identity struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name"`
	AvatarURL     string `json:"avatarUrl"`
	Role          string `json:"role"`
	EmailVerified bool   `json:"emailVerified"`
}

// Me is the body of GET /api/me: the canonical identity plus the providers
// the user can sign in with.
type Me struct {
	Identity
	LinkedProviders []Provider `json:"linkedProviders"`
}

// Identity projects the user onto the public identity shape.
func (u *User) Identity() Identity {
	return Identity{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		AvatarURL:     u.AvatarURL,
		Role:          u.Role,
		EmailVerified: u.EmailVerified,
	}
}
