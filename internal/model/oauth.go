package model

import "time"

// Provider identifies an external OAuth identity provider.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGoogle Provider = "google"
)

// Valid reports whether p is a provider this service knows how to talk to.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGitHub, ProviderGoogle:
		return true
	}
	return false
}

// OAuthAccount links one external identity (Provider, ProviderUserID) to
// exactly one User. Re-authentication refreshes AccessToken, Scope and
// UpdatedAt; UserID never changes once set.
type OAuthAccount struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Provider       Provider  `json:"provider"`
	ProviderUserID string    `json:"providerUserId"`
	AccessToken    string    `json:"-"`
	Scope          string    `json:"scope"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// OAuthProfile is the denormalized provider-profile projection, refreshed in
// full on every OAuth login.
type OAuthProfile struct {
	Provider       Provider  `json:"provider"`
	ProviderUserID string    `json:"providerUserId"`
	UserID         string    `json:"userId"`
	Login          string    `json:"login"`
	DisplayName    string    `json:"displayName"`
	AvatarURL      string    `json:"avatarUrl"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ExternalIdentity is what a provider tells us after a successful code
// exchange. Email is the primary, provider-verified address, or "" when the
// provider could not vouch for one.
type ExternalIdentity struct {
	Provider       Provider
	ProviderUserID string
	Login          string
	DisplayName    string
	Email          string
	AvatarURL      string
	AccessToken    string
	Scope          string
}
