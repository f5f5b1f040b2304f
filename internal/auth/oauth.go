package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/sakif/identity-core/internal/model"
)

// DefaultOAuthTimeout bounds the whole code exchange plus profile fetch.
const DefaultOAuthTimeout = 10 * time.Second

// Provider is one external identity provider speaking the OAuth 2.0
// Authorization Code flow.
//
// OAUTH 2.0 AUTHORIZATION CODE FLOW:
//  1. We redirect the browser to AuthURL(state).
//  2. The user approves on the provider's site.
//  3. The provider redirects back to our callback with a short-lived code.
//  4. Exchange trades the code for an access token (server-to-server, using
//     the client secret) and reads the user's profile with it.
//
// Exchange runs entirely before any database transaction opens, so a slow
// provider never holds a lock.
type Provider interface {
	Name() model.Provider
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*model.ExternalIdentity, error)
}

// ErrNoAccessToken is returned when the provider answered the exchange but
// handed back no token.
var ErrNoAccessToken = errors.New("auth: provider returned no access token")

// githubUser is the portion of the GitHub /user response we care about.
// GitHub API docs: https://docs.github.com/en/rest/users/users#get-the-authenticated-user
type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// githubEmail is one entry of GET /user/emails.
type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// GitHubProvider wraps golang.org/x/oauth2 for GitHub.
type GitHubProvider struct {
	config     *oauth2.Config
	apiBaseURL string
	timeout    time.Duration
}

// NewGitHubProvider creates a GitHubProvider with the given credentials.
//
// callbackURL must match the "Authorization callback URL" registered with the
// OAuth App exactly, e.g. "http://localhost:8080/auth/github/callback".
//
// Scopes:
//   - "read:user"  — public profile (ID, login, avatar)
//   - "user:email" — the email list, needed to find the verified primary address
func NewGitHubProvider(clientID, clientSecret, callbackURL string, timeout time.Duration) *GitHubProvider {
	if timeout <= 0 {
		timeout = DefaultOAuthTimeout
	}
	return &GitHubProvider{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
		apiBaseURL: "https://api.github.com",
		timeout:    timeout,
	}
}

func (p *GitHubProvider) Name() model.Provider { return model.ProviderGitHub }

// AuthURL returns the URL to redirect the user to for authorization. The
// state is echoed back on the callback and checked against the state cookie.
func (p *GitHubProvider) AuthURL(state string) string {
	return p.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the authorization code for a GitHub identity.
//
// Steps:
//  1. Exchange the code for an access token
//  2. GET /user for the stable numeric ID, login, name and avatar
//  3. GET /user/emails and keep the address that is primary AND verified
//
// A failing /user/emails call is not fatal: the identity is returned with an
// empty Email and account linking decides what to do with it.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (*model.ExternalIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tok, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("auth: exchanging GitHub code: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, ErrNoAccessToken
	}

	// oauth2.Config.Client returns an *http.Client that adds the
	// "Authorization: Bearer <token>" header to every request.
	client := p.config.Client(ctx, tok)

	var ghUser githubUser
	if err := getJSON(ctx, client, p.apiBaseURL+"/user", &ghUser); err != nil {
		return nil, fmt.Errorf("auth: calling GitHub /user API: %w", err)
	}
	if ghUser.ID == 0 {
		return nil, fmt.Errorf("auth: GitHub returned an invalid user (ID = 0)")
	}

	var emails []githubEmail
	email := ""
	if err := getJSON(ctx, client, p.apiBaseURL+"/user/emails", &emails); err == nil {
		email = primaryVerifiedEmail(emails)
	}

	return &model.ExternalIdentity{
		Provider:       model.ProviderGitHub,
		ProviderUserID: strconv.FormatInt(ghUser.ID, 10),
		Login:          ghUser.Login,
		DisplayName:    ghUser.Name,
		Email:          email,
		AvatarURL:      ghUser.AvatarURL,
		AccessToken:    tok.AccessToken,
		Scope:          tokenScope(tok, p.config.Scopes),
	}, nil
}

// primaryVerifiedEmail picks the one address GitHub marks both primary and
// verified. Anything else is not trusted for account linking.
func primaryVerifiedEmail(emails []githubEmail) string {
	for _, e := range emails {
		if e.Primary && e.Verified {
			return strings.ToLower(strings.TrimSpace(e.Email))
		}
	}
	return ""
}

// tokenScope reads the granted scope from the token response, falling back to
// the scopes we asked for.
func tokenScope(tok *oauth2.Token, requested []string) string {
	if s, ok := tok.Extra("scope").(string); ok && s != "" {
		return s
	}
	return strings.Join(requested, ",")
}

func getJSON(ctx context.Context, client *http.Client, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
