package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"

	"github.com/sakif/identity-core/internal/model"
)

// fakeGitHub serves the token endpoint and the two API calls Exchange makes.
func fakeGitHub(t *testing.T, emails []githubEmail) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gho_test","token_type":"bearer","scope":"read:user,user:email"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gho_test", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(githubUser{ID: 4242, Login: "octocat", Name: "Mona Octocat", AvatarURL: "https://avatars/x.png"})
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		if emails == nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(emails)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestGitHubProvider(srv *httptest.Server) *GitHubProvider {
	p := NewGitHubProvider("client-id", "client-secret", "http://localhost/auth/github/callback", time.Second)
	p.config.Endpoint = oauth2.Endpoint{
		AuthURL:  srv.URL + "/login/oauth/authorize",
		TokenURL: srv.URL + "/login/oauth/access_token",
	}
	p.apiBaseURL = srv.URL
	return p
}

// =========================================================================
// GITHUB TESTS
// =========================================================================

func TestGitHubProvider_AuthURLCarriesState(t *testing.T) {
	p := NewGitHubProvider("client-id", "secret", "http://localhost/cb", 0)

	u, err := url.Parse(p.AuthURL("nonce-123"))
	require.NoError(t, err)
	assert.Equal(t, "nonce-123", u.Query().Get("state"))
	assert.Equal(t, "client-id", u.Query().Get("client_id"))
	assert.Equal(t, model.ProviderGitHub, p.Name())
}

func TestGitHubProvider_ExchangePicksPrimaryVerifiedEmail(t *testing.T) {
	srv := fakeGitHub(t, []githubEmail{
		{Email: "old@example.com", Primary: false, Verified: true},
		{Email: "Mona@Example.com", Primary: true, Verified: true},
	})
	p := newTestGitHubProvider(srv)

	ident, err := p.Exchange(context.Background(), "good-code")
	require.NoError(t, err)

	assert.Equal(t, model.ProviderGitHub, ident.Provider)
	assert.Equal(t, "4242", ident.ProviderUserID)
	assert.Equal(t, "octocat", ident.Login)
	assert.Equal(t, "mona@example.com", ident.Email)
	assert.Equal(t, "gho_test", ident.AccessToken)
	assert.Equal(t, "read:user,user:email", ident.Scope)
}

func TestGitHubProvider_UnverifiedPrimaryIsIgnored(t *testing.T) {
	srv := fakeGitHub(t, []githubEmail{{Email: "mona@example.com", Primary: true, Verified: false}})
	p := newTestGitHubProvider(srv)

	ident, err := p.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Empty(t, ident.Email)
}

func TestGitHubProvider_EmailsEndpointFailureIsNotFatal(t *testing.T) {
	srv := fakeGitHub(t, nil)
	p := newTestGitHubProvider(srv)

	ident, err := p.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Empty(t, ident.Email)
	assert.Equal(t, "4242", ident.ProviderUserID)
}

func TestGitHubProvider_BadCode(t *testing.T) {
	srv := fakeGitHub(t, nil)
	p := newTestGitHubProvider(srv)

	_, err := p.Exchange(context.Background(), "bad-code")
	assert.Error(t, err)
}

func TestPrimaryVerifiedEmail(t *testing.T) {
	assert.Equal(t, "", primaryVerifiedEmail(nil))
	assert.Equal(t, "b@x.com", primaryVerifiedEmail([]githubEmail{
		{Email: "a@x.com", Verified: true},
		{Email: " B@x.com ", Primary: true, Verified: true},
	}))
}

// =========================================================================
// GOOGLE TESTS
// =========================================================================

func fakeGoogleToken(t *testing.T, idToken string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{"access_token": "ya29.test", "token_type": "Bearer", "scope": "openid email profile"}
		if idToken != "" {
			body["id_token"] = idToken
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestGoogleProvider(srv *httptest.Server, claims map[string]any, validateErr error) *GoogleProvider {
	p := NewGoogleProvider("google-client", "secret", "http://localhost/auth/google/callback", time.Second)
	p.config.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token"}
	p.validate = func(_ context.Context, idToken, audience string) (*idtoken.Payload, error) {
		if validateErr != nil {
			return nil, validateErr
		}
		if audience != "google-client" {
			return nil, errors.New("audience mismatch")
		}
		sub, _ := claims["sub"].(string)
		return &idtoken.Payload{Subject: sub, Audience: audience, Claims: claims}, nil
	}
	return p
}

func TestGoogleProvider_ExchangeVerifiedEmail(t *testing.T) {
	srv := fakeGoogleToken(t, "header.payload.sig")
	p := newTestGoogleProvider(srv, map[string]any{
		"sub": "1098", "email": "Ada@Example.com", "email_verified": true,
		"name": "Ada Lovelace", "given_name": "Ada", "picture": "https://pic",
	}, nil)

	ident, err := p.Exchange(context.Background(), "code")
	require.NoError(t, err)
	assert.Equal(t, model.ProviderGoogle, ident.Provider)
	assert.Equal(t, "1098", ident.ProviderUserID)
	assert.Equal(t, "ada@example.com", ident.Email)
	assert.Equal(t, "Ada Lovelace", ident.DisplayName)
	assert.Equal(t, "Ada", ident.Login, "login comes from given_name, never the email")
	assert.Equal(t, "ya29.test", ident.AccessToken)
}

func TestGoogleProvider_UnverifiedEmailDropped(t *testing.T) {
	srv := fakeGoogleToken(t, "header.payload.sig")
	p := newTestGoogleProvider(srv, map[string]any{"sub": "1098", "email": "ada@example.com", "email_verified": false}, nil)

	ident, err := p.Exchange(context.Background(), "code")
	require.NoError(t, err)
	assert.Empty(t, ident.Email)
	assert.Empty(t, ident.Login, "no given_name claim leaves login empty")
}

func TestGoogleProvider_MissingIDToken(t *testing.T) {
	srv := fakeGoogleToken(t, "")
	p := newTestGoogleProvider(srv, nil, nil)

	_, err := p.Exchange(context.Background(), "code")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "id_token"))
}

func TestGoogleProvider_InvalidIDToken(t *testing.T) {
	srv := fakeGoogleToken(t, "header.payload.sig")
	p := newTestGoogleProvider(srv, nil, errors.New("bad signature"))

	_, err := p.Exchange(context.Background(), "code")
	assert.Error(t, err)
}
