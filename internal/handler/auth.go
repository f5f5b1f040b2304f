package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/identity-core/internal/apperror"
	"github.com/sakif/identity-core/internal/auth"
	"github.com/sakif/identity-core/internal/model"
	"github.com/sakif/identity-core/internal/service"
)

// stateCookieTTL bounds how long the user may take on the provider's
// consent screen.
const stateCookieTTL = 10 * time.Minute

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// The handler depends on these small interfaces rather than the concrete
// services so tests can stub any one of them.
type (
	SignupRunner interface {
		Signup(ctx context.Context, in service.SignupInput) (*service.SignupResult, error)
	}
	TokenRedeemer interface {
		Redeem(ctx context.Context, raw string) (*service.AuthResult, error)
	}
	PasswordAuthenticator interface {
		Login(ctx context.Context, in service.LoginInput) (*service.AuthResult, error)
		CurrentIdentity(ctx context.Context, userID string) (*model.Me, error)
	}
	OAuthCompleter interface {
		Complete(ctx context.Context, provider auth.Provider, code string) (*service.OAuthResult, error)
	}
)

// CookieConfig controls the cookies the handler sets.
type CookieConfig struct {
	// Secure marks every cookie HTTPS-only. Turn it off for plain-HTTP
	// local development only.
	Secure bool
	// PostLoginRedirect is where a finished OAuth login lands.
	PostLoginRedirect string
}

// AuthHandler serves every identity endpoint.
//
// HANDLER RESPONSIBILITIES:
//   - HandleSignup        → accept a password signup (async workflow)
//   - HandleVerifyEmail   → redeem an emailed secret, sign the user in
//   - HandleLogin         → password login
//   - HandleOAuthStart    → redirect to the provider with a signed state
//   - HandleOAuthCallback → check state, complete the login, redirect
//   - HandleLogout        → clear the session cookie
//   - HandleMe            → the current identity
//
// Handlers only translate HTTP to service calls and back; every rule lives
// in internal/service.
type AuthHandler struct {
	signup    SignupRunner
	verify    TokenRedeemer
	passwords PasswordAuthenticator
	oauth     OAuthCompleter
	providers map[model.Provider]auth.Provider
	states    *auth.StateSigner
	cookies   CookieConfig
	logger    *slog.Logger
}

func NewAuthHandler(
	signup SignupRunner,
	verify TokenRedeemer,
	passwords PasswordAuthenticator,
	oauth OAuthCompleter,
	providers []auth.Provider,
	states *auth.StateSigner,
	cookies CookieConfig,
	logger *slog.Logger,
) *AuthHandler {
	byName := make(map[model.Provider]auth.Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	if cookies.PostLoginRedirect == "" {
		cookies.PostLoginRedirect = "/"
	}
	return &AuthHandler{
		signup:    signup,
		verify:    verify,
		passwords: passwords,
		oauth:     oauth,
		providers: byName,
		states:    states,
		cookies:   cookies,
		logger:    logger,
	}
}

// HandleSignup accepts a password signup.
//
// HTTP: POST /signup
// REQUEST BODY: {"name": "Ada Lovelace", "email": "ada@example.com", "password": "..."}
//
// The response comes back before the user row exists; the rest of the
// signup runs on the event dispatcher and ends with a verification email.
func (h *AuthHandler) HandleSignup(w http.ResponseWriter, r *http.Request) {
	var in service.SignupInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	in.IPAddress = clientIP(r)
	in.UserAgent = r.UserAgent()

	res, err := h.signup.Signup(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{Success: true, Message: res.Message})
}

// HandleVerifyEmail redeems a verification secret.
//
// HTTP: POST /verify-email
// REQUEST BODY: {"token": "<64 hex chars>"}
//
// The token may also come as ?token=..., which is how the emailed link
// carries it.
func (h *AuthHandler) HandleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, h.logger, err)
			return
		}
	}
	if body.Token == "" {
		body.Token = r.URL.Query().Get("token")
	}

	res, err := h.verify.Redeem(r.Context(), body.Token)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.setSessionCookie(w, res.Session)
	id := res.Identity()
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Email verified successfully", User: &id})
}

// HandleLogin authenticates with email and password.
//
// HTTP: POST /login
// REQUEST BODY: {"email": "ada@example.com", "password": "..."}
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in service.LoginInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.passwords.Login(r.Context(), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.setSessionCookie(w, res.Session)
	id := res.Identity()
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Login successful", User: &id})
}

// HandleOAuthStart redirects the browser to the provider's consent page.
//
// HTTP: GET /auth/{provider}
//
// CSRF PROTECTION VIA STATE:
// A random nonce travels to the provider as ?state=; its HMAC-signed form
// goes into a short-lived HttpOnly cookie. The callback only proceeds when
// both come back and agree, which proves the flow started in this browser.
func (h *AuthHandler) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	nonce, cookieValue, err := h.states.New()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName(provider.Name()),
		Value:    cookieValue,
		Path:     "/",
		MaxAge:   int(stateCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, provider.AuthURL(nonce), http.StatusFound)
}

// HandleOAuthCallback completes the OAuth login.
//
// HTTP: GET /auth/{provider}/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Check the state against the signed cookie (401 on mismatch)
//  2. Clear the state cookie; it is single-use
//  3. Exchange the code and link the account (service)
//  4. Set the session cookie and redirect into the app
func (h *AuthHandler) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	cookieName := stateCookieName(provider.Name())
	q := r.URL.Query()

	stateCookie, err := r.Cookie(cookieName)
	if err != nil || h.states.Verify(stateCookie.Value, q.Get("state")) != nil {
		h.logger.WarnContext(r.Context(), "oauth callback: state mismatch", slog.String("provider", string(provider.Name())))
		writeError(w, h.logger, apperror.InvalidOAuthState())
		return
	}

	h.clearCookie(w, cookieName)

	// The user pressed "cancel" on the consent screen.
	if errParam := q.Get("error"); errParam != "" {
		h.logger.InfoContext(r.Context(), "oauth callback: authorization denied",
			slog.String("provider", string(provider.Name())),
			slog.String("error", errParam),
		)
		writeError(w, h.logger, apperror.OAuthExchangeFailed(errors.New(errParam)))
		return
	}

	res, err := h.oauth.Complete(r.Context(), provider, q.Get("code"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.setSessionCookie(w, res.Session)
	http.Redirect(w, r, h.cookies.PostLoginRedirect, http.StatusFound)
}

// HandleLogout clears the session cookie.
//
// HTTP: POST /auth/logout
//
// Sessions are stateless JWTs, so "logout" means deleting the cookie. The
// token stays technically valid until exp, but the browser no longer has it.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.clearCookie(w, auth.SessionCookieName)
	writeJSON(w, http.StatusOK, map[string]bool{"status": true})
}

// HandleMe returns the identity behind the session.
//
// HTTP: GET /api/me
// Auth: Required (RequireAuth puts the claims in the context)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, Response{Error: "Unauthorized", Message: "valid authentication required"})
		return
	}

	me, err := h.passwords.CurrentIdentity(r.Context(), userID)
	if err != nil {
		if errors.Is(err, apperror.ErrUserNotFound) {
			// A valid token for a user that no longer exists.
			h.clearCookie(w, auth.SessionCookieName)
			writeJSON(w, http.StatusUnauthorized, Response{Error: "Unauthorized", Message: "valid authentication required"})
			return
		}
		writeError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, me)
}

// provider resolves {provider} from the route. Unknown or unconfigured
// providers get a 404.
func (h *AuthHandler) provider(w http.ResponseWriter, r *http.Request) (auth.Provider, bool) {
	name := chi.URLParam(r, "provider")
	p, ok := h.providers[model.Provider(name)]
	if !ok {
		writeError(w, h.logger, apperror.NotFound("oauth provider", name))
		return nil, false
	}
	return p, true
}

// setSessionCookie stores the session JWT. The cookie expires together with
// the token's exp claim.
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, s *auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookieName,
		Value:    s.Token,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1, // tells the browser to delete the cookie immediately
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func stateCookieName(p model.Provider) string {
	return string(p) + "_oauth_state"
}

// decodeJSON reads a bounded JSON body. A malformed body is a validation
// error on "body".
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperror.ValidationFailed("body", "request body is required")
		}
		return apperror.ValidationFailed("body", "invalid JSON body")
	}
	return nil
}

// clientIP returns the caller address. chi's RealIP middleware has already
// replaced RemoteAddr with X-Forwarded-For / X-Real-IP when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
