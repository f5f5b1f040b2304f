// Package auth holds the token and secret utilities behind every identity
// flow: session credentials (JWT), password hashing, verification secrets,
// OAuth state nonces and the OAuth providers themselves.
//
// SESSION CREDENTIAL:
// A session is a stateless HS256 JWT carried in an HttpOnly cookie. Nothing is
// stored server-side; logout clears the cookie and expiry does the rest.
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Payload: {"email":"ada@x.com","userId":"...","sub":"...","exp":...}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/identity-core/internal/model"
)

const issuer = "identity-core"

// DefaultSessionTTL is used when NewTokenService is given a non-positive TTL.
const DefaultSessionTTL = 24 * time.Hour

// TokenService issues and validates session credentials.
//
// The same secret signs and verifies; rotate it by redeploying with a new
// JWT_SECRET, which invalidates every outstanding session.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService with the given secret and default
// session lifetime. The secret should be at least 32 bytes of random data in
// production. Example: JWT_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// Claims is the session payload. UserID duplicates the standard "sub" claim so
// clients reading the token get the documented {email, userId, exp} shape.
type Claims struct {
	Email  string `json:"email"`
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// Session is a signed credential together with its expiry, so the HTTP layer
// can set a cookie whose lifetime matches the token's exp claim.
type Session struct {
	Token     string
	ExpiresAt time.Time
}

// Issue signs a session for user with the service's default lifetime.
func (s *TokenService) Issue(user *model.User) (*Session, error) {
	return s.IssueWithDuration(user.ID, user.Email, s.ttl)
}

// IssueWithDuration signs a session with a custom lifetime. Verification
// redemption uses a shorter one than password/OAuth login.
func (s *TokenService) IssueWithDuration(userID, email string, d time.Duration) (*Session, error) {
	if userID == "" {
		return nil, errors.New("auth: cannot issue a session without a user ID")
	}

	now := time.Now()
	expiresAt := now.Add(d)

	c := Claims{
		Email:  email,
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("auth: signing token: %w", err)
	}

	// exp is encoded with second precision; round the cookie expiry the same way.
	return &Session{Token: signed, ExpiresAt: expiresAt.Truncate(time.Second)}, nil
}

// Validate parses and verifies a session token and returns its claims.
//
// VALIDATION CHECKS (performed by the jwt library):
//   - Signature is valid (wasn't tampered with)
//   - Token is not expired and carries an exp claim
//   - Issuer matches (prevents tokens minted by other apps with the same key)
//   - Algorithm is HS256 (prevents "alg: none" and algorithm confusion)
func (s *TokenService) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("auth: token expired")
		}
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}

	if c.Subject == "" || c.UserID != c.Subject {
		return nil, fmt.Errorf("auth: token subject mismatch")
	}

	return c, nil
}
