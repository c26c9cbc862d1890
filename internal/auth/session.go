package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// User is the caller identified by a session token.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// SessionVerifier validates session JWTs minted by the sign-in service.
type SessionVerifier struct {
	keyOpt jwt.ParseOption
	skew   time.Duration
}

// NewHMACVerifier verifies HS256 tokens signed with a shared secret.
func NewHMACVerifier(secret string) (*SessionVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("session secret is empty")
	}
	return &SessionVerifier{
		keyOpt: jwt.WithKey(jwa.HS256, []byte(secret)),
		skew:   30 * time.Second,
	}, nil
}

// NewJWKSVerifier verifies tokens against a remote JWKS. Keys are cached
// and refreshed in the background, so verification does no network I/O
// once the first fetch succeeds.
func NewJWKSVerifier(ctx context.Context, jwksURL string, refresh time.Duration) (*SessionVerifier, error) {
	if refresh <= 0 {
		refresh = 5 * time.Minute
	}
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refresh)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}

	warm, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warm, jwksURL); err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}

	return &SessionVerifier{
		keyOpt: jwt.WithKeySet(jwk.NewCachedSet(cache, jwksURL)),
		skew:   30 * time.Second,
	}, nil
}

// UserFromRequest reads the bearer token from the Authorization header.
func (v *SessionVerifier) UserFromRequest(r *http.Request) (*User, error) {
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("missing bearer token")
	}
	return v.verify(strings.TrimSpace(raw))
}

// verify validates a raw token string.
func (v *SessionVerifier) verify(raw string) (*User, error) {
	token, err := jwt.ParseString(raw, v.keyOpt, jwt.WithValidate(true), jwt.WithAcceptableSkew(v.skew))
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	return userFromToken(token)
}

func userFromToken(token jwt.Token) (*User, error) {
	userID := token.Subject()
	if userID == "" {
		return nil, fmt.Errorf("token missing user ID (subject)")
	}

	var email, name string
	if c, ok := token.Get("email"); ok {
		email, _ = c.(string)
	}
	if c, ok := token.Get("name"); ok {
		name, _ = c.(string)
	}
	return &User{ID: userID, Email: email, Name: name}, nil
}
