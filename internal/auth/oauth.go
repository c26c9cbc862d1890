package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/sheets/v4"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
)

// DefaultScopes are requested at consent: read-only mail for the sync,
// spreadsheets for the mirror, and OpenID for the user id.
var DefaultScopes = []string{
	gmail.GmailReadonlyScope,
	sheets.SpreadsheetsScope,
	"openid",
	"email",
	"profile",
}

// TokenStore is where refresh tokens live between passes.
type TokenStore interface {
	RefreshToken(ctx context.Context, userID string) (string, error)
	PutRefreshToken(ctx context.Context, userID, token string) error
	DeleteRefreshToken(ctx context.Context, userID string) error
}

// OAuthConfig configures the Google OAuth client. AuthURL and TokenURL
// default to Google's endpoints.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string
}

// Manager exchanges stored refresh tokens for short-lived access tokens.
// Access tokens are never cached: every call performs one refresh.
type Manager struct {
	oauth      *oauth2.Config
	store      TokenStore
	httpClient *http.Client
	log        *zap.Logger
}

// NewManager creates a token lifecycle manager.
func NewManager(cfg OAuthConfig, store TokenStore, log *zap.Logger) *Manager {
	endpoint := google.Endpoint
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	// Google accepts client credentials in the form body.
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		store: store,
		log:   log,
	}
}

// WithHTTPClient sets the client used for token endpoint calls.
func (m *Manager) WithHTTPClient(c *http.Client) *Manager {
	m.httpClient = c
	return m
}

func (m *Manager) ctx(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// AuthURL returns the consent URL. Offline access and forced consent make
// Google issue a refresh token even for returning users.
func (m *Manager) AuthURL(state string) string {
	return m.oauth.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent select_account"),
	)
}

// Exchange trades an authorization code for tokens.
func (m *Manager) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := m.oauth.Exchange(m.ctx(ctx), code)
	if err != nil {
		return nil, exchangeError(err)
	}
	return tok, nil
}

// StoreRefreshToken records the refresh token obtained at authorization.
func (m *Manager) StoreRefreshToken(ctx context.Context, userID, refreshToken string) error {
	return m.store.PutRefreshToken(ctx, userID, refreshToken)
}

// Connected reports whether a refresh token is stored for userID.
func (m *Manager) Connected(ctx context.Context, userID string) (bool, error) {
	rt, err := m.store.RefreshToken(ctx, userID)
	if err != nil {
		return false, err
	}
	return rt != "", nil
}

// Disconnect forgets the user's refresh token.
func (m *Manager) Disconnect(ctx context.Context, userID string) error {
	return m.store.DeleteRefreshToken(ctx, userID)
}

// AccessToken refreshes and returns a fresh access token for userID.
//
// It fails with domain.ErrNotAuthorized when no refresh token is stored and
// with a *domain.TokenExchangeError when the provider rejects the refresh.
func (m *Manager) AccessToken(ctx context.Context, userID string) (string, error) {
	rt, err := m.store.RefreshToken(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}
	if rt == "" {
		return "", fmt.Errorf("user %s: %w", userID, domain.ErrNotAuthorized)
	}

	tok, err := m.oauth.TokenSource(m.ctx(ctx), &oauth2.Token{RefreshToken: rt}).Token()
	if err != nil {
		return "", exchangeError(err)
	}
	if tok.AccessToken == "" {
		return "", &domain.TokenExchangeError{Err: errors.New("empty access token")}
	}

	if tok.RefreshToken != "" && tok.RefreshToken != rt {
		if err := m.store.PutRefreshToken(ctx, userID, tok.RefreshToken); err != nil {
			m.log.Warn("store rotated refresh token", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return tok.AccessToken, nil
}

func exchangeError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return &domain.TokenExchangeError{
			Status: re.Response.StatusCode,
			Body:   string(re.Body),
			Err:    err,
		}
	}
	return &domain.TokenExchangeError{Err: err}
}
