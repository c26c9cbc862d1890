package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultUserInfoURL is Google's OpenID Connect userinfo endpoint.
const DefaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// UserInfo is the subset of OpenID claims the service keys users by.
type UserInfo struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// UserInfoClient reads the signed-in user's identity with an access token.
type UserInfoClient struct {
	url    string
	client *http.Client
}

// NewUserInfoClient creates a userinfo client. An empty url selects Google.
func NewUserInfoClient(url string) *UserInfoClient {
	if url == "" {
		url = DefaultUserInfoURL
	}
	return &UserInfoClient{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch returns the identity behind accessToken.
func (c *UserInfoClient) Fetch(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("userinfo: bad status %d: %s", resp.StatusCode, string(body))
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("userinfo: response missing sub")
	}
	return &info, nil
}
