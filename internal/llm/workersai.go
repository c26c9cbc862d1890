package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultWorkersAIURL is the Cloudflare REST API root.
const DefaultWorkersAIURL = "https://api.cloudflare.com/client/v4"

// WorkersAIClient calls Cloudflare Workers AI models over REST.
type WorkersAIClient struct {
	baseURL    string
	accountID  string
	apiToken   string
	httpClient *http.Client
}

// NewWorkersAIClient creates a Workers AI client.
func NewWorkersAIClient(baseURL, accountID, apiToken string, timeout time.Duration) *WorkersAIClient {
	if baseURL == "" {
		baseURL = DefaultWorkersAIURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WorkersAIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accountID:  accountID,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type workersAIRequest struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type workersAIResponse struct {
	Result struct {
		Response json.RawMessage `json:"response"`
	} `json:"result"`
	Success bool `json:"success"`
	Errors  []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Run implements Client.
func (c *WorkersAIClient) Run(ctx context.Context, req Request) (string, error) {
	url := fmt.Sprintf("%s/accounts/%s/ai/run/%s", c.baseURL, c.accountID, req.Model)

	body, err := json.Marshal(workersAIRequest{
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("workers ai request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("workers ai error (%d): %s", resp.StatusCode, string(respBody))
	}

	var out workersAIResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if !out.Success && len(out.Errors) > 0 {
		return "", fmt.Errorf("workers ai error %d: %s", out.Errors[0].Code, out.Errors[0].Message)
	}

	// Instruct models answer with a string; JSON-mode models may answer
	// with an object, which is handed back as its JSON text.
	raw := out.Result.Response
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	return string(raw), nil
}
