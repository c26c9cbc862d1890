// Package recordstore talks to the HTTP gateway in front of the
// application document store.
package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
)

// Client calls the record gateway.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a gateway client. apiKey may be empty.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type upsertRequest struct {
	UserID   string            `json:"userId"`
	ThreadID string            `json:"threadId"`
	Doc      domain.Extraction `json:"doc"`
}

// Upsert writes the record keyed by (user, thread), replacing any earlier
// version. Non-2xx responses become *domain.UpsertError.
func (c *Client) Upsert(ctx context.Context, rec domain.Record) error {
	body, err := json.Marshal(upsertRequest{
		UserID:   rec.UserID,
		ThreadID: rec.ThreadID,
		Doc:      rec.Extraction,
	})
	if err != nil {
		return &domain.UpsertError{ThreadID: rec.ThreadID, Err: fmt.Errorf("encode: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upsert-application", bytes.NewReader(body))
	if err != nil {
		return &domain.UpsertError{ThreadID: rec.ThreadID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return &domain.UpsertError{ThreadID: rec.ThreadID, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &domain.UpsertError{
			ThreadID: rec.ThreadID,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("gateway: %s", strings.TrimSpace(string(b))),
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ListOptions filter ListRecent.
type ListOptions struct {
	Since time.Time
	Page  int
	Limit int
}

// ListResult is one page of recent records, newest first.
type ListResult struct {
	Docs    []domain.Record `json:"docs"`
	Page    int             `json:"page,omitempty"`
	HasMore bool            `json:"hasMore,omitempty"`
}

// ListRecent returns the user's records updated since opts.Since.
func (c *Client) ListRecent(ctx context.Context, userID string, opts ListOptions) (*ListResult, error) {
	q := url.Values{}
	q.Set("userId", userID)
	if !opts.Since.IsZero() {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/list-recent?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("gateway list-recent: bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out ListResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Docs == nil {
		out.Docs = []domain.Record{}
	}
	return &out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
}
