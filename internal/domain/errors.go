package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthorized means no refresh token is stored for the user; the
	// user has to grant mailbox access again.
	ErrNotAuthorized = errors.New("mailbox not authorized")

	// ErrTokenExchangeFailed means the provider refused to refresh the
	// access token. Retrying cannot succeed without new consent.
	ErrTokenExchangeFailed = errors.New("token exchange failed")

	// ErrFetchFailed covers page and thread fetch errors.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrUpsertFailed means the record store rejected a write.
	ErrUpsertFailed = errors.New("upsert failed")

	// ErrSyncInProgress means a pass for the same user is already running
	// in this process.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// TokenExchangeError carries the provider's answer to a rejected refresh.
type TokenExchangeError struct {
	Status int
	Body   string
	Err    error
}

func (e *TokenExchangeError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token exchange failed: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("token exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() []error { return []error{ErrTokenExchangeFailed, e.Err} }

// FetchError describes a failed mailbox call.
type FetchError struct {
	Op     string // "list" or "get"
	ID     string // thread id or page token
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	s := "fetch " + e.Op
	if e.ID != "" {
		s += " " + e.ID
	}
	if e.Status != 0 {
		s += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *FetchError) Unwrap() []error { return []error{ErrFetchFailed, e.Err} }

// UpsertError wraps a record store write failure for one thread.
type UpsertError struct {
	ThreadID string
	Status   int
	Err      error
}

func (e *UpsertError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upsert %s: status %d: %v", e.ThreadID, e.Status, e.Err)
	}
	return fmt.Sprintf("upsert %s: %v", e.ThreadID, e.Err)
}

func (e *UpsertError) Unwrap() []error { return []error{ErrUpsertFailed, e.Err} }

// Reason maps an error to the short code reported to API callers.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, ErrTokenExchangeFailed):
		return "token_exchange_failed"
	case errors.Is(err, ErrFetchFailed):
		return "fetch_failed"
	case errors.Is(err, ErrSyncInProgress):
		return "sync_in_progress"
	case errors.Is(err, ErrUpsertFailed):
		return "upsert_failed"
	default:
		return "internal"
	}
}
