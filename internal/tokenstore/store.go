// Package tokenstore keeps the small amount of durable per-user state the
// sync pipeline owns: the mailbox refresh token, the incremental cursor and
// the outcome of the last pass. Values sit behind a KV so the same facade
// runs over SQLite or Redis.
package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// KV is per-key durable storage with optional expiry.
type KV interface {
	// Get returns "" and a nil error for missing or expired keys.
	Get(ctx context.Context, key string) (string, error)
	// Put stores value; ttl <= 0 means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// PutMax atomically stores value unless the stored integer is already
	// larger, and returns whichever value is kept.
	PutMax(ctx context.Context, key string, value int64) (int64, error)
	Close() error
}

const (
	refreshPrefix = "refresh:"
	cursorPrefix  = "lastsync:"
	statusPrefix  = "syncstatus:"
)

// Pass states recorded in Status.State.
const (
	StateSyncing = "SYNCING"
	StateIdle    = "IDLE"
	StateError   = "ERROR"
)

// Status is the outcome of the most recent pass for a user.
type Status struct {
	State     string    `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Failures  int       `json:"failures"`
	Processed int       `json:"processed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the pipeline's view of a KV.
type Store struct {
	kv KV
}

// New wraps kv.
func New(kv KV) *Store {
	return &Store{kv: kv}
}

// Close closes the underlying KV.
func (s *Store) Close() error { return s.kv.Close() }

// RefreshToken returns the stored refresh token for userID, or "" if the
// user never authorized.
func (s *Store) RefreshToken(ctx context.Context, userID string) (string, error) {
	v, err := s.kv.Get(ctx, refreshPrefix+userID)
	if err != nil {
		return "", fmt.Errorf("get refresh token: %w", err)
	}
	return v, nil
}

// PutRefreshToken stores the refresh token issued at authorization.
func (s *Store) PutRefreshToken(ctx context.Context, userID, token string) error {
	if userID == "" || token == "" {
		return fmt.Errorf("put refresh token: empty user or token")
	}
	if err := s.kv.Put(ctx, refreshPrefix+userID, token, 0); err != nil {
		return fmt.Errorf("put refresh token: %w", err)
	}
	return nil
}

// DeleteRefreshToken forgets the user's mailbox grant.
func (s *Store) DeleteRefreshToken(ctx context.Context, userID string) error {
	if err := s.kv.Delete(ctx, refreshPrefix+userID); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

// Users lists every user holding a refresh token.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, refreshPrefix)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]string, 0, len(keys))
	for _, k := range keys {
		users = append(users, strings.TrimPrefix(k, refreshPrefix))
	}
	return users, nil
}

// Cursor returns the end of the user's last completed pass. ok is false
// when the user has never completed one.
func (s *Store) Cursor(ctx context.Context, userID string) (t time.Time, ok bool, err error) {
	v, err := s.kv.Get(ctx, cursorPrefix+userID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get cursor: %w", err)
	}
	if v == "" {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		// An unreadable cursor is treated as absent so the user falls back
		// to the default lookback window.
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// AdvanceCursor moves the cursor to t unless it already points later, and
// returns the cursor now stored.
func (s *Store) AdvanceCursor(ctx context.Context, userID string, t time.Time) (time.Time, error) {
	kept, err := s.kv.PutMax(ctx, cursorPrefix+userID, t.UnixMilli())
	if err != nil {
		return time.Time{}, fmt.Errorf("advance cursor: %w", err)
	}
	return time.UnixMilli(kept).UTC(), nil
}

// SyncStatus returns the recorded outcome of the user's last pass, or the
// zero Status.
func (s *Store) SyncStatus(ctx context.Context, userID string) (Status, error) {
	var st Status
	v, err := s.kv.Get(ctx, statusPrefix+userID)
	if err != nil {
		return st, fmt.Errorf("get sync status: %w", err)
	}
	if v == "" {
		return st, nil
	}
	if err := json.Unmarshal([]byte(v), &st); err != nil {
		return Status{}, nil
	}
	return st, nil
}

// SetSyncStatus records the state of a pass. Consecutive ERROR states
// increment Failures; any other state resets it.
func (s *Store) SetSyncStatus(ctx context.Context, userID string, st Status) error {
	prev, err := s.SyncStatus(ctx, userID)
	if err != nil {
		return err
	}
	switch st.State {
	case StateError:
		st.Failures = prev.Failures + 1
	case StateSyncing:
		st.Failures = prev.Failures
	default:
		st.Failures = 0
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode sync status: %w", err)
	}
	if err := s.kv.Put(ctx, statusPrefix+userID, string(b), 0); err != nil {
		return fmt.Errorf("put sync status: %w", err)
	}
	return nil
}
