package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
)

// UserLister lists the users that have a mailbox connected.
type UserLister interface {
	Users(ctx context.Context) ([]string, error)
}

// SweepResult summarizes one pass over every connected user.
type SweepResult struct {
	Users     int `json:"users"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Busy      int `json:"busy"`
	Processed int `json:"processed"`
}

// Manager runs passes for many users while keeping at most one pass per
// user in flight.
type Manager struct {
	runner        *Runner
	users         UserLister
	maxConcurrent int
	passTimeout   time.Duration
	log           *zap.Logger

	runners      map[string]context.CancelFunc
	runnersMutex sync.RWMutex
}

// NewManager creates sync manager
func NewManager(runner *Runner, users UserLister, maxConcurrent int, log *zap.Logger) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		runner:        runner,
		users:         users,
		maxConcurrent: maxConcurrent,
		log:           log,
		runners:       make(map[string]context.CancelFunc),
	}
}

// WithPassTimeout bounds every pass started by the manager. Zero means no
// bound beyond the caller's context.
func (m *Manager) WithPassTimeout(d time.Duration) *Manager {
	m.passTimeout = d
	return m
}

// Sync runs one pass for userID and waits for it. It returns
// domain.ErrSyncInProgress when a pass for the user is already running.
func (m *Manager) Sync(ctx context.Context, userID string) (*Summary, error) {
	m.runnersMutex.Lock()
	if _, exists := m.runners[userID]; exists {
		m.runnersMutex.Unlock()
		return nil, fmt.Errorf("user %s: %w", userID, domain.ErrSyncInProgress)
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if m.passTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, m.passTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	m.runners[userID] = cancel
	m.runnersMutex.Unlock()

	defer func() {
		cancel()
		m.runnersMutex.Lock()
		delete(m.runners, userID)
		m.runnersMutex.Unlock()
	}()

	return m.runner.RunSync(runCtx, userID)
}

// IsRunning checks if a pass is running for the user
func (m *Manager) IsRunning(userID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[userID]
	return exists
}

// Cancel stops the user's running pass, which then fails without moving
// the cursor. It reports whether a pass was running.
func (m *Manager) Cancel(userID string) bool {
	m.runnersMutex.RLock()
	cancel, exists := m.runners[userID]
	m.runnersMutex.RUnlock()
	if exists {
		cancel()
	}
	return exists
}

// StopAll cancels every running pass.
func (m *Manager) StopAll() {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	for userID, cancel := range m.runners {
		m.log.Info("stopping sync", zap.String("user_id", userID))
		cancel()
	}
}

// SyncAll runs one pass for every connected user, at most maxConcurrent at
// a time. A user's failure does not stop the others.
func (m *Manager) SyncAll(ctx context.Context) (SweepResult, error) {
	users, err := m.users.Users(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list users: %w", err)
	}

	var (
		mu  sync.Mutex
		res = SweepResult{Users: len(users)}
	)
	g := new(errgroup.Group)
	g.SetLimit(m.maxConcurrent)
	for _, userID := range users {
		g.Go(func() error {
			sum, err := m.Sync(ctx, userID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Succeeded++
				res.Processed += sum.Processed
			case errors.Is(err, domain.ErrSyncInProgress):
				res.Busy++
			default:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info("sweep complete",
		zap.Int("users", res.Users),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("busy", res.Busy),
		zap.Int("processed", res.Processed))
	return res, nil
}

// Start sweeps all users every interval until ctx is done. A non-positive
// interval returns immediately.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("scheduled sync enabled", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SyncAll(ctx); err != nil {
				m.log.Error("scheduled sweep failed", zap.Error(err))
			}
		}
	}
}
