package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
	"github.com/Martian-dev/jobmail-sync/internal/extract"
	"github.com/Martian-dev/jobmail-sync/internal/metrics"
	"github.com/Martian-dev/jobmail-sync/internal/tokenstore"
)

// Phase is a step of a sync pass.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseTokenAcquired Phase = "token_acquired"
	PhasePaginating    Phase = "paginating"
	PhaseProcessing    Phase = "per_thread_processing"
	PhaseCursorAdvance Phase = "cursor_advance"
)

// SyncError is a pass that ended in the failed state. Phase is where the
// pass was when it failed.
type SyncError struct {
	Phase Phase
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync failed during %s: %v", e.Phase, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// TokenSource yields a fresh mailbox access token for a user.
type TokenSource interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// StateStore holds the per-user cursor and pass status.
type StateStore interface {
	Cursor(ctx context.Context, userID string) (time.Time, bool, error)
	AdvanceCursor(ctx context.Context, userID string, t time.Time) (time.Time, error)
	SetSyncStatus(ctx context.Context, userID string, st tokenstore.Status) error
}

// Extractor turns message text into a normalized extraction.
type Extractor interface {
	Extract(ctx context.Context, text string) (extract.Result, error)
}

// RecordWriter persists application records keyed by (user, thread).
type RecordWriter interface {
	Upsert(ctx context.Context, rec domain.Record) error
}

// EventSink is told about every persisted record.
type EventSink interface {
	ApplicationUpserted(ctx context.Context, rec domain.Record) error
}

// Options are the pass thresholds.
type Options struct {
	PageCap          int
	PageSize         int64
	DefaultLookback  time.Duration
	JobLikeThreshold float64
}

// DefaultOptions mirror the production defaults.
func DefaultOptions() Options {
	return Options{
		PageCap:          5,
		PageSize:         100,
		DefaultLookback:  14 * 24 * time.Hour,
		JobLikeThreshold: 0.5,
	}
}

// Summary describes a finished pass.
type Summary struct {
	Processed int       `json:"processed"`
	Scanned   int       `json:"scanned"`
	Skipped   int       `json:"skipped"`
	Pages     int       `json:"pages"`
	Truncated bool      `json:"truncated"`
	StartedAt time.Time `json:"startedAt"`
	Cursor    time.Time `json:"cursor"`
}

// Runner runs one sync pass for one user: acquire a token, page through
// candidate threads, extract and persist each, then advance the cursor.
type Runner struct {
	Tokens    TokenSource
	State     StateStore
	Provider  MailProvider
	Extractor Extractor
	Records   RecordWriter
	Events    EventSink // optional
	Options   Options
	Log       *zap.Logger
	Now       func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) logger() *zap.Logger {
	if r.Log != nil {
		return r.Log
	}
	return zap.NewNop()
}

// RunSync runs a single pass. On success the cursor is at least the pass
// start time and the summary counts persisted threads. On failure the
// cursor is untouched and the error is a *SyncError.
func (r *Runner) RunSync(ctx context.Context, userID string) (*Summary, error) {
	start := r.now()
	sum := &Summary{StartedAt: start}
	log := r.logger().With(zap.String("user_id", userID))

	r.setStatus(ctx, log, userID, tokenstore.Status{State: tokenstore.StateSyncing})

	fail := func(phase Phase, err error) (*Summary, error) {
		serr := &SyncError{Phase: phase, Err: err}
		log.Error("sync pass failed",
			zap.String("phase", string(phase)),
			zap.String("reason", domain.Reason(err)),
			zap.Error(err))
		// Status writes must outlive a cancelled pass.
		r.setStatus(context.WithoutCancel(ctx), log, userID, tokenstore.Status{
			State:     tokenstore.StateError,
			LastError: err.Error(),
			Reason:    domain.Reason(err),
			Processed: sum.Processed,
		})
		metrics.SyncPass("failed", time.Since(start))
		return sum, serr
	}

	phase := PhaseIdle
	token, err := r.Tokens.AccessToken(ctx, userID)
	if err != nil {
		return fail(phase, err)
	}
	phase = PhaseTokenAcquired

	cursor, hasCursor, err := r.State.Cursor(ctx, userID)
	if err != nil {
		return fail(phase, err)
	}
	query := BuildQuery(RecencyFilter(cursor, hasCursor, r.Options.DefaultLookback))
	log.Debug("starting pass", zap.String("query", query), zap.Bool("incremental", hasCursor))

	pager := &Pager{
		Provider:    r.Provider,
		AccessToken: token,
		Query:       query,
		PageSize:    r.Options.PageSize,
		PageCap:     r.Options.PageCap,
	}

	phase = PhasePaginating
	for id, err := range pager.IDs(ctx) {
		if err != nil {
			sum.Pages = pager.Pages()
			return fail(PhasePaginating, err)
		}
		phase = PhaseProcessing
		sum.Scanned++
		if r.processThread(ctx, log, token, userID, id) {
			sum.Processed++
		} else {
			sum.Skipped++
		}
		if err := ctx.Err(); err != nil {
			sum.Pages = pager.Pages()
			return fail(phase, err)
		}
	}
	sum.Pages = pager.Pages()
	sum.Truncated = pager.Truncated()
	if err := ctx.Err(); err != nil {
		return fail(phase, err)
	}
	if sum.Truncated {
		log.Warn("page cap reached, older results left unread", zap.Int("pages", sum.Pages))
	}

	phase = PhaseCursorAdvance
	kept, err := r.State.AdvanceCursor(ctx, userID, start)
	if err != nil {
		return fail(phase, err)
	}
	sum.Cursor = kept

	r.setStatus(ctx, log, userID, tokenstore.Status{
		State:     tokenstore.StateIdle,
		Processed: sum.Processed,
	})
	metrics.SyncPass("ok", time.Since(start))
	log.Info("sync pass complete",
		zap.Int("processed", sum.Processed),
		zap.Int("scanned", sum.Scanned),
		zap.Int("pages", sum.Pages),
		zap.Bool("truncated", sum.Truncated))
	return sum, nil
}

// processThread reports whether the thread produced a persisted record.
// Every failure here is local to the thread.
func (r *Runner) processThread(ctx context.Context, log *zap.Logger, token, userID, threadID string) bool {
	log = log.With(zap.String("thread_id", threadID))

	thread, err := r.Provider.GetThread(ctx, token, threadID)
	if err != nil {
		log.Warn("thread fetch failed, skipping", zap.Error(err))
		metrics.Thread(metrics.OutcomeFetchFailed)
		return false
	}

	text := ResolveText(thread)
	if text == "" {
		metrics.Thread(metrics.OutcomeEmpty)
		return false
	}

	res, err := r.Extractor.Extract(ctx, text)
	if err != nil {
		log.Warn("extraction failed, skipping", zap.Error(err))
		metrics.Thread(metrics.OutcomeExtractFailed)
		return false
	}
	if !res.IsJobLike(r.Options.JobLikeThreshold) {
		metrics.Thread(metrics.OutcomeNotJobLike)
		return false
	}

	rec := domain.Record{
		UserID:     userID,
		ThreadID:   threadID,
		Extraction: res.Extraction,
		UpdatedAt:  r.now().UTC(),
	}
	if err := r.Records.Upsert(ctx, rec); err != nil {
		var uerr *domain.UpsertError
		if !errors.As(err, &uerr) {
			err = &domain.UpsertError{ThreadID: threadID, Err: err}
		}
		log.Warn("record upsert failed, skipping", zap.Error(err))
		metrics.Thread(metrics.OutcomeUpsertFailed)
		return false
	}
	metrics.Thread(metrics.OutcomePersisted)

	if r.Events != nil {
		if err := r.Events.ApplicationUpserted(ctx, rec); err != nil {
			log.Warn("change event not recorded", zap.Error(err))
		}
	}
	return true
}

func (r *Runner) setStatus(ctx context.Context, log *zap.Logger, userID string, st tokenstore.Status) {
	if err := r.State.SetSyncStatus(ctx, userID, st); err != nil {
		log.Warn("failed to record sync status", zap.String("state", st.State), zap.Error(err))
	}
}
