package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/jobmail-sync/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// EventApplicationUpserted is the type of the only event this store emits.
const EventApplicationUpserted = "application.upserted"

// Store is the change-feed event log and its outbox.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
	Retries int
}

// ApplicationEvent is the payload published for every persisted record.
type ApplicationEvent struct {
	EventID  string `json:"event_id"`
	Type     string `json:"type"`
	TS       int64  `json:"ts"`
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`
	domain.Extraction
}

// Open opens or creates the event database
func Open(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// Subject returns the change-feed subject for a user. Characters that
// would split or wildcard a NATS subject token are replaced.
func Subject(userID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, userID)
	return fmt.Sprintf("user.%s.%s", token, EventApplicationUpserted)
}

// ApplicationUpserted records rec as an event and queues it for publishing
// in one transaction.
func (s *Store) ApplicationUpserted(ctx context.Context, rec domain.Record) error {
	ev := ApplicationEvent{
		EventID:    uuid.NewString(),
		Type:       EventApplicationUpserted,
		TS:         s.now().Unix(),
		UserID:     rec.UserID,
		ThreadID:   rec.ThreadID,
		Extraction: rec.Extraction,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := s.AppendApplicationUpsertedTx(ctx, tx, ev, Subject(rec.UserID), payload, ev.EventID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AppendApplicationUpsertedTx appends an event and its outbox entry within tx.
func (s *Store) AppendApplicationUpsertedTx(
	ctx context.Context,
	tx *sql.Tx,
	ev ApplicationEvent,
	natsSubject string,
	payload []byte,
	msgID string,
) error {
	var status *string
	if ev.Status != nil {
		status = domain.Str(string(*ev.Status))
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO application_events
		(event_id, ts, user_id, thread_id, company, role, status, application_date, source, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.TS, ev.UserID, ev.ThreadID,
		ev.Company, ev.Role, status, ev.ApplicationDate, ev.Source, ev.Confidence)
	if err != nil {
		return fmt.Errorf("failed to insert application event: %w", err)
	}

	now := s.now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, natsSubject, ev.Type, payload, msgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return nil
}

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID, &msg.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// PendingCount returns how many messages are not yet published.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

// PurgePublished deletes outbox rows published before cutoff.
func (s *Store) PurgePublished(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at < ?
	`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return res.RowsAffected()
}

// History returns the events recorded for one thread, oldest first.
func (s *Store) History(ctx context.Context, userID, threadID string) ([]ApplicationEvent, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT event_id, ts, company, role, status, application_date, source, confidence
		FROM application_events
		WHERE user_id = ? AND thread_id = ?
		ORDER BY ts, rowid
	`, userID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []ApplicationEvent
	for rows.Next() {
		var (
			ev                                     ApplicationEvent
			company, role, status, appDate, source sql.NullString
		)
		if err := rows.Scan(&ev.EventID, &ev.TS, &company, &role, &status, &appDate, &source, &ev.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = EventApplicationUpserted
		ev.UserID, ev.ThreadID = userID, threadID
		ev.Company = nullable(company)
		ev.Role = nullable(role)
		ev.ApplicationDate = nullable(appDate)
		ev.Source = nullable(source)
		if st, ok := domain.ParseStage(status.String); ok {
			ev.Status = &st
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return domain.Str(ns.String)
}
