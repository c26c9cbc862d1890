package natsjs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/jobmail-sync/internal/eventstore/sqlite"
	"github.com/Martian-dev/jobmail-sync/internal/metrics"
)

// Outbox is the queue the dispatcher drains.
type Outbox interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// pendingCounter is implemented by outboxes that can report their depth.
type pendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// EventPublisher sends one message. Implementations must de-duplicate on
// msgID.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, msgID string) error
}

// Dispatcher moves outbox rows to the change feed.
type Dispatcher struct {
	Outbox    Outbox
	Publisher EventPublisher
	Log       *zap.Logger

	BatchSize   int
	IdleWait    time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (d *Dispatcher) defaults() {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 100
	}
	if d.IdleWait <= 0 {
		d.IdleWait = 500 * time.Millisecond
	}
	if d.BaseBackoff <= 0 {
		d.BaseBackoff = 10 * time.Second
	}
	if d.MaxBackoff <= 0 {
		d.MaxBackoff = 10 * time.Minute
	}
}

// Backoff returns the delay before retry number retries+1.
func (d *Dispatcher) Backoff(retries int) time.Duration {
	d.defaults()
	b := d.BaseBackoff
	for i := 0; i < retries && b < d.MaxBackoff; i++ {
		b *= 2
	}
	if b > d.MaxBackoff {
		b = d.MaxBackoff
	}
	return b
}

// DrainOnce publishes one batch of due messages and reports how many were
// published.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	d.defaults()
	messages, err := d.Outbox.DequeueOutbox(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, msg := range messages {
		if err := d.Publisher.Publish(ctx, msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := d.Backoff(msg.Retries)
			d.Log.Warn("publish failed, will retry",
				zap.Int64("outbox_id", msg.ID),
				zap.Int("retries", msg.Retries),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			metrics.OutboxEvent("retry")
			if err := d.Outbox.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				d.Log.Error("failed to schedule retry", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
			continue
		}

		if err := d.Outbox.MarkPublished(ctx, msg.ID); err != nil {
			// JetStream de-duplicates the resend on the next drain.
			d.Log.Error("failed to mark published", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			continue
		}
		metrics.OutboxEvent("published")
		published++
	}

	if pc, ok := d.Outbox.(pendingCounter); ok {
		if n, err := pc.PendingCount(ctx); err == nil {
			metrics.OutboxPending(n)
		}
	}
	return published, nil
}

// Run drains the outbox until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.defaults()
	for {
		n, err := d.DrainOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.Log.Error("error dequeuing outbox", zap.Error(err))
		}

		wait := time.Duration(0)
		if err != nil {
			wait = time.Second
		} else if n == 0 {
			wait = d.IdleWait
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}
