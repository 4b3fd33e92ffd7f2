// Package outbox delivers appended events to downstream consumers such as
// the notification scheduler. Records are written in the append
// transaction; this package only moves them out.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidahmann/dealledger/internal/ledger"
)

type Publisher interface {
	Publish(ctx context.Context, rec ledger.OutboxRecord) error
}

type PublisherFunc func(ctx context.Context, rec ledger.OutboxRecord) error

func (f PublisherFunc) Publish(ctx context.Context, rec ledger.OutboxRecord) error {
	return f(ctx, rec)
}

// Fanout publishes to every publisher in order and stops at the first error.
// Consumers must tolerate redelivery.
func Fanout(pubs ...Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, rec ledger.OutboxRecord) error {
		for _, p := range pubs {
			if err := p.Publish(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ProcessDue publishes due pending records and marks them sent. A failed
// publish is rescheduled with exponential backoff.
func ProcessDue(ctx context.Context, store ledger.Store, pub Publisher, now time.Time, limit int) (int, error) {
	if store == nil {
		return 0, fmt.Errorf("missing store")
	}
	if pub == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 50
	}
	now = now.UTC()

	due, err := store.ListOutboxDue(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if rec.Status != ledger.OutboxPending {
			continue
		}

		if err := pub.Publish(ctx, rec); err != nil {
			rec.NextAttemptAt = now.Add(NextAttempt(rec.AttemptCount))
			rec.AttemptCount++
			msg := err.Error()
			rec.LastError = &msg
			rec.UpdatedAt = now
			if err := store.PutOutbox(ctx, rec); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		rec.Status = ledger.OutboxSent
		sentAt := now
		rec.SentAt = &sentAt
		rec.UpdatedAt = now
		if err := store.PutOutbox(ctx, rec); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// NextAttempt is the delay after attemptCount failures: 5s, 10s, 20s, ...
// capped at 5m.
func NextAttempt(attemptCount int) time.Duration {
	base := 5 * time.Second
	max := 5 * time.Minute
	if attemptCount <= 0 {
		return base
	}
	if attemptCount >= 7 {
		return max
	}
	d := base << attemptCount
	if d > max {
		return max
	}
	return d
}

// RunWorker polls for due records until ctx is cancelled.
func RunWorker(ctx context.Context, store ledger.Store, pub Publisher, pollInterval time.Duration, logger *slog.Logger) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "outbox")

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := ProcessDue(ctx, store, pub, now, 25)
			if err != nil && ctx.Err() == nil {
				logger.ErrorContext(ctx, "outbox pass failed", "error", err)
				continue
			}
			if n > 0 {
				logger.DebugContext(ctx, "outbox pass", "processed", n)
			}
		}
	}
}
