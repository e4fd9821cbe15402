// Package worker applies queued remote writes to the target store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"fintrack/internal/amqp"
	applog "fintrack/internal/log"
	"fintrack/internal/remote"
)

// Consumer feeds messages to the handlers until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, onSave amqp.SaveHandler, onDelete amqp.DeleteHandler) error
}

// Stats counts handled messages since start.
type Stats struct {
	Saves    int64
	Deletes  int64
	Failures int64
	Stale    int64
}

type Worker struct {
	target        remote.Store
	logger        *applog.Logger
	statsInterval time.Duration

	saves    atomic.Int64
	deletes  atomic.Int64
	failures atomic.Int64
	stale    atomic.Int64

	mu      sync.Mutex
	applied map[string]time.Time
}

// New creates a worker writing to target. A statsInterval of 0 disables the
// periodic stats log.
func New(target remote.Store, statsInterval time.Duration, logger *applog.Logger) *Worker {
	return &Worker{
		target:        target,
		statsInterval: statsInterval,
		logger:        applog.OrDefault(logger, applog.ComponentWorker),
		applied:       make(map[string]time.Time),
	}
}

// HandleSave upserts the queued state. A partial failure is returned whole so
// the message is requeued; upserts are idempotent, so records already written
// are simply written again. A save older than the last one applied for the
// same user is acknowledged without writing, so a redelivered message never
// puts back amounts a newer save replaced. Failures no retry can fix are
// marked amqp.ErrPermanent.
func (w *Worker) HandleSave(ctx context.Context, msg *amqp.SaveMessage) error {
	logger := w.logger.With(applog.FieldUserID, msg.UserID)
	if w.superseded(msg.UserID, msg.Timestamp) {
		w.stale.Add(1)
		logger.InfoContext(ctx, "Skipping save superseded by a newer one",
			"enqueued_at", msg.Timestamp)
		return nil
	}
	logger.InfoContext(ctx, "Processing save message",
		applog.FieldExpenseCount, len(msg.State.Expenses),
		"enqueued_at", msg.Timestamp)

	if err := w.target.Save(ctx, msg.UserID, msg.State); err != nil {
		w.failures.Add(1)
		var saveErr *remote.SaveError
		if errors.As(err, &saveErr) {
			logger.WarnContext(ctx, "Partial save",
				"budget_failed", saveErr.BudgetFailed,
				"failed_ids", saveErr.FailedIDs)
		}
		if remote.IsPermanent(err) {
			return fmt.Errorf("%w: save state: %w", amqp.ErrPermanent, err)
		}
		return fmt.Errorf("save state: %w", err)
	}

	w.markApplied(msg.UserID, msg.Timestamp)
	w.saves.Add(1)
	logger.InfoContext(ctx, "Saved state to target store")
	return nil
}

func (w *Worker) superseded(userID string, at time.Time) bool {
	if at.IsZero() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return at.Before(w.applied[userID])
}

func (w *Worker) markApplied(userID string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if at.After(w.applied[userID]) {
		w.applied[userID] = at
	}
}

func (w *Worker) HandleDelete(ctx context.Context, msg *amqp.DeleteMessage) error {
	if err := w.target.DeleteExpense(ctx, msg.UserID, msg.ExpenseID); err != nil {
		w.failures.Add(1)
		if remote.IsPermanent(err) {
			return fmt.Errorf("%w: delete expense %s: %w", amqp.ErrPermanent, msg.ExpenseID, err)
		}
		return fmt.Errorf("delete expense %s: %w", msg.ExpenseID, err)
	}
	w.deletes.Add(1)
	w.logger.InfoContext(ctx, "Deleted expense from target store",
		applog.FieldUserID, msg.UserID,
		applog.FieldExpenseID, msg.ExpenseID)
	return nil
}

func (w *Worker) Stats() Stats {
	return Stats{
		Saves:    w.saves.Load(),
		Deletes:  w.deletes.Load(),
		Failures: w.failures.Load(),
		Stale:    w.stale.Load(),
	}
}

// Run consumes until ctx is cancelled or the consumer fails.
func (w *Worker) Run(ctx context.Context, consumer Consumer) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.Consume(ctx, w.HandleSave, w.HandleDelete)
	})

	if w.statsInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(w.statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					s := w.Stats()
					w.logger.InfoContext(ctx, "Worker stats",
						"saves", s.Saves,
						"deletes", s.Deletes,
						"failures", s.Failures,
						"stale", s.Stale)
				}
			}
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
