// Package outbox is a remote store that hands writes to a message broker. A
// worker applies them to the target store, so writes that fail there are
// retried by requeue instead of waiting for the next edit.
package outbox

import (
	"context"
	"fmt"
	"strings"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/remote"
)

// Publisher enqueues write messages.
type Publisher interface {
	PublishSave(ctx context.Context, userID string, state core.AppState) error
	PublishDelete(ctx context.Context, userID, expenseID string) error
}

// Store reads from the target store and publishes writes. A Save that
// returns nil means the state was accepted by the broker.
type Store struct {
	publisher Publisher
	target    remote.Store
	logger    *applog.Logger
}

var _ remote.Store = (*Store)(nil)

func New(publisher Publisher, target remote.Store, logger *applog.Logger) *Store {
	return &Store{
		publisher: publisher,
		target:    target,
		logger:    applog.OrDefault(logger, applog.ComponentRemote).With(applog.FieldBackend, "outbox"),
	}
}

func (s *Store) Load(ctx context.Context, userID string) (core.AppState, error) {
	return s.target.Load(ctx, userID)
}

func (s *Store) Save(ctx context.Context, userID string, state core.AppState) error {
	if strings.TrimSpace(userID) == "" {
		return remote.ErrEmptyUserID
	}
	if err := s.publisher.PublishSave(ctx, userID, state); err != nil {
		return fmt.Errorf("enqueue save: %w", err)
	}
	s.logger.DebugContext(ctx, "Enqueued save",
		applog.FieldUserID, userID,
		applog.FieldExpenseCount, len(state.Expenses))
	return nil
}

func (s *Store) DeleteExpense(ctx context.Context, userID, expenseID string) error {
	if strings.TrimSpace(userID) == "" {
		return remote.ErrEmptyUserID
	}
	if err := s.publisher.PublishDelete(ctx, userID, expenseID); err != nil {
		return fmt.Errorf("enqueue delete %s: %w", expenseID, err)
	}
	return nil
}
