// Package remote defines the contract for the multi-device copy of a user's
// state and the record shapes the adapters persist.
package remote

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"

	"fintrack/internal/core"
)

// Store is a remote persistence backend. Implementations must tolerate
// repeated saves of the same state and deletes of missing ids.
type Store interface {
	// Load returns everything stored for userID. A user with no data yields
	// an empty state and no error.
	Load(ctx context.Context, userID string) (core.AppState, error)
	// Save upserts the budget and every expense in state.
	Save(ctx context.Context, userID string, state core.AppState) error
	// DeleteExpense removes one expense.
	DeleteExpense(ctx context.Context, userID, expenseID string) error
}

// Writer is the per-record write surface shared by the adapters that
// decompose a state into records.
type Writer interface {
	UpsertBudget(ctx context.Context, rec BudgetRecord) error
	UpsertExpense(ctx context.Context, rec ExpenseRecord) error
}

var ErrEmptyUserID = errors.New("empty user id")

// ErrPermanent marks a write that fails the same way however often it is
// retried, such as an id owned by another user or a row the backend's
// constraints refuse. Adapters wrap it.
var ErrPermanent = errors.New("permanent remote failure")

// IsPermanent reports whether retrying the write behind err cannot succeed.
// A *SaveError is permanent only when every record in it failed permanently.
func IsPermanent(err error) bool {
	var saveErr *SaveError
	if errors.As(err, &saveErr) && saveErr.errs != nil && saveErr.errs.Len() > 0 {
		for _, e := range saveErr.errs.Errors {
			if !errors.Is(e, ErrPermanent) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, ErrPermanent)
}

// SaveError reports a save where some records were not written. Records not
// listed were written.
type SaveError struct {
	BudgetFailed bool
	FailedIDs    []string
	errs         *multierror.Error
}

func (e *SaveError) Error() string {
	return "remote save: " + e.errs.Error()
}

func (e *SaveError) Unwrap() error {
	return e.errs.ErrorOrNil()
}

// Failed reports whether the expense with id was not written.
func (e *SaveError) Failed(id string) bool {
	return slices.Contains(e.FailedIDs, id)
}

// NewSaveError returns an empty SaveError for adapters that collect
// per-record failures themselves.
func NewSaveError() *SaveError {
	return &SaveError{errs: &multierror.Error{}}
}

func (e *SaveError) AddBudgetFailure(err error) {
	e.BudgetFailed = true
	e.errs = multierror.Append(e.errs, fmt.Errorf("budget: %w", err))
}

func (e *SaveError) AddExpenseFailure(id string, err error) {
	e.FailedIDs = append(e.FailedIDs, id)
	e.errs = multierror.Append(e.errs, fmt.Errorf("expense %s: %w", id, err))
}

// ErrorOrNil returns nil when no failure was added.
func (e *SaveError) ErrorOrNil() error {
	if e == nil || e.errs.Len() == 0 {
		return nil
	}
	return e
}

// SaveRecords writes the budget first and then each expense, attempting every
// record even after failures. Failures are returned together as a *SaveError.
func SaveRecords(ctx context.Context, w Writer, userID string, state core.AppState) error {
	if strings.TrimSpace(userID) == "" {
		return ErrEmptyUserID
	}
	budget, expenses := ToRecords(userID, state)

	saveErr := NewSaveError()
	if err := w.UpsertBudget(ctx, budget); err != nil {
		saveErr.AddBudgetFailure(err)
	}
	for _, rec := range expenses {
		if err := ctx.Err(); err != nil {
			saveErr.AddExpenseFailure(rec.ID, err)
			continue
		}
		if err := w.UpsertExpense(ctx, rec); err != nil {
			saveErr.AddExpenseFailure(rec.ID, err)
		}
	}
	return saveErr.ErrorOrNil()
}

// SavedIDs returns the ids from ids that a save returning err actually wrote.
func SavedIDs(ids []string, err error) []string {
	if err == nil {
		return ids
	}
	var saveErr *SaveError
	if !errors.As(err, &saveErr) {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !saveErr.Failed(id) {
			out = append(out, id)
		}
	}
	return out
}
