package remote

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"

	"fintrack/internal/core"
)

// BudgetRecord is the remote shape of a user's budget, keyed by user id.
type BudgetRecord struct {
	UserID string     `json:"user_id"`
	Amount core.Money `json:"amount"`
}

// ExpenseRecord is the remote shape of one expense, keyed by id.
type ExpenseRecord struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Amount     core.Money `json:"amount"`
	Category   string     `json:"category"`
	Date       string     `json:"date"`
	Notes      string     `json:"notes"`
	ReceiptURL string     `json:"receipt_url,omitempty"`
}

// ToRecords decomposes state into the budget record and expense records for
// userID. Expense ids are passed through unchanged.
func ToRecords(userID string, state core.AppState) (BudgetRecord, []ExpenseRecord) {
	budget := BudgetRecord{UserID: userID, Amount: state.Budget}
	expenses := make([]ExpenseRecord, 0, len(state.Expenses))
	for _, e := range state.Expenses {
		expenses = append(expenses, ToRecord(userID, e))
	}
	return budget, expenses
}

func ToRecord(userID string, e core.Expense) ExpenseRecord {
	return ExpenseRecord{
		ID:         e.ID,
		UserID:     userID,
		Amount:     e.Amount,
		Category:   string(e.Category),
		Date:       e.Date.String(),
		Notes:      e.Notes,
		ReceiptURL: e.ReceiptURL,
	}
}

// Expense converts a record back into a domain expense with remote origin.
func (r ExpenseRecord) Expense() (core.Expense, error) {
	if strings.TrimSpace(r.ID) == "" {
		return core.Expense{}, core.ErrEmptyID
	}
	date, err := core.ParseDate(r.Date)
	if err != nil {
		return core.Expense{}, fmt.Errorf("expense %s: %w", r.ID, err)
	}
	e := core.Expense{
		ID:         r.ID,
		Amount:     r.Amount,
		Category:   core.Category(r.Category),
		Date:       date,
		Notes:      r.Notes,
		ReceiptURL: r.ReceiptURL,
		Origin:     core.OriginRemote,
	}
	if err := e.Validate(); err != nil {
		return core.Expense{}, fmt.Errorf("expense %s: %w", r.ID, err)
	}
	return e, nil
}

// FromRecords assembles a state from stored records. A nil budget means no
// budget row exists. Expenses are ordered by date, then id. Records that do
// not form a valid expense are left out and reported in skipped; duplicate
// ids keep the first occurrence.
func FromRecords(budget *BudgetRecord, records []ExpenseRecord) (state core.AppState, skipped error) {
	state = core.EmptyState()
	var errs *multierror.Error
	if budget != nil {
		if err := core.ValidateBudget(budget.Amount); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("budget: %w", err))
		} else {
			state.Budget = budget.Amount
		}
	}

	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		e, err := rec.Expense()
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if _, dup := seen[e.ID]; dup {
			errs = multierror.Append(errs, fmt.Errorf("expense %s: %w", e.ID, core.ErrDuplicateID))
			continue
		}
		seen[e.ID] = struct{}{}
		state.Expenses = append(state.Expenses, e)
	}

	sort.SliceStable(state.Expenses, func(i, j int) bool {
		a, b := state.Expenses[i], state.Expenses[j]
		if !a.Date.Equal(b.Date.Time) {
			return a.Date.Before(b.Date.Time)
		}
		return a.ID < b.ID
	})
	return state, errs.ErrorOrNil()
}
