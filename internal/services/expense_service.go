package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
)

var ErrExpenseNotFound = errors.New("expense not found")

// ExpenseInput is an expense as entered by the user, before validation.
type ExpenseInput struct {
	Amount     string `json:"amount"`
	Category   string `json:"category"`
	Date       string `json:"date"`
	Notes      string `json:"notes"`
	ReceiptURL string `json:"receiptUrl,omitempty"`
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Category core.Category
	Year     int
	Month    time.Month
}

// ExpenseService validates user input and turns it into intents on the
// SyncCore. Rejected input leaves the state unchanged.
type ExpenseService struct {
	sync   *SyncCore
	newID  func() string
	logger *applog.Logger
}

func NewExpenseService(sync *SyncCore, logger *applog.Logger) *ExpenseService {
	return &ExpenseService{
		sync:   sync,
		newID:  core.NewExpenseID,
		logger: applog.OrDefault(logger, applog.ComponentExpense),
	}
}

func (in ExpenseInput) toExpense(id string, origin core.Origin) (core.Expense, error) {
	amount, err := core.ParseAmount(in.Amount)
	if err != nil {
		return core.Expense{}, err
	}
	category, err := core.ParseCategory(in.Category)
	if err != nil {
		return core.Expense{}, err
	}
	date, err := core.ParseDate(in.Date)
	if err != nil {
		return core.Expense{}, err
	}
	e := core.Expense{
		ID:         id,
		Amount:     amount,
		Category:   category,
		Date:       date,
		Notes:      strings.TrimSpace(in.Notes),
		ReceiptURL: strings.TrimSpace(in.ReceiptURL),
		Origin:     origin,
	}
	if err := e.Validate(); err != nil {
		return core.Expense{}, err
	}
	return e, nil
}

// AddExpense validates in, assigns a fresh id and appends the expense.
func (s *ExpenseService) AddExpense(ctx context.Context, in ExpenseInput) (core.Expense, error) {
	e, err := in.toExpense(s.newID(), core.OriginLocal)
	if err != nil {
		return core.Expense{}, fmt.Errorf("add expense: %w", err)
	}
	if err := s.sync.Dispatch(ctx, core.AddExpense{Expense: e}); err != nil {
		return core.Expense{}, err
	}
	s.logger.InfoContext(ctx, "Expense added",
		applog.NewFields().
			WithUser(s.sync.UserID()).
			WithExpense(e.ID, e.Amount.Cents, string(e.Category)).
			ToSlice()...)
	return e, nil
}

// UpdateExpense replaces the expense with id. The expense keeps its origin.
func (s *ExpenseService) UpdateExpense(ctx context.Context, id string, in ExpenseInput) (core.Expense, error) {
	existing, ok := s.sync.Snapshot().Find(id)
	if !ok {
		if s.sync.UserID() == "" {
			return core.Expense{}, ErrSignedOut
		}
		return core.Expense{}, fmt.Errorf("update expense %s: %w", id, ErrExpenseNotFound)
	}
	e, err := in.toExpense(id, existing.Origin)
	if err != nil {
		return core.Expense{}, fmt.Errorf("update expense: %w", err)
	}
	if err := s.sync.Dispatch(ctx, core.UpdateExpense{Expense: e}); err != nil {
		return core.Expense{}, err
	}
	return e, nil
}

// DeleteExpense removes the expense locally and remotely. Deleting an
// unknown id is not an error.
func (s *ExpenseService) DeleteExpense(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("delete expense: %w", core.ErrEmptyID)
	}
	return s.sync.DeleteExpense(ctx, id)
}

// SetBudget parses and stores the monthly budget. Zero clears it.
func (s *ExpenseService) SetBudget(ctx context.Context, amount string) (core.Money, error) {
	m, err := core.ParseBudget(amount)
	if err != nil {
		return core.Money{}, fmt.Errorf("set budget: %w", err)
	}
	if err := s.sync.Dispatch(ctx, core.SetBudget{Amount: m}); err != nil {
		return core.Money{}, err
	}
	return m, nil
}

// State returns the current state of the signed-in user.
func (s *ExpenseService) State() (core.AppState, error) {
	if s.sync.UserID() == "" {
		return core.AppState{}, ErrSignedOut
	}
	return s.sync.Snapshot(), nil
}

// List returns expenses newest first, narrowed by f.
func (s *ExpenseService) List(f ListFilter) ([]core.Expense, error) {
	state, err := s.State()
	if err != nil {
		return nil, err
	}
	expenses := core.FilterByCategory(state.Expenses, f.Category)
	if f.Year != 0 && f.Month != 0 {
		expenses = core.InMonth(expenses, f.Year, f.Month)
	}
	return core.SortByDateDesc(expenses), nil
}

// Summary aggregates the month containing now.
func (s *ExpenseService) Summary(now time.Time) (core.MonthOverview, error) {
	state, err := s.State()
	if err != nil {
		return core.MonthOverview{}, err
	}
	return core.Overview(state, now), nil
}
