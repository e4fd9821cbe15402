package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/remote"
)

// Store keeps budgets and expenses in two PostgreSQL tables.
type Store struct {
	db     *sql.DB
	logger *applog.Logger
}

var (
	_ remote.Store  = (*Store)(nil)
	_ remote.Writer = (*Store)(nil)
)

// Open connects to databaseURL, applies migrations and returns a Store.
func Open(ctx context.Context, databaseURL string, logger *applog.Logger) (*Store, error) {
	databaseURL = NormalizeURL(databaseURL)
	config, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	db := stdlib.OpenDB(*config)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(databaseURL); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return New(db, logger), nil
}

// New wraps an already open database. The schema must exist.
func New(db *sql.DB, logger *applog.Logger) *Store {
	return &Store{db: db, logger: applog.OrDefault(logger, applog.ComponentRemote).With(applog.FieldBackend, "postgres")}
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// NormalizeURL rewrites postgresql:// to postgres:// and defaults sslmode to
// disable when the URL does not set it.
func NormalizeURL(databaseURL string) string {
	databaseURL = strings.TrimSpace(databaseURL)
	if strings.HasPrefix(databaseURL, "postgresql://") {
		databaseURL = "postgres://" + strings.TrimPrefix(databaseURL, "postgresql://")
	}
	if databaseURL != "" && !strings.Contains(databaseURL, "sslmode=") {
		separator := "?"
		if strings.Contains(databaseURL, "?") {
			separator = "&"
		}
		databaseURL += separator + "sslmode=disable"
	}
	return databaseURL
}

const selectBudget = `SELECT user_id, amount::text FROM budgets WHERE user_id = $1`

const selectExpenses = `
SELECT id, user_id, amount::text, category, date::text, notes, receipt_url
FROM expenses
WHERE user_id = $1
ORDER BY date, id`

func (s *Store) Load(ctx context.Context, userID string) (core.AppState, error) {
	if userID == "" {
		return core.AppState{}, remote.ErrEmptyUserID
	}

	var budget *remote.BudgetRecord
	var budgetUser, budgetAmount string
	err := s.db.QueryRowContext(ctx, selectBudget, userID).Scan(&budgetUser, &budgetAmount)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return core.AppState{}, fmt.Errorf("load budget: %w", err)
	default:
		amount, err := parseAmount(budgetAmount)
		if err != nil {
			return core.AppState{}, fmt.Errorf("load budget: %w", err)
		}
		budget = &remote.BudgetRecord{UserID: budgetUser, Amount: amount}
	}

	rows, err := s.db.QueryContext(ctx, selectExpenses, userID)
	if err != nil {
		return core.AppState{}, fmt.Errorf("load expenses: %w", err)
	}
	defer rows.Close()

	var records []remote.ExpenseRecord
	for rows.Next() {
		var rec remote.ExpenseRecord
		var amount string
		if err := rows.Scan(&rec.ID, &rec.UserID, &amount, &rec.Category, &rec.Date, &rec.Notes, &rec.ReceiptURL); err != nil {
			return core.AppState{}, fmt.Errorf("scan expense: %w", err)
		}
		if rec.Amount, err = parseAmount(amount); err != nil {
			s.logger.WarnContext(ctx, "Skipping expense with unreadable amount",
				applog.FieldExpenseID, rec.ID,
				applog.FieldError, err.Error())
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return core.AppState{}, fmt.Errorf("iterate expenses: %w", err)
	}

	state, skipped := remote.FromRecords(budget, records)
	if skipped != nil {
		s.logger.WarnContext(ctx, "Skipped invalid remote rows",
			applog.FieldUserID, userID,
			applog.FieldError, skipped.Error())
	}
	return state, nil
}

func (s *Store) Save(ctx context.Context, userID string, state core.AppState) error {
	return remote.SaveRecords(ctx, s, userID, state)
}

const upsertBudget = `
INSERT INTO budgets (user_id, amount, updated_at)
VALUES ($1, $2::numeric, now())
ON CONFLICT (user_id) DO UPDATE SET amount = excluded.amount, updated_at = now()`

func (s *Store) UpsertBudget(ctx context.Context, rec remote.BudgetRecord) error {
	if _, err := s.db.ExecContext(ctx, upsertBudget, rec.UserID, rec.Amount.String()); err != nil {
		return fmt.Errorf("upsert budget: %w", classify(err))
	}
	return nil
}

// The WHERE clause keeps one user's save from overwriting a row that belongs
// to another user.
const upsertExpense = `
INSERT INTO expenses (id, user_id, amount, category, date, notes, receipt_url, updated_at)
VALUES ($1, $2, $3::numeric, $4, $5::date, $6, $7, now())
ON CONFLICT (id) DO UPDATE SET
    amount = excluded.amount,
    category = excluded.category,
    date = excluded.date,
    notes = excluded.notes,
    receipt_url = excluded.receipt_url,
    updated_at = now()
WHERE expenses.user_id = excluded.user_id`

func (s *Store) UpsertExpense(ctx context.Context, rec remote.ExpenseRecord) error {
	res, err := s.db.ExecContext(ctx, upsertExpense,
		rec.ID, rec.UserID, rec.Amount.String(), rec.Category, rec.Date, rec.Notes, rec.ReceiptURL)
	if err != nil {
		return fmt.Errorf("upsert expense %s: %w", rec.ID, classify(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("upsert expense %s: %w", rec.ID, ErrForeignRow)
	}
	return nil
}

// ErrForeignRow is returned when an expense id already belongs to another user.
var ErrForeignRow = fmt.Errorf("id owned by another user: %w", remote.ErrPermanent)

// classify marks data exceptions (SQLSTATE class 22) and constraint
// violations (class 23) as permanent.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")) {
		return fmt.Errorf("%w: %w", remote.ErrPermanent, err)
	}
	return err
}

const deleteExpense = `DELETE FROM expenses WHERE id = $1 AND user_id = $2`

func (s *Store) DeleteExpense(ctx context.Context, userID, expenseID string) error {
	if userID == "" {
		return remote.ErrEmptyUserID
	}
	if _, err := s.db.ExecContext(ctx, deleteExpense, expenseID, userID); err != nil {
		return fmt.Errorf("delete expense %s: %w", expenseID, err)
	}
	return nil
}

func parseAmount(s string) (core.Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return core.Money{}, fmt.Errorf("%w: %q", core.ErrInvalidAmount, s)
	}
	return core.FromDecimal(d)
}
