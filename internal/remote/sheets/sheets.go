package sheets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/remote"
)

// Config selects the spreadsheet, its tabs and the service account used.
type Config struct {
	SpreadsheetID   string
	CredentialsJSON string
	CredentialsFile string
	BudgetsSheet    string
	ExpensesSheet   string
}

// Store keeps budgets and expenses as rows of two tabs in one spreadsheet.
// Rows are located by id on every call; deleted expenses leave a blank row.
type Store struct {
	svc           *gsheet.Service
	spreadsheetID string
	budgetsSheet  string
	expensesSheet string
	logger        *applog.Logger

	// Serializes read-modify-write sequences so two saves in this process do
	// not both append the same new row.
	mu sync.Mutex
}

var _ remote.Store = (*Store)(nil)

// ErrForeignRow is returned when an expense id already belongs to another user.
var ErrForeignRow = fmt.Errorf("expense id owned by another user: %w", remote.ErrPermanent)

// New creates a Store authenticated with service account credentials.
func New(ctx context.Context, cfg Config, logger *applog.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.SpreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet id")
	}
	credentialsJSON, err := loadCredentials(cfg)
	if err != nil {
		return nil, err
	}
	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return NewWithService(svc, cfg, logger), nil
}

// NewWithService wraps an existing Sheets service.
func NewWithService(svc *gsheet.Service, cfg Config, logger *applog.Logger) *Store {
	budgets := strings.TrimSpace(cfg.BudgetsSheet)
	if budgets == "" {
		budgets = "Budgets"
	}
	expenses := strings.TrimSpace(cfg.ExpensesSheet)
	if expenses == "" {
		expenses = "Expenses"
	}
	return &Store{
		svc:           svc,
		spreadsheetID: cfg.SpreadsheetID,
		budgetsSheet:  budgets,
		expensesSheet: expenses,
		logger:        applog.OrDefault(logger, applog.ComponentRemote).With(applog.FieldBackend, "sheets"),
	}
}

func loadCredentials(cfg Config) ([]byte, error) {
	switch {
	case strings.TrimSpace(cfg.CredentialsJSON) != "":
		return []byte(cfg.CredentialsJSON), nil
	case strings.TrimSpace(cfg.CredentialsFile) != "":
		data, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON or GOOGLE_SERVICE_ACCOUNT_FILE)")
	}
}

func (s *Store) readTab(ctx context.Context, sheet, cols string) ([][]any, error) {
	rng := fmt.Sprintf("%s!%s", sheet, cols)
	resp, err := s.svc.Spreadsheets.Values.Get(s.spreadsheetID, rng).
		ValueRenderOption("UNFORMATTED_VALUE").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rng, err)
	}
	return resp.Values, nil
}

func (s *Store) Load(ctx context.Context, userID string) (core.AppState, error) {
	if userID == "" {
		return core.AppState{}, remote.ErrEmptyUserID
	}
	budgetValues, err := s.readTab(ctx, s.budgetsSheet, "A:B")
	if err != nil {
		return core.AppState{}, err
	}
	budget, _, err := parseBudgetRows(budgetValues, userID)
	if err != nil {
		return core.AppState{}, err
	}

	expenseValues, err := s.readTab(ctx, s.expensesSheet, "A:G")
	if err != nil {
		return core.AppState{}, err
	}
	records, _, bad := parseExpenseRows(expenseValues, userID)
	state, skipped := remote.FromRecords(budget, records)
	if bad > 0 || skipped != nil {
		s.logger.WarnContext(ctx, "Skipped invalid sheet rows",
			applog.FieldUserID, userID,
			"unreadable", bad,
			applog.FieldError, fmt.Sprint(skipped))
	}
	return state, nil
}

// Save reads both tabs once to locate existing rows, then updates those rows
// in place and appends the rest.
func (s *Store) Save(ctx context.Context, userID string, state core.AppState) error {
	if userID == "" {
		return remote.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	budgetValues, err := s.readTab(ctx, s.budgetsSheet, "A:B")
	if err != nil {
		return err
	}
	_, budgetRowNum, _ := parseBudgetRows(budgetValues, userID)

	expenseValues, err := s.readTab(ctx, s.expensesSheet, "A:G")
	if err != nil {
		return err
	}
	_, rows, _ := parseExpenseRows(expenseValues, userID)

	w := &rowWriter{
		store:             s,
		budgetRow:         budgetRowNum,
		budgetNeedHeader:  len(budgetValues) == 0,
		expenseRows:       rows,
		expenseNeedHeader: len(expenseValues) == 0,
	}
	return remote.SaveRecords(ctx, w, userID, state)
}

func (s *Store) DeleteExpense(ctx context.Context, userID, expenseID string) error {
	if userID == "" {
		return remote.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.readTab(ctx, s.expensesSheet, "A:G")
	if err != nil {
		return err
	}
	for i, row := range values {
		cols := toStrings(row)
		if safeGet(cols, colID) != expenseID || safeGet(cols, colUserID) != userID {
			continue
		}
		rng := fmt.Sprintf("%s!A%d:G%d", s.expensesSheet, i+1, i+1)
		if _, err := s.svc.Spreadsheets.Values.Clear(s.spreadsheetID, rng, &gsheet.ClearValuesRequest{}).
			Context(ctx).Do(); err != nil {
			return fmt.Errorf("clear %s: %w", rng, err)
		}
		return nil
	}
	return nil
}

// rowWriter applies one save using the row positions read at its start.
type rowWriter struct {
	store             *Store
	budgetRow         int
	budgetNeedHeader  bool
	expenseRows       rowIndex
	expenseNeedHeader bool
}

func (w *rowWriter) UpsertBudget(ctx context.Context, rec remote.BudgetRecord) error {
	s := w.store
	if w.budgetRow > 0 {
		return s.updateRow(ctx, s.budgetsSheet, "A", "B", w.budgetRow, budgetRow(rec))
	}
	rows := [][]any{budgetRow(rec)}
	if w.budgetNeedHeader {
		rows = append([][]any{budgetHeaders}, rows...)
		w.budgetNeedHeader = false
	}
	return s.appendRows(ctx, s.budgetsSheet, "A:B", rows)
}

func (w *rowWriter) UpsertExpense(ctx context.Context, rec remote.ExpenseRecord) error {
	s := w.store
	if ref, ok := w.expenseRows[rec.ID]; ok {
		if ref.userID != rec.UserID {
			return ErrForeignRow
		}
		return s.updateRow(ctx, s.expensesSheet, "A", "G", ref.row, expenseRow(rec))
	}
	rows := [][]any{expenseRow(rec)}
	if w.expenseNeedHeader {
		rows = append([][]any{expenseHeaders}, rows...)
		w.expenseNeedHeader = false
	}
	return s.appendRows(ctx, s.expensesSheet, "A:G", rows)
}

func (s *Store) updateRow(ctx context.Context, sheet, from, to string, row int, values []any) error {
	rng := fmt.Sprintf("%s!%s%d:%s%d", sheet, from, row, to, row)
	vr := &gsheet.ValueRange{Values: [][]any{values}}
	if _, err := s.svc.Spreadsheets.Values.Update(s.spreadsheetID, rng, vr).
		ValueInputOption("RAW").Context(ctx).Do(); err != nil {
		return fmt.Errorf("update %s: %w", rng, err)
	}
	return nil
}

func (s *Store) appendRows(ctx context.Context, sheet, cols string, rows [][]any) error {
	rng := fmt.Sprintf("%s!%s", sheet, cols)
	vr := &gsheet.ValueRange{Values: rows}
	if _, err := s.svc.Spreadsheets.Values.Append(s.spreadsheetID, rng, vr).
		ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do(); err != nil {
		return fmt.Errorf("append %s: %w", rng, err)
	}
	return nil
}
