package sheets

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"fintrack/internal/core"
	"fintrack/internal/remote"
)

// Column layout of the two tabs. Row 1 holds headers.
var (
	budgetHeaders  = []any{"user_id", "amount"}
	expenseHeaders = []any{"id", "user_id", "amount", "category", "date", "notes", "receipt_url"}
)

const (
	colID = iota
	colUserID
	colAmount
	colCategory
	colDate
	colNotes
	colReceiptURL
)

// rowRef locates an expense row and records who owns it.
type rowRef struct {
	row    int
	userID string
}

// rowIndex maps an expense id to its 1-based row.
type rowIndex map[string]rowRef

// parseBudgetRows finds userID's budget. The returned row is 0 when no row
// exists.
func parseBudgetRows(values [][]any, userID string) (*remote.BudgetRecord, int, error) {
	for i, row := range values {
		cols := toStrings(row)
		if i == 0 && isHeader(cols, "user_id") {
			continue
		}
		if safeGet(cols, 0) != userID {
			continue
		}
		amount, err := parseAmount(safeCell(row, 1))
		if err != nil {
			return nil, i + 1, fmt.Errorf("budget row %d: %w", i+1, err)
		}
		return &remote.BudgetRecord{UserID: userID, Amount: amount}, i + 1, nil
	}
	return nil, 0, nil
}

// parseExpenseRows returns userID's expense records and the row of every id
// in the tab. Blank rows left by deletes are skipped. Rows with an amount
// that cannot be read are counted in bad.
func parseExpenseRows(values [][]any, userID string) (records []remote.ExpenseRecord, rows rowIndex, bad int) {
	rows = make(rowIndex)
	for i, row := range values {
		cols := toStrings(row)
		if i == 0 && isHeader(cols, "id") {
			continue
		}
		id := safeGet(cols, colID)
		if id == "" {
			continue
		}
		owner := safeGet(cols, colUserID)
		if _, seen := rows[id]; !seen {
			rows[id] = rowRef{row: i + 1, userID: owner}
		}
		if owner != userID {
			continue
		}
		amount, err := parseAmount(safeCell(row, colAmount))
		if err != nil {
			bad++
			continue
		}
		records = append(records, remote.ExpenseRecord{
			ID:         id,
			UserID:     userID,
			Amount:     amount,
			Category:   safeGet(cols, colCategory),
			Date:       safeGet(cols, colDate),
			Notes:      safeGet(cols, colNotes),
			ReceiptURL: safeGet(cols, colReceiptURL),
		})
	}
	return records, rows, bad
}

func expenseRow(rec remote.ExpenseRecord) []any {
	amount, _ := rec.Amount.Decimal().Float64()
	return []any{rec.ID, rec.UserID, amount, rec.Category, rec.Date, rec.Notes, rec.ReceiptURL}
}

func budgetRow(rec remote.BudgetRecord) []any {
	amount, _ := rec.Amount.Decimal().Float64()
	return []any{rec.UserID, amount}
}

// parseAmount reads a cell holding a number or a numeric string. A decimal
// comma is accepted.
func parseAmount(v any) (core.Money, error) {
	var s string
	switch n := v.(type) {
	case float64:
		s = strconv.FormatFloat(n, 'f', -1, 64)
	case nil:
		return core.Money{}, fmt.Errorf("%w: empty cell", core.ErrInvalidAmount)
	default:
		s = strings.ReplaceAll(strings.TrimSpace(fmt.Sprint(n)), ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return core.Money{}, fmt.Errorf("%w: %q", core.ErrInvalidAmount, s)
	}
	return core.FromDecimal(d)
}

func isHeader(cols []string, first string) bool {
	return strings.EqualFold(safeGet(cols, 0), first)
}

func toStrings(in []any) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return arr[idx]
}

func safeCell(row []any, idx int) any {
	if idx < 0 || idx >= len(row) {
		return nil
	}
	return row[idx]
}
