package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/services"
)

// maxBodyBytes bounds request bodies. Expense payloads are tiny.
const maxBodyBytes = 64 << 10

var errBadRequestBody = errors.New("invalid request body")

// MonthParams holds parsed year/month values from request parameters.
type MonthParams struct {
	Year  int
	Month int
}

// ParseMonthParams extracts year and month from query parameters, using the
// month of now as defaults. Out-of-range months fall back to now.
func ParseMonthParams(query url.Values, now time.Time) MonthParams {
	params := MonthParams{
		Year:  now.Year(),
		Month: int(now.Month()),
	}

	if v := strings.TrimSpace(query.Get("year")); v != "" {
		if y, err := strconv.Atoi(v); err == nil && y > 0 {
			params.Year = y
		}
	}
	if v := strings.TrimSpace(query.Get("month")); v != "" {
		if m, err := strconv.Atoi(v); err == nil && m >= 1 && m <= 12 {
			params.Month = m
		}
	}

	return params
}

// Time returns a moment inside the month, for the summary builders.
func (p MonthParams) Time() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 12, 0, 0, 0, time.UTC)
}

// ParseListFilter reads ?category= and ?year=&month= from query. The month
// filter applies only when both year and month are given.
func ParseListFilter(query url.Values) (services.ListFilter, error) {
	var f services.ListFilter
	if v := strings.TrimSpace(query.Get("category")); v != "" {
		c, err := core.ParseCategory(v)
		if err != nil {
			return f, err
		}
		f.Category = c
	}

	year, month := strings.TrimSpace(query.Get("year")), strings.TrimSpace(query.Get("month"))
	if year == "" || month == "" {
		return f, nil
	}
	y, err := strconv.Atoi(year)
	if err != nil || y < 1 {
		return f, fmt.Errorf("%w: year %q", errBadRequestBody, year)
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return f, fmt.Errorf("%w: month %q", errBadRequestBody, month)
	}
	f.Year, f.Month = y, time.Month(m)
	return f, nil
}

// decodeJSON reads one JSON object from r into dst, rejecting unknown fields
// and trailing data.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequestBody)
		}
		return fmt.Errorf("%w: %v", errBadRequestBody, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data", errBadRequestBody)
	}
	return nil
}

// sanitizeInput removes control characters except tab, newline and carriage
// return, and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}

func sanitizeExpenseInput(in services.ExpenseInput) services.ExpenseInput {
	return services.ExpenseInput{
		Amount:     sanitizeInput(in.Amount),
		Category:   sanitizeInput(in.Category),
		Date:       sanitizeInput(in.Date),
		Notes:      sanitizeInput(in.Notes),
		ReceiptURL: sanitizeInput(in.ReceiptURL),
	}
}
