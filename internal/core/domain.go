package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Food          Category = "Food"
	Travel        Category = "Travel"
	Bills         Category = "Bills"
	Entertainment Category = "Entertainment"
	Shopping      Category = "Shopping"
	Health        Category = "Health"
	Other         Category = "Other"
)

const (
	// OriginLocal marks an expense created on this device that has not been
	// confirmed by a remote save yet.
	OriginLocal Origin = "local"
	// OriginRemote marks an expense known to exist in the remote store.
	OriginRemote Origin = "remote"
)

// MaxNotesLength bounds the free-text description of an expense.
const MaxNotesLength = 500

const dateLayout = "2006-01-02"

type (
	Category string

	Origin string

	Date struct {
		time.Time
	}

	Expense struct {
		ID         string   `json:"id"`
		Amount     Money    `json:"amount"`
		Category   Category `json:"category"`
		Date       Date     `json:"date"`
		Notes      string   `json:"notes"`
		ReceiptURL string   `json:"receiptUrl,omitempty"`
		Origin     Origin   `json:"origin,omitempty"`
	}

	// AppState is the aggregate root persisted as a whole to the local mirror.
	// Expenses keep insertion order; ids are unique.
	AppState struct {
		Expenses []Expense `json:"expenses"`
		Budget   Money     `json:"budget"`
	}
)

var (
	ErrInvalidDate     = errors.New("invalid date")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrEmptyNotes      = errors.New("empty notes")
	ErrNotesTooLong    = fmt.Errorf("notes too long (max %d characters)", MaxNotesLength)
	ErrInvalidCategory = errors.New("invalid category")
	ErrNegativeBudget  = errors.New("budget cannot be negative")
	ErrEmptyID         = errors.New("empty expense id")
	ErrDuplicateID     = errors.New("duplicate expense id")
)

var allCategories = []Category{Food, Travel, Bills, Entertainment, Shopping, Health, Other}

// Categories returns the closed set of categories in display order.
func Categories() []Category {
	return append([]Category(nil), allCategories...)
}

func (c Category) Valid() bool {
	for _, known := range allCategories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory resolves a category name case-insensitively.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	for _, known := range allCategories {
		if strings.EqualFold(s, string(known)) {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf keeps the calendar date of t as seen in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, int(m), d)
}

// ParseDate accepts YYYY-MM-DD or an RFC 3339 timestamp.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(dateLayout, s); err == nil {
		return DateOf(t), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return DateOf(t), nil
}

func (d Date) Validate() error {
	if d.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

// InMonth reports whether the date falls in the given calendar month.
func (d Date) InMonth(year int, month time.Month) bool {
	y, m, _ := d.Date()
	return y == year && m == month
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDate, err)
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Validate checks the fields a user supplies. The id is not checked here
// because new expenses get one assigned after validation.
func (e Expense) Validate() error {
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if !e.Category.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, e.Category)
	}
	if err := e.Date.Validate(); err != nil {
		return err
	}
	notes := strings.TrimSpace(e.Notes)
	if notes == "" {
		return ErrEmptyNotes
	}
	if len(notes) > MaxNotesLength {
		return ErrNotesTooLong
	}
	return nil
}

// ValidateBudget accepts zero (unset) and positive amounts.
func ValidateBudget(m Money) error {
	if m.Cents < 0 {
		return ErrNegativeBudget
	}
	return nil
}

// EmptyState is the state of a user with no data.
func EmptyState() AppState {
	return AppState{Expenses: []Expense{}}
}

// IsTrivial reports whether the state holds no expenses and no budget.
func (s AppState) IsTrivial() bool {
	return len(s.Expenses) == 0 && s.Budget.Cents == 0
}

// Clone returns a copy that shares nothing mutable with s.
func (s AppState) Clone() AppState {
	out := AppState{Budget: s.Budget, Expenses: make([]Expense, len(s.Expenses))}
	copy(out.Expenses, s.Expenses)
	return out
}

// Find returns the expense with the given id.
func (s AppState) Find(id string) (Expense, bool) {
	for _, e := range s.Expenses {
		if e.ID == id {
			return e, true
		}
	}
	return Expense{}, false
}

// Validate checks every expense and the uniqueness of ids.
func (s AppState) Validate() error {
	if err := ValidateBudget(s.Budget); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(s.Expenses))
	for i, e := range s.Expenses {
		if strings.TrimSpace(e.ID) == "" {
			return fmt.Errorf("expense %d: %w", i, ErrEmptyID)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("expense %s: %w", e.ID, ErrDuplicateID)
		}
		seen[e.ID] = struct{}{}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("expense %s: %w", e.ID, err)
		}
	}
	return nil
}

// IDs returns the expense ids in state order.
func (s AppState) IDs() []string {
	ids := make([]string, len(s.Expenses))
	for i, e := range s.Expenses {
		ids[i] = e.ID
	}
	return ids
}
