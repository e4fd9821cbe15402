package core

import (
	"sort"
	"time"
)

// Budget usage thresholds, in percent.
const (
	WarningThreshold = 50.0
	DangerThreshold  = 80.0
)

type BudgetLevel string

const (
	LevelOK      BudgetLevel = "ok"
	LevelWarning BudgetLevel = "warning"
	LevelDanger  BudgetLevel = "danger"
)

// CategoryAmount represents an amount aggregated by category.
type CategoryAmount struct {
	Category Category `json:"category"`
	Amount   Money    `json:"amount"`
}

// BudgetStatus compares a month's spending against the budget.
type BudgetStatus struct {
	Year         int         `json:"year"`
	Month        int         `json:"month"`
	Spent        Money       `json:"spent"`
	Budget       Money       `json:"budget"`
	Remaining    Money       `json:"remaining"`
	UsagePercent float64     `json:"usagePercent"`
	Level        BudgetLevel `json:"level"`
}

// DayPoint is one day of the spending timeline.
type DayPoint struct {
	Day        int   `json:"day"`
	Amount     Money `json:"amount"`
	Cumulative Money `json:"cumulative"`
}

// Timeline is the per-day spending of one month.
type Timeline struct {
	Year         int        `json:"year"`
	Month        int        `json:"month"`
	Days         []DayPoint `json:"days"`
	DailyAverage Money      `json:"dailyAverage"`
}

// MonthOverview is a compact summary for a specific year+month.
type MonthOverview struct {
	Status     BudgetStatus     `json:"status"`
	ByCategory []CategoryAmount `json:"byCategory"`
	Timeline   Timeline         `json:"timeline"`
}

// InMonth returns the expenses dated in the given month, in input order.
func InMonth(expenses []Expense, year int, month time.Month) []Expense {
	out := make([]Expense, 0, len(expenses))
	for _, e := range expenses {
		if e.Date.InMonth(year, month) {
			out = append(out, e)
		}
	}
	return out
}

// MonthlyTotal sums the expenses dated in the given month.
func MonthlyTotal(expenses []Expense, year int, month time.Month) Money {
	var total Money
	for _, e := range InMonth(expenses, year, month) {
		total = total.Add(e.Amount)
	}
	return total
}

// StatusFor computes budget usage for the month containing now.
func StatusFor(state AppState, now time.Time) BudgetStatus {
	year, month, _ := now.Date()
	spent := MonthlyTotal(state.Expenses, year, month)
	st := BudgetStatus{
		Year:      year,
		Month:     int(month),
		Spent:     spent,
		Budget:    state.Budget,
		Remaining: state.Budget.Sub(spent),
		Level:     LevelOK,
	}
	if state.Budget.Cents > 0 {
		st.UsagePercent = float64(spent.Cents) / float64(state.Budget.Cents) * 100
	}
	switch {
	case st.UsagePercent > DangerThreshold:
		st.Level = LevelDanger
	case st.UsagePercent > WarningThreshold:
		st.Level = LevelWarning
	}
	return st
}

// CategoryBreakdown totals the month's expenses per category, in category
// order, omitting categories with no spending.
func CategoryBreakdown(expenses []Expense, year int, month time.Month) []CategoryAmount {
	totals := make(map[Category]Money)
	for _, e := range InMonth(expenses, year, month) {
		totals[e.Category] = totals[e.Category].Add(e.Amount)
	}
	out := make([]CategoryAmount, 0, len(totals))
	for _, c := range allCategories {
		if amount, ok := totals[c]; ok {
			out = append(out, CategoryAmount{Category: c, Amount: amount})
		}
	}
	return out
}

// DailyTimeline returns one point per calendar day of the month with daily
// and running totals. The daily average only counts days with spending.
func DailyTimeline(expenses []Expense, year int, month time.Month) Timeline {
	daysInMonth := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	daily := make([]Money, daysInMonth+1)
	for _, e := range InMonth(expenses, year, month) {
		daily[e.Date.Day()] = daily[e.Date.Day()].Add(e.Amount)
	}

	tl := Timeline{Year: year, Month: int(month), Days: make([]DayPoint, 0, daysInMonth)}
	var running Money
	activeDays := 0
	for day := 1; day <= daysInMonth; day++ {
		running = running.Add(daily[day])
		if daily[day].Cents > 0 {
			activeDays++
		}
		tl.Days = append(tl.Days, DayPoint{Day: day, Amount: daily[day], Cumulative: running})
	}
	if activeDays > 0 {
		tl.DailyAverage = Money{Cents: running.Cents / int64(activeDays)}
	}
	return tl
}

// Overview builds every dashboard aggregate for the month containing now.
func Overview(state AppState, now time.Time) MonthOverview {
	year, month, _ := now.Date()
	return MonthOverview{
		Status:     StatusFor(state, now),
		ByCategory: CategoryBreakdown(state.Expenses, year, month),
		Timeline:   DailyTimeline(state.Expenses, year, month),
	}
}

// SortByDateDesc returns a copy ordered newest first. Ties keep state order.
func SortByDateDesc(expenses []Expense) []Expense {
	out := append([]Expense(nil), expenses...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.After(out[j].Date.Time)
	})
	return out
}

// FilterByCategory keeps expenses of one category; an empty category keeps all.
func FilterByCategory(expenses []Expense, c Category) []Expense {
	if c == "" {
		return append([]Expense(nil), expenses...)
	}
	out := make([]Expense, 0, len(expenses))
	for _, e := range expenses {
		if e.Category == c {
			out = append(out, e)
		}
	}
	return out
}
