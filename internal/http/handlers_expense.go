package http

import (
	"net/http"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/services"
)

type listBody struct {
	Expenses []core.Expense `json:"expenses"`
	Count    int            `json:"count"`
	Total    core.Money     `json:"total"`
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseListFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	expenses, err := s.expenses.List(filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if expenses == nil {
		expenses = []core.Expense{}
	}
	var total core.Money
	for _, e := range expenses {
		total = total.Add(e.Amount)
	}
	NewJSONResponse().Body(listBody{Expenses: expenses, Count: len(expenses), Total: total}).Write(w)
}

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	var in services.ExpenseInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	exp, err := s.expenses.AddExpense(r.Context(), sanitizeExpenseInput(in))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	applog.FromContext(r.Context()).InfoContext(r.Context(), "Expense created",
		applog.FieldExpenseID, exp.ID,
		applog.FieldAmountCents, exp.Amount.Cents,
		applog.FieldCategory, exp.Category)
	NewJSONResponse().
		Status(http.StatusCreated).
		Header("Location", "/api/expenses/"+exp.ID).
		Body(exp).
		Write(w)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	id := sanitizeInput(r.PathValue("id"))
	var in services.ExpenseInput
	if err := decodeJSON(w, r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}

	exp, err := s.expenses.UpdateExpense(r.Context(), id, sanitizeExpenseInput(in))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(exp).Write(w)
}

// handleDeleteExpense removes the expense locally and fires the remote
// delete in the background. Deleting an unknown id is not an error.
func (s *Server) handleDeleteExpense(w http.ResponseWriter, r *http.Request) {
	id := sanitizeInput(r.PathValue("id"))
	if err := s.expenses.DeleteExpense(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	NoContent().Write(w)
}

type budgetRequest struct {
	Amount string `json:"amount"`
}

type budgetBody struct {
	Budget core.Money `json:"budget"`
}

func (s *Server) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	var req budgetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	budget, err := s.expenses.SetBudget(r.Context(), sanitizeInput(req.Amount))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(budgetBody{Budget: budget}).Write(w)
}
