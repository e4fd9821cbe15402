package http

import (
	"errors"
	"net/http"
	"time"

	"fintrack/internal/core"
	"fintrack/internal/identity"
	applog "fintrack/internal/log"
	"fintrack/internal/services"
)

// validationErrors are the user input errors reported as 400.
var validationErrors = []error{
	core.ErrInvalidDate,
	core.ErrInvalidAmount,
	core.ErrEmptyNotes,
	core.ErrNotesTooLong,
	core.ErrInvalidCategory,
	core.ErrNegativeBudget,
	core.ErrEmptyID,
	core.ErrDuplicateID,
	errBadRequestBody,
	identity.ErrMissingUserID,
	services.ErrEmptyUserID,
}

// writeError maps service errors to responses. Anything unexpected is
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrSignedOut):
		UnauthorizedError("not signed in").Write(w)
	case errors.Is(err, identity.ErrInvalidToken):
		UnauthorizedError(err.Error()).Write(w)
	case errors.Is(err, services.ErrExpenseNotFound):
		NotFoundError(err.Error()).Write(w)
	case isValidationError(err):
		BadRequestError(err.Error()).Write(w)
	default:
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Request failed",
			applog.FieldPath, r.URL.Path,
			applog.FieldError, err)
		InternalServerError("internal error").Write(w)
	}
}

func isValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type healthBody struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Uptime    string `json:"uptime"`
	Phase     string `json:"phase"`
	Pending   bool   `json:"pendingSave"`
	Clients   int    `json:"wsClients"`
}

// handleHealth performs a basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().Body(healthBody{
		Status:    "ok",
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Phase:     s.sync.Phase().String(),
		Pending:   s.sync.Pending(),
		Clients:   s.hub.len(),
	}).Write(w)
}

type stateBody struct {
	UserID string        `json:"userId"`
	Phase  string        `json:"phase"`
	State  core.AppState `json:"state"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.expenses.State()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(stateBody{
		UserID: s.sync.UserID(),
		Phase:  s.sync.Phase().String(),
		State:  state,
	}).Write(w)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	params := ParseMonthParams(r.URL.Query(), s.now())
	overview, err := s.expenses.Summary(params.Time())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	NewJSONResponse().Body(overview).Write(w)
}
