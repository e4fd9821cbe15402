package memory

import (
	"context"
	"errors"
	"sync"

	"fintrack/internal/core"
	"fintrack/internal/remote"
)

// Operations recorded by Store.
const (
	OpLoad   = "load"
	OpSave   = "save"
	OpDelete = "delete"
)

// Call is one recorded invocation.
type Call struct {
	Op        string
	UserID    string
	State     core.AppState
	ExpenseID string
}

// Store keeps records in process. It records every call and can be told to
// fail, which makes it the remote double for sync tests as well as the
// default backend when nothing else is configured.
type Store struct {
	mu       sync.Mutex
	budgets  map[string]remote.BudgetRecord
	expenses map[string]map[string]remote.ExpenseRecord
	calls    []Call

	loadErr     error
	saveErr     error
	deleteErr   error
	failExpense map[string]error
	loadGate    chan struct{}
	notify      chan Call
}

var (
	_ remote.Store  = (*Store)(nil)
	_ remote.Writer = (*Store)(nil)
)

func New() *Store {
	return &Store{
		budgets:     make(map[string]remote.BudgetRecord),
		expenses:    make(map[string]map[string]remote.ExpenseRecord),
		failExpense: make(map[string]error),
	}
}

func (s *Store) Load(ctx context.Context, userID string) (core.AppState, error) {
	s.mu.Lock()
	s.record(Call{Op: OpLoad, UserID: userID})
	gate := s.loadGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return core.AppState{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return core.AppState{}, s.loadErr
	}
	var budget *remote.BudgetRecord
	if b, ok := s.budgets[userID]; ok {
		budget = &b
	}
	records := make([]remote.ExpenseRecord, 0, len(s.expenses[userID]))
	for _, rec := range s.expenses[userID] {
		records = append(records, rec)
	}
	state, _ := remote.FromRecords(budget, records)
	return state, nil
}

func (s *Store) Save(ctx context.Context, userID string, state core.AppState) error {
	s.mu.Lock()
	s.record(Call{Op: OpSave, UserID: userID, State: state.Clone()})
	err := s.saveErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return remote.SaveRecords(ctx, s, userID, state)
}

func (s *Store) UpsertBudget(_ context.Context, rec remote.BudgetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[rec.UserID] = rec
	return nil
}

func (s *Store) UpsertExpense(_ context.Context, rec remote.ExpenseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failExpense[rec.ID]; err != nil {
		return err
	}
	if s.expenses[rec.UserID] == nil {
		s.expenses[rec.UserID] = make(map[string]remote.ExpenseRecord)
	}
	s.expenses[rec.UserID][rec.ID] = rec
	return nil
}

func (s *Store) DeleteExpense(_ context.Context, userID, expenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(Call{Op: OpDelete, UserID: userID, ExpenseID: expenseID})
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.expenses[userID], expenseID)
	return nil
}

// record must be called with mu held.
func (s *Store) record(c Call) {
	s.calls = append(s.calls, c)
	if s.notify != nil {
		select {
		case s.notify <- c:
		default:
		}
	}
}

// Seed stores state for userID without recording a call.
func (s *Store) Seed(userID string, state core.AppState) {
	budget, records := remote.ToRecords(userID, state)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[userID] = budget
	s.expenses[userID] = make(map[string]remote.ExpenseRecord, len(records))
	for _, rec := range records {
		s.expenses[userID][rec.ID] = rec
	}
}

// Snapshot returns what is stored for userID, as Load would, without
// recording a call.
func (s *Store) Snapshot(userID string) core.AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	var budget *remote.BudgetRecord
	if b, ok := s.budgets[userID]; ok {
		budget = &b
	}
	records := make([]remote.ExpenseRecord, 0, len(s.expenses[userID]))
	for _, rec := range s.expenses[userID] {
		records = append(records, rec)
	}
	state, _ := remote.FromRecords(budget, records)
	return state
}

func (s *Store) SetLoadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadErr = err
}

func (s *Store) SetSaveError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *Store) SetDeleteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErr = err
}

// FailExpense makes upserts of the expense with id fail with err. A nil err
// clears the failure.
func (s *Store) FailExpense(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failExpense, id)
		return
	}
	s.failExpense[id] = err
}

// HoldLoads makes Load block until the returned release func is called or
// the caller's context ends.
func (s *Store) HoldLoads() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.loadGate = gate
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.loadGate == gate {
				s.loadGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Notify returns a channel receiving every recorded call. Calls are dropped
// when the buffer is full.
func (s *Store) Notify(buffer int) <-chan Call {
	ch := make(chan Call, buffer)
	s.mu.Lock()
	s.notify = ch
	s.mu.Unlock()
	return ch
}

// Calls returns the recorded calls in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsOf returns the recorded calls with the given op.
func (s *Store) CallsOf(op string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// ErrInjected is a convenience error for failure injection.
var ErrInjected = errors.New("injected remote failure")
