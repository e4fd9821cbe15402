package core

// IntentKind names a state transition.
type IntentKind string

const (
	KindAddExpense    IntentKind = "add_expense"
	KindUpdateExpense IntentKind = "update_expense"
	KindDeleteExpense IntentKind = "delete_expense"
	KindSetBudget     IntentKind = "set_budget"
	KindReplaceState  IntentKind = "replace_state"
	KindClearState    IntentKind = "clear_state"
	KindMarkSynced    IntentKind = "mark_synced"
)

// Intent is a request to change AppState. Reduce is the only consumer.
type Intent interface {
	Kind() IntentKind
}

type (
	// AddExpense appends an expense whose id was assigned by the caller.
	AddExpense struct{ Expense Expense }
	// UpdateExpense replaces the expense with the same id.
	UpdateExpense struct{ Expense Expense }
	// DeleteExpense removes the expense with the given id.
	DeleteExpense struct{ ID string }
	SetBudget     struct{ Amount Money }
	// ReplaceState swaps the whole state, used after loads.
	ReplaceState struct{ State AppState }
	ClearState   struct{}
	// MarkSynced records that the listed expenses now exist remotely.
	MarkSynced struct{ IDs []string }
)

func (AddExpense) Kind() IntentKind    { return KindAddExpense }
func (UpdateExpense) Kind() IntentKind { return KindUpdateExpense }
func (DeleteExpense) Kind() IntentKind { return KindDeleteExpense }
func (SetBudget) Kind() IntentKind     { return KindSetBudget }
func (ReplaceState) Kind() IntentKind  { return KindReplaceState }
func (ClearState) Kind() IntentKind    { return KindClearState }
func (MarkSynced) Kind() IntentKind    { return KindMarkSynced }

// IsUserEdit reports whether the intent is an edit made by the user, the
// kind that must be mirrored and eventually pushed to the remote store.
func IsUserEdit(i Intent) bool {
	switch i.Kind() {
	case KindAddExpense, KindUpdateExpense, KindDeleteExpense, KindSetBudget:
		return true
	default:
		return false
	}
}

// Reduce applies intent to state and returns the new state. It never
// modifies the slices of its input, so earlier snapshots stay valid.
func Reduce(state AppState, intent Intent) AppState {
	switch in := intent.(type) {
	case AddExpense:
		if _, exists := state.Find(in.Expense.ID); exists {
			return state
		}
		expenses := make([]Expense, 0, len(state.Expenses)+1)
		expenses = append(expenses, state.Expenses...)
		expenses = append(expenses, in.Expense)
		return AppState{Expenses: expenses, Budget: state.Budget}

	case UpdateExpense:
		expenses := make([]Expense, len(state.Expenses))
		for i, e := range state.Expenses {
			if e.ID == in.Expense.ID {
				expenses[i] = in.Expense
				continue
			}
			expenses[i] = e
		}
		return AppState{Expenses: expenses, Budget: state.Budget}

	case DeleteExpense:
		expenses := make([]Expense, 0, len(state.Expenses))
		for _, e := range state.Expenses {
			if e.ID != in.ID {
				expenses = append(expenses, e)
			}
		}
		return AppState{Expenses: expenses, Budget: state.Budget}

	case SetBudget:
		return AppState{Expenses: state.Expenses, Budget: in.Amount}

	case ReplaceState:
		return in.State.Clone()

	case ClearState:
		return EmptyState()

	case MarkSynced:
		synced := make(map[string]struct{}, len(in.IDs))
		for _, id := range in.IDs {
			synced[id] = struct{}{}
		}
		expenses := make([]Expense, len(state.Expenses))
		for i, e := range state.Expenses {
			if _, ok := synced[e.ID]; ok {
				e.Origin = OriginRemote
			}
			expenses[i] = e
		}
		return AppState{Expenses: expenses, Budget: state.Budget}

	default:
		return state
	}
}
