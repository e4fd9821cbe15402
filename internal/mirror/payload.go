package mirror

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"fintrack/internal/core"
)

// CurrentVersion is the payload version written by Encode.
const CurrentVersion = 2

// ErrMalformedPayload is returned for payloads that cannot be turned into a
// valid AppState. Callers treat it the same as an absent entry.
var ErrMalformedPayload = errors.New("malformed mirror payload")

type envelope struct {
	Version int           `json:"version"`
	State   core.AppState `json:"state"`
}

// Encode serializes state into the current versioned envelope.
func Encode(state core.AppState) ([]byte, error) {
	if state.Expenses == nil {
		state.Expenses = []core.Expense{}
	}
	data, err := json.Marshal(envelope{Version: CurrentVersion, State: state})
	if err != nil {
		return nil, fmt.Errorf("encode mirror payload: %w", err)
	}
	return data, nil
}

// Decode parses a stored payload of any known version. Only a payload whose
// shape is wrong is malformed: budget not a number, expenses not an array.
// Individual expenses that are unreadable, invalid or repeat an earlier id
// are left out and reported in skipped, as is an invalid budget value.
func Decode(data []byte) (state core.AppState, skipped error, err error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil || top == nil {
		return core.AppState{}, nil, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}

	rawVersion, versioned := top["version"]
	if !versioned {
		return decodeLegacy(top)
	}

	var version int
	if err := json.Unmarshal(rawVersion, &version); err != nil {
		return core.AppState{}, nil, fmt.Errorf("%w: version: %v", ErrMalformedPayload, err)
	}
	switch version {
	case 1, CurrentVersion:
		fields, err := stateFields(top)
		if err != nil {
			return core.AppState{}, nil, err
		}
		if version == 1 {
			return decodeLegacy(fields)
		}
		return decodeFields(fields["expenses"], fields["budget"])
	default:
		return core.AppState{}, nil, fmt.Errorf("%w: unknown version %d", ErrMalformedPayload, version)
	}
}

func stateFields(top map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	rawState, ok := top["state"]
	if !ok {
		return nil, fmt.Errorf("%w: missing state", ErrMalformedPayload)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rawState, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: state is not an object", ErrMalformedPayload)
	}
	return fields, nil
}

// decodeLegacy migrates a version 1 payload, the bare state object written
// before payloads carried a version tag. Origin was not recorded then, so
// UUID-shaped ids are assumed to have come from the remote store.
func decodeLegacy(fields map[string]json.RawMessage) (core.AppState, error, error) {
	state, skipped, err := decodeFields(fields["expenses"], fields["budget"])
	if err != nil {
		return core.AppState{}, nil, err
	}
	for i := range state.Expenses {
		if core.IsUUID(state.Expenses[i].ID) {
			state.Expenses[i].Origin = core.OriginRemote
		} else {
			state.Expenses[i].Origin = core.OriginLocal
		}
	}
	return state, skipped, nil
}

func decodeFields(rawExpenses, rawBudget json.RawMessage) (core.AppState, error, error) {
	rawExpenses = bytes.TrimSpace(rawExpenses)
	rawBudget = bytes.TrimSpace(rawBudget)

	if !isNumber(rawBudget) {
		return core.AppState{}, nil, fmt.Errorf("%w: budget is not numeric", ErrMalformedPayload)
	}
	if len(rawExpenses) == 0 || rawExpenses[0] != '[' {
		return core.AppState{}, nil, fmt.Errorf("%w: expenses is not an array", ErrMalformedPayload)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(rawExpenses, &items); err != nil {
		return core.AppState{}, nil, fmt.Errorf("%w: expenses: %v", ErrMalformedPayload, err)
	}

	state := core.EmptyState()
	var errs *multierror.Error
	if err := json.Unmarshal(rawBudget, &state.Budget); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("budget: %w", err))
		state.Budget = core.Money{}
	} else if err := core.ValidateBudget(state.Budget); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("budget: %w", err))
		state.Budget = core.Money{}
	}

	seen := make(map[string]struct{}, len(items))
	for i, raw := range items {
		var e core.Expense
		if err := json.Unmarshal(raw, &e); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("expense %d: %w", i, err))
			continue
		}
		if strings.TrimSpace(e.ID) == "" {
			errs = multierror.Append(errs, fmt.Errorf("expense %d: %w", i, core.ErrEmptyID))
			continue
		}
		if err := e.Validate(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("expense %s: %w", e.ID, err))
			continue
		}
		if _, dup := seen[e.ID]; dup {
			errs = multierror.Append(errs, fmt.Errorf("expense %s: %w", e.ID, core.ErrDuplicateID))
			continue
		}
		seen[e.ID] = struct{}{}
		state.Expenses = append(state.Expenses, e)
	}
	return state, errs.ErrorOrNil(), nil
}

// isNumber rejects numeric strings, which json.Number would accept.
func isNumber(raw json.RawMessage) bool {
	if len(raw) == 0 || raw[0] == '"' {
		return false
	}
	var n json.Number
	return json.Unmarshal(raw, &n) == nil
}
