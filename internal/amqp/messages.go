package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"fintrack/internal/core"
)

// Message kinds, carried in the AMQP Type property.
const (
	KindSave   = "state.save"
	KindDelete = "expense.delete"
)

var ErrMalformedMessage = errors.New("malformed message")

// SaveMessage asks the worker to upsert a user's full state into the target
// store.
type SaveMessage struct {
	UserID    string        `json:"user_id"`
	State     core.AppState `json:"state"`
	Timestamp time.Time     `json:"timestamp"`
}

// DeleteMessage asks the worker to remove one expense.
type DeleteMessage struct {
	UserID    string    `json:"user_id"`
	ExpenseID string    `json:"expense_id"`
	Timestamp time.Time `json:"timestamp"`
}

func NewSaveMessage(userID string, state core.AppState) *SaveMessage {
	return &SaveMessage{UserID: userID, State: state.Clone(), Timestamp: time.Now().UTC()}
}

func NewDeleteMessage(userID, expenseID string) *DeleteMessage {
	return &DeleteMessage{UserID: userID, ExpenseID: expenseID, Timestamp: time.Now().UTC()}
}

func (m *SaveMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func (m *DeleteMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SaveMessageFromJSON decodes and validates a save message.
func SaveMessageFromJSON(data []byte) (*SaveMessage, error) {
	var msg SaveMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if strings.TrimSpace(msg.UserID) == "" {
		return nil, fmt.Errorf("%w: missing user_id", ErrMalformedMessage)
	}
	if msg.State.Expenses == nil {
		msg.State.Expenses = []core.Expense{}
	}
	if err := msg.State.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return &msg, nil
}

// DeleteMessageFromJSON decodes and validates a delete message.
func DeleteMessageFromJSON(data []byte) (*DeleteMessage, error) {
	var msg DeleteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if strings.TrimSpace(msg.UserID) == "" || strings.TrimSpace(msg.ExpenseID) == "" {
		return nil, fmt.Errorf("%w: missing user_id or expense_id", ErrMalformedMessage)
	}
	return &msg, nil
}
