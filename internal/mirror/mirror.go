// Package mirror keeps a durable per-user copy of the application state on
// the local device.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
)

// DefaultNamespace prefixes every mirror key.
const DefaultNamespace = "expense-tracker"

// Mirror reads and writes one AppState per user.
type Mirror interface {
	// Read returns the stored state. ok is false when nothing usable is
	// stored; a malformed payload yields ErrMalformedPayload.
	Read(ctx context.Context, userID string) (state core.AppState, ok bool, err error)
	Write(ctx context.Context, userID string, state core.AppState) error
}

// KV is the raw key/value storage a KVMirror persists into.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, payload []byte) error
	Delete(ctx context.Context, key string) error
}

// Key returns the storage key for userID.
func Key(namespace, userID string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "-" + userID
}

var ErrEmptyUserID = errors.New("empty user id")

// KVMirror stores versioned JSON payloads in a KV backend.
type KVMirror struct {
	kv        KV
	namespace string
	logger    *applog.Logger
}

type Option func(*KVMirror)

func WithNamespace(namespace string) Option {
	return func(m *KVMirror) {
		if strings.TrimSpace(namespace) != "" {
			m.namespace = namespace
		}
	}
}

func WithLogger(logger *applog.Logger) Option {
	return func(m *KVMirror) {
		m.logger = applog.OrDefault(logger, applog.ComponentMirror)
	}
}

func NewKVMirror(kv KV, opts ...Option) *KVMirror {
	m := &KVMirror{
		kv:        kv,
		namespace: DefaultNamespace,
		logger:    applog.OrDefault(nil, applog.ComponentMirror),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *KVMirror) Read(ctx context.Context, userID string) (core.AppState, bool, error) {
	if userID == "" {
		return core.AppState{}, false, ErrEmptyUserID
	}
	key := Key(m.namespace, userID)
	payload, ok, err := m.kv.Get(ctx, key)
	if err != nil {
		return core.AppState{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return core.AppState{}, false, nil
	}
	state, skipped, err := Decode(payload)
	if err != nil {
		return core.AppState{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	if skipped != nil {
		m.logger.WarnContext(ctx, "Mirror entries skipped",
			applog.FieldKey, key,
			applog.FieldExpenseCount, len(state.Expenses),
			applog.FieldError, skipped)
	}
	m.logger.DebugContext(ctx, "Mirror read",
		applog.FieldKey, key,
		applog.FieldExpenseCount, len(state.Expenses))
	return state, true, nil
}

func (m *KVMirror) Write(ctx context.Context, userID string, state core.AppState) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	key := Key(m.namespace, userID)
	payload, err := Encode(state)
	if err != nil {
		return err
	}
	if err := m.kv.Put(ctx, key, payload); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Namespace returns the key prefix in use.
func (m *KVMirror) Namespace() string {
	return m.namespace
}
