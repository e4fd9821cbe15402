// Package identity turns authentication events into session transitions.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	applog "fintrack/internal/log"
)

// Signal is one observation of the authentication state.
type Signal struct {
	UserID      string
	DisplayName string
	SignedIn    bool
}

func SignedOut() Signal {
	return Signal{}
}

// Handler receives session transitions.
type Handler interface {
	SignIn(ctx context.Context, userID string) error
	SignOut(ctx context.Context)
}

var ErrMissingUserID = errors.New("signed-in signal without user id")

// EdgeDetector forwards only changes of the signed-in user. Repeated signals
// and profile-only changes such as a new display name are ignored. Switching
// user is delivered as a sign-out followed by a sign-in.
type EdgeDetector struct {
	handler Handler
	logger  *applog.Logger

	mu      sync.Mutex
	current string
}

func NewEdgeDetector(handler Handler, logger *applog.Logger) *EdgeDetector {
	return &EdgeDetector{
		handler: handler,
		logger:  applog.OrDefault(logger, applog.ComponentIdentity),
	}
}

// Observe applies s. It returns the handler's sign-in error, in which case
// the detector stays signed out.
func (d *EdgeDetector) Observe(ctx context.Context, s Signal) error {
	userID := strings.TrimSpace(s.UserID)
	if s.SignedIn && userID == "" {
		return ErrMissingUserID
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !s.SignedIn {
		if d.current == "" {
			return nil
		}
		d.logger.InfoContext(ctx, "Identity signed out", applog.FieldUserID, d.current)
		d.current = ""
		d.handler.SignOut(ctx)
		return nil
	}

	if userID == d.current {
		return nil
	}
	if d.current != "" {
		d.logger.InfoContext(ctx, "Identity switched user",
			"from", d.current,
			"to", userID)
		d.current = ""
		d.handler.SignOut(ctx)
	}
	if err := d.handler.SignIn(ctx, userID); err != nil {
		return err
	}
	d.current = userID
	d.logger.InfoContext(ctx, "Identity signed in",
		applog.FieldUserID, userID,
		"display_name", s.DisplayName)
	return nil
}

// Current returns the signed-in user id, or "" when signed out.
func (d *EdgeDetector) Current() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}
