// Package services owns the live application state and keeps it in step with
// the local mirror and the remote store.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/mirror"
	"fintrack/internal/remote"
)

// DefaultDebounce is the quiet period after the last edit before the state
// is pushed to the remote store.
const DefaultDebounce = 2 * time.Second

var (
	// ErrSignedOut is returned by state changes attempted with no session.
	ErrSignedOut = errors.New("no active session")
	// ErrEmptyUserID is returned by SignIn for a blank user id.
	ErrEmptyUserID = errors.New("empty user id")
)

// Phase is the lifecycle stage of the current session.
type Phase int

const (
	PhaseSignedOut Phase = iota
	PhaseLoadingLocal
	PhaseReconcilingRemote
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseSignedOut:
		return "signed_out"
	case PhaseLoadingLocal:
		return "loading_local"
	case PhaseReconcilingRemote:
		return "reconciling_remote"
	case PhaseActive:
		return "active"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Option configures a SyncCore.
type Option func(*SyncCore)

// WithScheduler replaces the timer source used for the save debounce.
func WithScheduler(s Scheduler) Option {
	return func(c *SyncCore) {
		if s != nil {
			c.scheduler = s
		}
	}
}

// WithDebounce sets the remote save delay. Non-positive values are ignored.
func WithDebounce(d time.Duration) Option {
	return func(c *SyncCore) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithRemoteTimeout bounds each remote call. Zero means no bound.
func WithRemoteTimeout(d time.Duration) Option {
	return func(c *SyncCore) {
		if d >= 0 {
			c.remoteTimeout = d
		}
	}
}

// WithLogger sets the logger. A nil logger falls back to the default.
func WithLogger(l *applog.Logger) Option {
	return func(c *SyncCore) {
		c.logger = applog.OrDefault(l, applog.ComponentSync)
	}
}

// Change is one state snapshot tagged with the session that produced it.
// UserID is "" and Epoch is 0 once signed out. Seq grows with every change,
// so a receiver can drop a snapshot delivered after a newer one.
type Change struct {
	UserID string
	Epoch  uint64
	Seq    uint64
	Phase  Phase
	State  core.AppState
}

// session is one signed-in period. A new sign-in always gets a new epoch,
// so callbacks armed in an earlier session can tell they are stale.
type session struct {
	userID string
	epoch  uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// SyncCore is the single writer of AppState. Every change goes through the
// reducer under mu; user edits are mirrored synchronously and pushed to the
// remote store after a trailing-edge debounce.
type SyncCore struct {
	mirror        mirror.Mirror
	remote        remote.Store
	scheduler     Scheduler
	debounce      time.Duration
	remoteTimeout time.Duration
	logger        *applog.Logger

	loads    singleflight.Group
	inflight tracker

	mu        sync.Mutex
	state     core.AppState
	phase     Phase
	sess      *session
	epoch     uint64
	timer     Timer
	timerGen  uint64
	dirty     bool
	seq       uint64
	subs      map[int]func(Change)
	nextSubID int
}

func NewSyncCore(m mirror.Mirror, r remote.Store, opts ...Option) *SyncCore {
	c := &SyncCore{
		mirror:    m,
		remote:    r,
		scheduler: RealScheduler{},
		debounce:  DefaultDebounce,
		logger:    applog.OrDefault(nil, applog.ComponentSync),
		state:     core.EmptyState(),
		subs:      make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SignIn starts a session for userID: the mirror is read before SignIn
// returns and the remote copy is reconciled in the background. Signing in
// the current user again is a no-op; a different user ends the current
// session first.
func (c *SyncCore) SignIn(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrEmptyUserID
	}

	c.mu.Lock()
	if c.sess != nil && c.sess.userID == userID {
		c.mu.Unlock()
		return nil
	}
	if c.sess != nil {
		c.endSessionLocked(ctx)
	}

	c.epoch++
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{userID: userID, epoch: c.epoch, ctx: sessCtx, cancel: cancel}
	c.sess = sess
	c.dirty = false

	c.phase = PhaseLoadingLocal
	local := c.readMirrorLocked(ctx, userID)
	c.state = core.Reduce(c.state, core.ReplaceState{State: local})
	c.phase = PhaseReconcilingRemote

	c.inflight.add()
	snapshot, subs := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "Session started",
		applog.FieldUserID, userID,
		applog.FieldEpoch, sess.epoch,
		applog.FieldExpenseCount, len(local.Expenses))
	notify(subs, snapshot)

	go c.reconcile(sess)
	return nil
}

// SignOut ends the session. A pending remote save is dropped and an
// in-flight remote load is cancelled. Persisted copies are left untouched.
func (c *SyncCore) SignOut(ctx context.Context) {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return
	}
	c.endSessionLocked(ctx)
	snapshot, subs := c.snapshotLocked()
	c.mu.Unlock()

	notify(subs, snapshot)
}

func (c *SyncCore) endSessionLocked(ctx context.Context) {
	sess := c.sess
	c.cancelTimerLocked()
	sess.cancel()
	c.loads.Forget(sess.userID)
	c.sess = nil
	c.dirty = false
	c.state = core.Reduce(c.state, core.ClearState{})
	c.phase = PhaseSignedOut

	c.logger.InfoContext(ctx, "Session ended",
		applog.FieldUserID, sess.userID,
		applog.FieldEpoch, sess.epoch)
}

func (c *SyncCore) reconcile(sess *session) {
	defer c.inflight.done()

	ctx, cancel := c.remoteContext(sess.ctx)
	defer cancel()

	v, err, shared := c.loads.Do(sess.userID, func() (any, error) {
		return c.remote.Load(ctx, sess.userID)
	})
	var remoteState core.AppState
	if err == nil {
		remoteState = v.(core.AppState).Clone()
	}

	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		c.logger.DebugContext(sess.ctx, "Discarding remote load for ended session",
			applog.FieldUserID, sess.userID,
			applog.FieldEpoch, sess.epoch)
		return
	}

	switch {
	case err != nil:
		c.logger.WarnContext(sess.ctx, "Remote load failed, keeping local state",
			applog.FieldUserID, sess.userID,
			applog.FieldOperation, applog.OpReconcile,
			applog.FieldError, err)
	case remoteState.IsTrivial():
		c.logger.DebugContext(sess.ctx, "Remote state is empty, keeping local state",
			applog.FieldUserID, sess.userID)
	default:
		c.state = core.Reduce(c.state, core.ReplaceState{State: remoteState})
		c.writeMirrorLocked(sess.ctx)
		// Edits made while loading are replaced by the remote copy.
		c.dirty = false
		c.logger.InfoContext(sess.ctx, "Remote state replaced local state",
			applog.FieldUserID, sess.userID,
			applog.FieldExpenseCount, len(remoteState.Expenses),
			"shared_load", shared)
	}

	c.phase = PhaseActive
	if c.dirty {
		c.dirty = false
		c.writeMirrorLocked(sess.ctx)
		c.armLocked()
	}
	snapshot, subs := c.snapshotLocked()
	c.mu.Unlock()

	notify(subs, snapshot)
}

// Dispatch applies intent to the current state. User edits made while the
// session is active are mirrored before Dispatch returns and arm the remote
// save. While the session is still loading they only change memory and are
// persisted once loading completes.
func (c *SyncCore) Dispatch(ctx context.Context, intent core.Intent) error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return ErrSignedOut
	}
	c.applyLocked(ctx, intent)
	snapshot, subs := c.snapshotLocked()
	c.mu.Unlock()

	notify(subs, snapshot)
	return nil
}

func (c *SyncCore) applyLocked(ctx context.Context, intent core.Intent) {
	c.state = core.Reduce(c.state, intent)
	edit := core.IsUserEdit(intent)

	if c.phase != PhaseActive {
		if edit {
			c.dirty = true
		}
		return
	}
	c.writeMirrorLocked(ctx)
	if edit {
		c.armLocked()
	}
}

// DeleteExpense removes an expense locally and asks the remote store to
// delete it right away, without waiting for the debounced save.
func (c *SyncCore) DeleteExpense(ctx context.Context, id string) error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.mu.Unlock()
		return ErrSignedOut
	}
	c.applyLocked(ctx, core.DeleteExpense{ID: id})
	c.inflight.add()
	snapshot, subs := c.snapshotLocked()
	c.mu.Unlock()

	notify(subs, snapshot)
	go c.remoteDelete(sess, id)
	return nil
}

func (c *SyncCore) remoteDelete(sess *session, id string) {
	defer c.inflight.done()

	ctx, cancel := c.remoteContext(context.WithoutCancel(sess.ctx))
	defer cancel()

	if err := c.remote.DeleteExpense(ctx, sess.userID, id); err != nil {
		c.logger.WarnContext(ctx, "Remote delete failed",
			applog.FieldUserID, sess.userID,
			applog.FieldExpenseID, id,
			applog.FieldError, err)
		return
	}
	c.logger.DebugContext(ctx, "Remote delete done",
		applog.FieldUserID, sess.userID,
		applog.FieldExpenseID, id)
}

// armLocked (re)starts the debounce timer for the current session.
func (c *SyncCore) armLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerGen++
	gen := c.timerGen
	epoch := c.sess.epoch
	c.timer = c.scheduler.AfterFunc(c.debounce, func() {
		c.fire(gen, epoch)
	})
}

func (c *SyncCore) cancelTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

// fire runs when the debounce elapses. It resolves the session again and
// saves the state as it is now, not as it was when the timer was armed.
func (c *SyncCore) fire(gen, epoch uint64) {
	c.mu.Lock()
	if gen != c.timerGen || c.timer == nil {
		// Re-armed or cancelled after this callback was scheduled.
		c.mu.Unlock()
		return
	}
	c.timer = nil
	if c.sess == nil || c.sess.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("Dropping debounced save for ended session", applog.FieldEpoch, epoch)
		return
	}
	sess := c.sess
	state := c.state.Clone()
	c.inflight.add()
	c.mu.Unlock()

	defer c.inflight.done()
	ctx, cancel := c.remoteContext(context.WithoutCancel(sess.ctx))
	defer cancel()
	c.push(ctx, sess, state)
}

// Flush runs a pending debounced save now and waits for all background
// remote work to finish.
func (c *SyncCore) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.timer == nil || c.sess == nil {
		c.mu.Unlock()
		return c.Wait(ctx)
	}
	c.cancelTimerLocked()
	sess := c.sess
	state := c.state.Clone()
	c.inflight.add()
	c.mu.Unlock()

	pushCtx, cancel := c.remoteContext(ctx)
	c.push(pushCtx, sess, state)
	cancel()
	c.inflight.done()

	return c.Wait(ctx)
}

// Wait blocks until background remote operations have finished.
func (c *SyncCore) Wait(ctx context.Context) error {
	return c.inflight.wait(ctx)
}

// push saves state remotely and marks the expenses that were written as
// synced. Trivial states are never pushed so an empty session cannot wipe
// an existing remote copy.
func (c *SyncCore) push(ctx context.Context, sess *session, state core.AppState) {
	logger := c.logger.With(applog.FieldUserID, sess.userID, applog.FieldOperation, applog.OpSave)
	if state.IsTrivial() {
		logger.DebugContext(ctx, "Skipping remote save of empty state")
		return
	}

	start := time.Now()
	err := c.remote.Save(ctx, sess.userID, state)
	saved := remote.SavedIDs(localIDs(state), err)

	if err != nil {
		var saveErr *remote.SaveError
		if errors.As(err, &saveErr) {
			logger.WarnContext(ctx, "Remote save partially failed",
				"budget_failed", saveErr.BudgetFailed,
				"failed_ids", saveErr.FailedIDs,
				applog.FieldError, err)
		} else {
			logger.WarnContext(ctx, "Remote save failed", applog.FieldError, err)
		}
	} else {
		logger.InfoContext(ctx, "Remote save done",
			applog.FieldExpenseCount, len(state.Expenses),
			applog.FieldDuration, time.Since(start).Milliseconds())
	}

	if len(saved) > 0 {
		c.markSynced(ctx, sess, saved)
	}
}

func (c *SyncCore) markSynced(ctx context.Context, sess *session, ids []string) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.state = core.Reduce(c.state, core.MarkSynced{IDs: ids})
	if c.phase == PhaseActive {
		c.writeMirrorLocked(ctx)
	}
	snapshot, subs := c.snapshotLocked()
	c.mu.Unlock()

	notify(subs, snapshot)
}

func localIDs(state core.AppState) []string {
	var ids []string
	for _, e := range state.Expenses {
		if e.Origin != core.OriginRemote {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func (c *SyncCore) remoteContext(parent context.Context) (context.Context, context.CancelFunc) {
	if c.remoteTimeout > 0 {
		return context.WithTimeout(parent, c.remoteTimeout)
	}
	return context.WithCancel(parent)
}

func (c *SyncCore) readMirrorLocked(ctx context.Context, userID string) core.AppState {
	state, ok, err := c.mirror.Read(ctx, userID)
	switch {
	case err != nil:
		c.logger.WarnContext(ctx, "Local mirror unreadable, starting empty",
			applog.FieldUserID, userID,
			applog.FieldOperation, applog.OpRead,
			applog.FieldError, err)
		return core.EmptyState()
	case !ok:
		return core.EmptyState()
	default:
		return state
	}
}

// writeMirrorLocked stores the full state under the session user's key. A
// failed write is logged; the in-memory change stands.
func (c *SyncCore) writeMirrorLocked(ctx context.Context) {
	if err := c.mirror.Write(ctx, c.sess.userID, c.state); err != nil {
		c.logger.ErrorContext(ctx, "Local mirror write dropped",
			applog.FieldUserID, c.sess.userID,
			applog.FieldOperation, applog.OpWrite,
			applog.FieldError, err)
	}
}

// Subscribe registers fn to receive a Change after every state change.
// fn runs on the goroutine that made the change, outside the lock, and must
// not block. Deliveries from different goroutines may interleave; use Seq to
// order them.
func (c *SyncCore) Subscribe(fn func(Change)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// snapshotLocked numbers the change just made and captures it together with
// its session, so subscribers never have to read live session state.
func (c *SyncCore) snapshotLocked() (Change, []func(Change)) {
	c.seq++
	if len(c.subs) == 0 {
		return Change{}, nil
	}
	subs := make([]func(Change), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return c.changeLocked(), subs
}

func (c *SyncCore) changeLocked() Change {
	ch := Change{Seq: c.seq, Phase: c.phase, State: c.state.Clone()}
	if c.sess != nil {
		ch.UserID = c.sess.userID
		ch.Epoch = c.sess.epoch
	}
	return ch
}

func notify(subs []func(Change), ch Change) {
	for _, fn := range subs {
		own := ch
		own.State = ch.State.Clone()
		fn(own)
	}
}

// Current returns the latest Change without waiting for a state change.
func (c *SyncCore) Current() Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changeLocked()
}

// Snapshot returns a copy of the current state.
func (c *SyncCore) Snapshot() core.AppState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Phase returns the lifecycle stage of the current session.
func (c *SyncCore) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// UserID returns the signed-in user, or "" when signed out.
func (c *SyncCore) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.userID
}

// Pending reports whether a debounced save is armed.
func (c *SyncCore) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}
