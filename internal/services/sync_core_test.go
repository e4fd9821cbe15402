package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/mirror"
	"fintrack/internal/remote/memory"
)

type harness struct {
	core   *SyncCore
	kv     *mirror.MemoryKV
	mirror *mirror.KVMirror
	remote *memory.Store
	sched  *fakeScheduler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	kv := mirror.NewMemoryKV()
	m := mirror.NewKVMirror(kv, mirror.WithLogger(applog.Discard()))
	r := memory.New()
	sched := &fakeScheduler{}
	opts = append([]Option{WithScheduler(sched), WithLogger(applog.Discard())}, opts...)
	return &harness{
		core:   NewSyncCore(m, r, opts...),
		kv:     kv,
		mirror: m,
		remote: r,
		sched:  sched,
	}
}

// signIn signs in and waits for reconciliation to finish.
func (h *harness) signIn(t *testing.T, userID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.core.SignIn(ctx, userID))
	require.NoError(t, h.core.Wait(ctx))
	require.Equal(t, PhaseActive, h.core.Phase())
}

func (h *harness) mirrored(t *testing.T, userID string) core.AppState {
	t.Helper()
	state, ok, err := h.mirror.Read(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, ok, "mirror has no entry for %s", userID)
	return state
}

func expense(id string, cents int64, notes string) core.Expense {
	return core.Expense{
		ID:       id,
		Amount:   core.Cents(cents),
		Category: core.Food,
		Date:     core.NewDate(2025, 6, 10),
		Notes:    notes,
		Origin:   core.OriginLocal,
	}
}

func TestSyncCore_SignInLoadsLocalMirror(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.mirror.Write(ctx, "u1", core.AppState{Budget: core.Cents(10000), Expenses: []core.Expense{}}))

	h.signIn(t, "u1")

	assert.Equal(t, "u1", h.core.UserID())
	assert.Equal(t, int64(10000), h.core.Snapshot().Budget.Cents)
	assert.Len(t, h.remote.CallsOf(memory.OpLoad), 1)
}

func TestSyncCore_Reconciliation(t *testing.T) {
	remoteExpense := expense("e1", 4200, "groceries")
	remoteExpense.Origin = core.OriginRemote

	tests := []struct {
		name       string
		local      *core.AppState
		remote     *core.AppState
		loadErr    error
		wantBudget int64
		wantIDs    []string
	}{
		{
			name:       "trivial remote keeps local",
			local:      &core.AppState{Budget: core.Cents(10000), Expenses: []core.Expense{}},
			remote:     &core.AppState{Expenses: []core.Expense{}},
			wantBudget: 10000,
			wantIDs:    []string{},
		},
		{
			name:       "non-trivial remote wins",
			local:      &core.AppState{Expenses: []core.Expense{}},
			remote:     &core.AppState{Budget: core.Cents(50000), Expenses: []core.Expense{remoteExpense}},
			wantBudget: 50000,
			wantIDs:    []string{"e1"},
		},
		{
			name:       "remote wins over non-trivial local",
			local:      &core.AppState{Budget: core.Cents(100), Expenses: []core.Expense{expense("l1", 100, "local")}},
			remote:     &core.AppState{Budget: core.Cents(50000), Expenses: []core.Expense{remoteExpense}},
			wantBudget: 50000,
			wantIDs:    []string{"e1"},
		},
		{
			name:       "remote failure keeps local",
			local:      &core.AppState{Budget: core.Cents(700), Expenses: []core.Expense{expense("l1", 100, "local")}},
			loadErr:    memory.ErrInjected,
			wantBudget: 700,
			wantIDs:    []string{"l1"},
		},
		{
			name:       "nothing anywhere",
			wantBudget: 0,
			wantIDs:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			if tt.local != nil {
				require.NoError(t, h.mirror.Write(ctx, "u1", *tt.local))
			}
			if tt.remote != nil {
				h.remote.Seed("u1", *tt.remote)
			}
			h.remote.SetLoadError(tt.loadErr)

			h.signIn(t, "u1")

			got := h.core.Snapshot()
			assert.Equal(t, tt.wantBudget, got.Budget.Cents)
			assert.Equal(t, tt.wantIDs, got.IDs())
			assert.Empty(t, h.remote.CallsOf(memory.OpSave), "reconciliation never saves")
			assert.Zero(t, h.sched.Live(), "reconciliation never arms a save")
		})
	}
}

func TestSyncCore_RemoteWinRewritesMirror(t *testing.T) {
	h := newHarness(t)
	h.remote.Seed("u1", core.AppState{Budget: core.Cents(50000), Expenses: []core.Expense{expense("e1", 4200, "groceries")}})

	h.signIn(t, "u1")

	mirrored := h.mirrored(t, "u1")
	assert.Equal(t, int64(50000), mirrored.Budget.Cents)
	require.Len(t, mirrored.Expenses, 1)
	assert.Equal(t, core.OriginRemote, mirrored.Expenses[0].Origin)
}

func TestSyncCore_MutationMirrorsSynchronously(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "u1")
	ctx := context.Background()

	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	assert.Equal(t, []string{"a"}, h.mirrored(t, "u1").IDs())

	require.NoError(t, h.core.Dispatch(ctx, core.SetBudget{Amount: core.Cents(30000)}))
	assert.Equal(t, int64(30000), h.mirrored(t, "u1").Budget.Cents)

	assert.Empty(t, h.remote.CallsOf(memory.OpSave), "remote waits for the debounce")
}

func TestSyncCore_DebounceCoalesces(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "u1")
	ctx := context.Background()

	a := expense("a", 1000, "lunch")
	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: a}))
	a.Amount = core.Cents(1250)
	require.NoError(t, h.core.Dispatch(ctx, core.UpdateExpense{Expense: a}))
	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("b", 300, "coffee")}))

	assert.Equal(t, 1, h.sched.Live(), "each edit re-arms the single timer")
	for _, timer := range h.sched.Created() {
		assert.Equal(t, DefaultDebounce, timer.delay)
	}

	assert.Equal(t, 1, h.sched.FireAll())

	saves := h.remote.CallsOf(memory.OpSave)
	require.Len(t, saves, 1)
	saved := saves[0].State
	assert.Equal(t, []string{"a", "b"}, saved.IDs())
	got, _ := saved.Find("a")
	assert.Equal(t, int64(1250), got.Amount.Cents)
}

func TestSyncCore_SaveUsesStateAtFireTime(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "u1")
	ctx := context.Background()

	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	first := h.sched.Created()[0]

	// ReplaceState is not a user edit, so it changes the state without
	// re-arming the timer armed above.
	replaced := core.AppState{Budget: core.Cents(999), Expenses: []core.Expense{expense("z", 10, "late")}}
	require.NoError(t, h.core.Dispatch(ctx, core.ReplaceState{State: replaced}))
	require.Equal(t, 1, h.sched.Live())

	first.fn()

	saves := h.remote.CallsOf(memory.OpSave)
	require.Len(t, saves, 1)
	assert.Equal(t, []string{"z"}, saves[0].State.IDs())
}

func TestSyncCore_StaleTimerCallbackIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "u1")
	ctx := context.Background()

	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("b", 1000, "dinner")}))
	timers := h.sched.Created()
	require.Len(t, timers, 2)

	// The superseded callback may still run if Stop lost the race.
	timers[0].fn()
	assert.Empty(t, h.remote.CallsOf(memory.OpSave))

	h.sched.FireAll()
	assert.Len(t, h.remote.CallsOf(memory.OpSave), 1)
}

func TestSyncCore_TrivialStateIsNotSaved(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "u1")
	ctx := context.Background()

	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	require.NoError(t, h.core.Dispatch(ctx, core.DeleteExpense{ID: "a"}))
	h.sched.FireAll()

	assert.Empty(t, h.remote.CallsOf(memory.OpSave))
	assert.False(t, h.core.Pending())
}

func TestSyncCore_DeleteIsImmediate(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "u1")
	ctx := context.Background()
	calls := h.remote.Notify(16)

	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("x", 1000, "lunch")}))
	require.NoError(t, h.core.DeleteExpense(ctx, "x"))

	select {
	case c := <-calls:
		assert.Equal(t, memory.OpDelete, c.Op)
		assert.Equal(t, "x", c.ExpenseID)
		assert.Equal(t, "u1", c.UserID)
	case <-time.After(time.Second):
		t.Fatal("no remote delete observed")
	}
	assert.Empty(t, h.remote.CallsOf(memory.OpSave), "debounced save has not fired")
	assert.True(t, h.core.Pending(), "delete also re-arms the debounced save")
	assert.Empty(t, h.mirrored(t, "u1").Expenses)
}

func TestSyncCore_RemoteFailuresNeverSurface(t *testing.T) {
	h := newHarness(t)
	h.remote.SetLoadError(memory.ErrInjected)
	h.remote.SetSaveError(memory.ErrInjected)
	h.remote.SetDeleteError(memory.ErrInjected)
	h.signIn(t, "u1")
	ctx := context.Background()

	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("b", 1000, "dinner")}))
	require.NoError(t, h.core.DeleteExpense(ctx, "a"))
	h.sched.FireAll()
	require.NoError(t, h.core.Wait(ctx))

	state := h.core.Snapshot()
	assert.Equal(t, []string{"b"}, state.IDs(), "local delete is not rolled back")
	assert.Equal(t, core.OriginLocal, state.Expenses[0].Origin, "failed save marks nothing synced")
	assert.False(t, h.core.Pending(), "failures are not retried in process")
}

func TestSyncCore_PartialSaveMarksOnlyWrittenIDs(t *testing.T) {
	h := newHarness(t)
	h.remote.FailExpense("b", memory.ErrInjected)
	h.signIn(t, "u1")
	ctx := context.Background()

	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("b", 1000, "dinner")}))
	h.sched.FireAll()

	state := h.core.Snapshot()
	a, _ := state.Find("a")
	b, _ := state.Find("b")
	assert.Equal(t, core.OriginRemote, a.Origin)
	assert.Equal(t, core.OriginLocal, b.Origin)
	assert.Equal(t, core.OriginRemote, func() core.Origin {
		e, _ := h.mirrored(t, "u1").Find("a")
		return e.Origin
	}(), "mirror reflects the synced flag")
	assert.False(t, h.core.Pending(), "marking synced does not re-arm")

	// The next edit resends the full state, including b.
	h.remote.FailExpense("b", nil)
	require.NoError(t, h.core.Dispatch(ctx, core.SetBudget{Amount: core.Cents(5000)}))
	h.sched.FireAll()
	assert.Len(t, h.remote.Snapshot("u1").Expenses, 2)
	b, _ = h.core.Snapshot().Find("b")
	assert.Equal(t, core.OriginRemote, b.Origin)
}

func TestSyncCore_SignOut(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "u1")
	ctx := context.Background()

	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	armed := h.sched.Created()[0]

	h.core.SignOut(ctx)

	assert.Equal(t, PhaseSignedOut, h.core.Phase())
	assert.Equal(t, "", h.core.UserID())
	assert.True(t, h.core.Snapshot().IsTrivial())
	assert.Zero(t, h.sched.Live(), "pending save is cancelled")

	armed.fn()
	assert.Empty(t, h.remote.CallsOf(memory.OpSave), "armed save is dropped for the ended session")
	assert.Equal(t, []string{"a"}, h.mirrored(t, "u1").IDs(), "sign-out does not delete persisted data")

	assert.ErrorIs(t, h.core.Dispatch(ctx, core.SetBudget{Amount: core.Cents(1)}), ErrSignedOut)
	assert.ErrorIs(t, h.core.DeleteExpense(ctx, "a"), ErrSignedOut)
	h.core.SignOut(ctx)
}

func TestSyncCore_SignOutSignInRestoresMirror(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.Seed("u2", core.AppState{Budget: core.Cents(99900), Expenses: []core.Expense{expense("other", 5000, "not mine")}})

	h.signIn(t, "u1")
	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	require.NoError(t, h.core.Dispatch(ctx, core.SetBudget{Amount: core.Cents(20000)}))
	h.core.SignOut(ctx)

	h.signIn(t, "u2")
	assert.Equal(t, []string{"other"}, h.core.Snapshot().IDs())
	h.core.SignOut(ctx)

	h.remote.Reset()
	h.signIn(t, "u1")
	state := h.core.Snapshot()
	assert.Equal(t, []string{"a"}, state.IDs())
	assert.Equal(t, int64(20000), state.Budget.Cents)
	for _, c := range h.remote.Calls() {
		assert.Equal(t, "u1", c.UserID, "only the signed-in user's remote key is used")
	}
}

func TestSyncCore_UserSwitchSignsOutFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.signIn(t, "u1")
	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	h.signIn(t, "u2")

	assert.Equal(t, "u2", h.core.UserID())
	assert.True(t, h.core.Snapshot().IsTrivial())
	assert.Zero(t, h.sched.Live(), "u1's pending save was cancelled")

	// Same user again is a no-op: no new load.
	loads := len(h.remote.CallsOf(memory.OpLoad))
	require.NoError(t, h.core.SignIn(ctx, "u2"))
	assert.Len(t, h.remote.CallsOf(memory.OpLoad), loads)

	assert.ErrorIs(t, h.core.SignIn(ctx, "  "), ErrEmptyUserID)
}

func TestSyncCore_EditsDuringLoadArePersistedWhenActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	release := h.remote.HoldLoads()
	defer release()

	require.NoError(t, h.core.SignIn(ctx, "u1"))
	assert.Equal(t, PhaseReconcilingRemote, h.core.Phase())

	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	_, mirrored := h.kv.Raw(mirror.Key(mirror.DefaultNamespace, "u1"))
	assert.False(t, mirrored, "no mirror write while loading")
	assert.Zero(t, h.sched.Live(), "no save armed while loading")

	release()
	require.NoError(t, h.core.Wait(ctx))

	assert.Equal(t, PhaseActive, h.core.Phase())
	assert.Equal(t, []string{"a"}, h.mirrored(t, "u1").IDs())
	assert.Equal(t, 1, h.sched.Live())
}

func TestSyncCore_RemoteWinReplacesEditsDuringLoad(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.Seed("u1", core.AppState{Budget: core.Cents(100), Expenses: []core.Expense{expense("r", 500, "remote")}})
	release := h.remote.HoldLoads()

	require.NoError(t, h.core.SignIn(ctx, "u1"))
	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	release()
	require.NoError(t, h.core.Wait(ctx))

	assert.Equal(t, []string{"r"}, h.core.Snapshot().IDs())
	assert.Zero(t, h.sched.Live())
}

func TestSyncCore_LoadForEndedSessionIsDiscarded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.remote.Seed("u1", core.AppState{Budget: core.Cents(100), Expenses: []core.Expense{expense("r", 500, "remote")}})
	release := h.remote.HoldLoads()

	require.NoError(t, h.core.SignIn(ctx, "u1"))
	h.core.SignOut(ctx)
	require.NoError(t, h.core.SignIn(ctx, "u2"))
	release()
	require.NoError(t, h.core.Wait(ctx))

	assert.Equal(t, "u2", h.core.UserID())
	assert.True(t, h.core.Snapshot().IsTrivial(), "u1's remote data must not leak into u2's session")
	_, ok := h.kv.Raw(mirror.Key(mirror.DefaultNamespace, "u2"))
	assert.False(t, ok)
}

func TestSyncCore_RemoteTimeout(t *testing.T) {
	h := newHarness(t, WithRemoteTimeout(20*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, h.mirror.Write(ctx, "u1", core.AppState{Budget: core.Cents(300), Expenses: []core.Expense{}}))
	release := h.remote.HoldLoads()
	defer release()

	require.NoError(t, h.core.SignIn(ctx, "u1"))
	require.NoError(t, h.core.Wait(ctx))

	assert.Equal(t, PhaseActive, h.core.Phase())
	assert.Equal(t, int64(300), h.core.Snapshot().Budget.Cents)
}

func TestSyncCore_MirrorFailuresAreSoft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.kv.Put(ctx, mirror.Key(mirror.DefaultNamespace, "u1"), []byte(`{"budget":"lots","expenses":{}}`)))

	h.signIn(t, "u1")
	assert.True(t, h.core.Snapshot().IsTrivial(), "malformed payload reads as empty")

	h.kv.SetFailWrites(errors.New("disk full"))
	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	assert.Equal(t, []string{"a"}, h.core.Snapshot().IDs(), "memory still changes")
	assert.True(t, h.core.Pending())
}

func TestSyncCore_Flush(t *testing.T) {
	h := newHarness(t)
	h.signIn(t, "u1")
	ctx := context.Background()

	require.NoError(t, h.core.Flush(ctx), "nothing pending")
	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	require.NoError(t, h.core.Flush(ctx))

	assert.Len(t, h.remote.CallsOf(memory.OpSave), 1)
	assert.False(t, h.core.Pending())
	assert.Zero(t, h.sched.Live())
}

func TestSyncCore_Subscribe(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var seen []int
	var seqs []uint64
	unsubscribe := h.core.Subscribe(func(ch Change) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, len(ch.State.Expenses))
		seqs = append(seqs, ch.Seq)
		assert.Equal(t, "u1", ch.UserID)
	})

	h.signIn(t, "u1")
	ctx := context.Background()
	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("a", 1000, "lunch")}))
	unsubscribe()
	require.NoError(t, h.core.Dispatch(ctx, core.AddExpense{Expense: expense("b", 1000, "dinner")}))

	mu.Lock()
	defer mu.Unlock()
	// sign-in, reconciliation, add a
	assert.Equal(t, []int{0, 0, 1}, seen)
	assert.IsIncreasing(t, seqs)
}

func TestSyncCore_ChangeCarriesItsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	secret := expense("a-secret", 9900, "alice only")
	secret.Origin = core.OriginRemote
	h.remote.Seed("alice", core.AppState{Expenses: []core.Expense{secret}})

	reached := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var changes []Change
	h.core.Subscribe(func(ch Change) {
		holdsSecret := len(ch.State.Expenses) == 1 && ch.State.Expenses[0].ID == "a-secret"
		if holdsSecret {
			// Hold alice's reconcile delivery until bob has signed in.
			close(reached)
			<-release
		}
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, ch)
	})

	require.NoError(t, h.core.SignIn(ctx, "alice"))
	select {
	case <-reached:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciliation never delivered alice's state")
	}
	require.NoError(t, h.core.SignIn(ctx, "bob"))
	close(release)
	require.NoError(t, h.core.Wait(ctx))

	mu.Lock()
	defer mu.Unlock()
	var aliceSeq, bobFirstSeq uint64
	for _, ch := range changes {
		for _, e := range ch.State.Expenses {
			if e.ID == "a-secret" {
				assert.Equal(t, "alice", ch.UserID, "alice's expenses delivered for %q", ch.UserID)
				aliceSeq = ch.Seq
			}
		}
		if ch.UserID == "bob" && bobFirstSeq == 0 {
			bobFirstSeq = ch.Seq
		}
	}
	require.NotZero(t, aliceSeq)
	require.NotZero(t, bobFirstSeq)
	assert.Less(t, aliceSeq, bobFirstSeq, "late delivery must be recognisable as older")
	assert.Equal(t, "bob", h.core.Current().UserID)
}

func TestSyncCore_CurrentWhenSignedOut(t *testing.T) {
	h := newHarness(t)

	ch := h.core.Current()

	assert.Empty(t, ch.UserID)
	assert.Zero(t, ch.Epoch)
	assert.Equal(t, PhaseSignedOut, ch.Phase)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "signed_out", PhaseSignedOut.String())
	assert.Equal(t, "active", PhaseActive.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
}
