//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fintrack/internal/core"
	applog "fintrack/internal/log"
)

// Run with: DATABASE_URL=postgres://... go test -tags=integration ./internal/remote/postgres

func TestIntegration_PostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx := context.Background()
	store, err := Open(ctx, databaseURL, applog.Discard())
	require.NoError(t, err)
	defer store.Close()

	userID := "it-" + uuid.NewString()
	other := "it-" + uuid.NewString()
	t.Cleanup(func() {
		store.db.ExecContext(ctx, `DELETE FROM expenses WHERE user_id IN ($1, $2)`, userID, other)
		store.db.ExecContext(ctx, `DELETE FROM budgets WHERE user_id IN ($1, $2)`, userID, other)
	})

	empty, err := store.Load(ctx, userID)
	require.NoError(t, err)
	assert.True(t, empty.IsTrivial())

	state := core.AppState{
		Budget: core.Cents(250000),
		Expenses: []core.Expense{
			{ID: core.NewExpenseID(), Amount: core.Cents(1999), Category: core.Food, Date: core.NewDate(2025, 4, 2), Notes: "groceries", Origin: core.OriginLocal},
			{ID: core.NewExpenseID(), Amount: core.Cents(4500), Category: core.Travel, Date: core.NewDate(2025, 4, 1), Notes: "train", ReceiptURL: "https://r/t.png", Origin: core.OriginLocal},
		},
	}
	require.NoError(t, store.Save(ctx, userID, state))
	require.NoError(t, store.Save(ctx, userID, state), "saves are idempotent")

	got, err := store.Load(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(250000), got.Budget.Cents)
	require.Len(t, got.Expenses, 2)
	assert.Equal(t, state.Expenses[1].ID, got.Expenses[0].ID, "ordered by date")
	assert.Equal(t, "https://r/t.png", got.Expenses[0].ReceiptURL)

	err = store.Save(ctx, other, core.AppState{Expenses: state.Expenses[:1]})
	require.Error(t, err, "ids owned by another user are not overwritten")

	require.NoError(t, store.DeleteExpense(ctx, userID, state.Expenses[0].ID))
	require.NoError(t, store.DeleteExpense(ctx, userID, state.Expenses[0].ID))
	got, err = store.Load(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, got.Expenses, 1)
}
