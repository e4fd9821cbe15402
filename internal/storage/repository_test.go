package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	applog "fintrack/internal/log"
)

func newTestRepository(t *testing.T) (*SQLiteRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "mirror.db")
	repo, err := NewSQLiteRepository(path, applog.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, path
}

func TestSQLiteRepository_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepository(t)

	_, ok, err := repo.Get(ctx, "expense-tracker-u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Put(ctx, "expense-tracker-u1", []byte(`{"version":2}`)))
	require.NoError(t, repo.Put(ctx, "expense-tracker-u1", []byte(`{"version":2,"state":{}}`)))

	got, ok, err := repo.Get(ctx, "expense-tracker-u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"version":2,"state":{}}`, string(got))

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, repo.Delete(ctx, "expense-tracker-u1"))
	require.NoError(t, repo.Delete(ctx, "expense-tracker-u1"))
	_, ok, err = repo.Get(ctx, "expense-tracker-u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteRepository_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	repo, path := newTestRepository(t)
	require.NoError(t, repo.Put(ctx, "k", []byte("v")))
	require.NoError(t, repo.Close())

	reopened, err := NewSQLiteRepository(path, applog.Discard())
	require.NoError(t, err)
	defer reopened.Close()

	got, ok, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(got))
}
