package schema

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func sqliteDriver(t *testing.T, path string) database.Driver {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	require.NoError(t, err)
	return driver
}

func migrations(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys["sql/"+name] = &fstest.MapFile{Data: []byte(body)}
	}
	return fsys
}

func TestUp_AppliesPendingOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.db")
	fsys := migrations(map[string]string{
		"000001_budgets.up.sql":    `CREATE TABLE budgets (user_id TEXT PRIMARY KEY, amount TEXT NOT NULL);`,
		"000001_budgets.down.sql":  `DROP TABLE budgets;`,
		"000002_expenses.up.sql":   `CREATE TABLE expenses (id TEXT PRIMARY KEY, user_id TEXT NOT NULL);`,
		"000002_expenses.down.sql": `DROP TABLE expenses;`,
	})

	version, err := Up(fsys, "sql", "sqlite", sqliteDriver(t, path))
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)

	version, err = Up(fsys, "sql", "sqlite", sqliteDriver(t, path))
	require.NoError(t, err, "nothing pending")
	assert.Equal(t, uint(2), version)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var tables int
	require.NoError(t, db.QueryRow(
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('budgets', 'expenses')`).Scan(&tables))
	assert.Equal(t, 2, tables)
}

func TestUp_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Up(fstest.MapFS{}, "missing", "sqlite", sqliteDriver(t, filepath.Join(dir, "a.db")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open sqlite migrations")

	broken := migrations(map[string]string{
		"000001_broken.up.sql":   `CREATE TABLE (;`,
		"000001_broken.down.sql": `SELECT 1;`,
	})
	_, err = Up(broken, "sql", "sqlite", sqliteDriver(t, filepath.Join(dir, "b.db")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migrate sqlite")
}
