package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fintrack/internal/config"
	"fintrack/internal/core"
	applog "fintrack/internal/log"
	"fintrack/internal/mirror"
	"fintrack/internal/remote/memory"
)

func TestFromAppConfig(t *testing.T) {
	app := &config.Config{
		MirrorBackend:   config.BackendMemory,
		RemoteBackend:   config.BackendOutbox,
		RemoteTarget:    config.BackendPostgres,
		MirrorNamespace: "ns",
		MirrorCacheSize: 4,
		DatabaseURL:     "postgres://localhost/fintrack",
		AMQPExchange:    "fintrack",
	}

	cfg, err := FromAppConfig(app)
	require.NoError(t, err)
	assert.Equal(t, Memory, cfg.Mirror)
	assert.Equal(t, Outbox, cfg.Remote)
	assert.Equal(t, Postgres, cfg.Target)
	assert.Equal(t, "ns", cfg.MirrorNamespace)
	assert.Equal(t, "postgres://localhost/fintrack", cfg.DatabaseURL)

	_, err = FromAppConfig(nil)
	assert.Error(t, err)

	app.MirrorBackend = config.BackendPostgres
	_, err = FromAppConfig(app)
	assert.Error(t, err, "postgres cannot back the local mirror")

	app.MirrorBackend = config.BackendSQLite
	app.RemoteBackend = "dropbox"
	_, err = FromAppConfig(app)
	assert.Error(t, err)
}

func TestTypeValidity(t *testing.T) {
	assert.True(t, SQLite.IsValidMirror())
	assert.False(t, Redis.IsValidMirror())
	assert.True(t, Outbox.IsValidRemote())
	assert.False(t, SQLite.IsValidRemote())
	assert.True(t, Sheets.IsValidTarget())
	assert.False(t, Outbox.IsValidTarget(), "the outbox cannot target itself")
	assert.False(t, Memory.IsValidTarget())
}

func TestCreateMirror(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(applog.Discard())
	state := core.AppState{Budget: core.Cents(500), Expenses: []core.Expense{}}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"memory", Config{Mirror: Memory, MirrorNamespace: "t"}},
		{"memory cached", Config{Mirror: Memory, MirrorNamespace: "t", MirrorCacheSize: 2}},
		{"sqlite", Config{Mirror: SQLite, MirrorDBPath: filepath.Join(t.TempDir(), "mirror.db"), MirrorNamespace: "t"}},
		{"sqlite cached", Config{Mirror: SQLite, MirrorDBPath: filepath.Join(t.TempDir(), "mirror.db"), MirrorCacheSize: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.CreateMirror(ctx, tt.cfg)
			require.NoError(t, err)
			defer func() { assert.NoError(t, res.Cleanup()) }()

			_, ok, err := res.Mirror.Read(ctx, "u1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, res.Mirror.Write(ctx, "u1", state))
			got, ok, err := res.Mirror.Read(ctx, "u1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, int64(500), got.Budget.Cents)

			_, cached := res.Mirror.(*mirror.Cached)
			assert.Equal(t, tt.cfg.MirrorCacheSize > 0, cached)
		})
	}

	_, err := f.CreateMirror(ctx, Config{Mirror: Redis})
	assert.Error(t, err)
}

func TestCreateRemote(t *testing.T) {
	ctx := context.Background()
	f := NewFactory(applog.Discard())

	res, err := f.CreateRemote(ctx, Config{Remote: Memory})
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, res.Store)
	assert.NoError(t, res.Cleanup())

	_, err = f.CreateRemote(ctx, Config{Remote: SQLite})
	assert.Error(t, err)

	_, err = f.CreateTarget(ctx, Config{Target: Memory})
	assert.Error(t, err)
}
