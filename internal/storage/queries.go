package storage

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type MirrorEntry struct {
	Key       string
	Payload   []byte
	UpdatedAt int64
}

const getEntry = `-- name: GetEntry :one
SELECT key, payload, updated_at FROM mirror_entries
WHERE key = ?
`

func (q *Queries) GetEntry(ctx context.Context, key string) (MirrorEntry, error) {
	row := q.db.QueryRowContext(ctx, getEntry, key)
	var i MirrorEntry
	err := row.Scan(&i.Key, &i.Payload, &i.UpdatedAt)
	return i, err
}

const upsertEntry = `-- name: UpsertEntry :exec
INSERT INTO mirror_entries (key, payload, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
`

type UpsertEntryParams struct {
	Key       string
	Payload   []byte
	UpdatedAt int64
}

func (q *Queries) UpsertEntry(ctx context.Context, arg UpsertEntryParams) error {
	_, err := q.db.ExecContext(ctx, upsertEntry, arg.Key, arg.Payload, arg.UpdatedAt)
	return err
}

const deleteEntry = `-- name: DeleteEntry :exec
DELETE FROM mirror_entries
WHERE key = ?
`

func (q *Queries) DeleteEntry(ctx context.Context, key string) error {
	_, err := q.db.ExecContext(ctx, deleteEntry, key)
	return err
}

const countEntries = `-- name: CountEntries :one
SELECT COUNT(*) FROM mirror_entries
`

func (q *Queries) CountEntries(ctx context.Context) (int64, error) {
	row := q.db.QueryRowContext(ctx, countEntries)
	var count int64
	err := row.Scan(&count)
	return count, err
}
