package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_AppliesMigrations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "transit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, table := range []string{
		"outbox", "outbox_recipients", "inbox", "inbox_applied", "quarantine",
		"key_ring", "circles", "connections", "circle_grants", "events",
	} {
		var name string
		err := db.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestOpen_Reopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "transit.db")

	db, err := Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestOutboxActiveKeyUnique(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "transit.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	insert := `INSERT INTO outbox (recipient, drive_id, file_id, priority, status, added_at, next_run_at)
		VALUES ('sam.example.com', 'd', 'f', 1, ?, 0, 0)`

	_, err = db.ExecContext(ctx, insert, "pending")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, insert, "in_flight")
	require.Error(t, err)

	// Terminal rows do not occupy the active key.
	_, err = db.ExecContext(ctx, insert, "failed")
	require.NoError(t, err)
}
