package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weekline/internal/db"
	"weekline/internal/migrate"
)

func TestMigrateRecordsEachStep(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	v, err := migrate.Migrate(conn.DB)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	got, err := migrate.Version(conn.DB)
	require.NoError(t, err)
	assert.Equal(t, v, got)

	var names []string
	require.NoError(t, conn.Select(&names, `SELECT name FROM schema_migrations ORDER BY version`))
	assert.Equal(t, []string{"0001_init.sql"}, names)

	// Tables from the first step exist.
	var n int
	require.NoError(t, conn.Get(&n, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('weekly_plan','run_ledger','backlog_items')`))
	assert.Equal(t, 3, n)
}
