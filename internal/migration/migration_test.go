package migration

import (
	"io/fs"
	"testing"

	"github.com/smallbiznis/fiscal/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, entry := range entries {
		names[entry.Name()] = true
	}
	assert.True(t, names["000001_init.up.sql"])
	assert.True(t, names["000001_init.down.sql"])
}

func TestRunAutoMigratesSqlite(t *testing.T) {
	conn := testutil.OpenDB(t)
	require.NoError(t, Run(conn, "sqlite"))

	for _, table := range []string{
		"billing_configurations",
		"clients",
		"sales",
		"sale_line_items",
		"payments",
		"invoice_ledger_entries",
		"credit_note_ledger_entries",
		"stored_artifacts",
		"audit_logs",
	} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}

	require.NoError(t, Run(conn, "sqlite"))
}

func TestRunRequiresConnection(t *testing.T) {
	assert.Error(t, Run(nil, "sqlite"))
	assert.Error(t, RunMigrations(nil))
}
