package migration

import (
	"io/fs"
	"testing"

	"github.com/smallbiznis/propbill/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceListsInitMigration(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	up, name, err := src.ReadUp(first)
	require.NoError(t, err)
	defer up.Close()
	assert.Equal(t, "init", name)

	down, _, err := src.ReadDown(first)
	require.NoError(t, err)
	defer down.Close()
}

func TestEveryUpHasDown(t *testing.T) {
	ups, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(embeddedMigrations, migrationsDir+"/*.down.sql")
	require.NoError(t, err)
	assert.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}

func TestApplyAutoMigratesNonPostgres(t *testing.T) {
	conn := dbtest.Open(t)
	require.NoError(t, Apply(conn))
	require.NoError(t, Apply(conn))

	for _, table := range []string{
		"customers",
		"properties",
		"recurring_templates",
		"invoices",
		"invoice_line_items",
		"invoice_sequences",
		"property_service_histories",
	} {
		assert.True(t, conn.Migrator().HasTable(table), table)
	}
}

func TestApplyRejectsNilHandle(t *testing.T) {
	assert.Error(t, Apply(nil))
}
