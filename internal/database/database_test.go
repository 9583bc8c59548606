package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreOrderedAndEmbedded(t *testing.T) {
	migrations, err := Migrations()
	require.NoError(t, err)
	require.NotEmpty(t, migrations)
	assert.Equal(t, "0001_saga_tables", migrations[0].Version)
	for _, table := range []string{"conversation_sagas", "mandate_sagas", "sessions", "saga_inbox"} {
		assert.Contains(t, migrations[0].SQL, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.True(t, strings.Contains(migrations[0].SQL, "WHERE current_state <> 'Final'"))
}

func TestLoadDatabaseURLPrefersEnvironment(t *testing.T) {
	t.Setenv("CHATBANK_DATABASE_URL", "postgres://from-env/db")
	url, err := LoadDatabaseURL()
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-env/db", url)
}

func TestLoadDatabaseURLFromDotEnv(t *testing.T) {
	t.Setenv("CHATBANK_DATABASE_URL", "")
	t.Setenv("DATABASE_URL", "")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("# local\nDATABASE_URL=\"postgres://dotenv/db\"\n"), 0644))
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0755))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	defer func() { _ = os.Chdir(wd) }()

	url, err := LoadDatabaseURL()
	require.NoError(t, err)
	assert.Equal(t, "postgres://dotenv/db", url)
}

func TestMigrateAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}
	url := os.Getenv("CHATBANK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHATBANK_TEST_DATABASE_URL not set")
	}
	db, err := NewDB(url)
	require.NoError(t, err)
	defer db.Close()

	_, err = Migrate(context.Background(), db)
	require.NoError(t, err)
	again, err := Migrate(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, again, "migrations are applied once")
}
