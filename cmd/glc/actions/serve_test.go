package actions

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/giftlock/build"
	"gitlab.com/arcanecrypto/giftlock/db"
	"gitlab.com/arcanecrypto/giftlock/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("actions")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.InfoLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	os.Exit(m.Run())
}

func TestEnsureMigrations(t *testing.T) {
	t.Run("migrates a fresh database up", func(t *testing.T) {
		require.NoError(t, testDB.Teardown())

		// no version is recorded yet, the flag must still apply the
		// pending migrations
		require.NoError(t, ensureMigrations(testDB, true))

		status, err := testDB.MigrationStatus()
		require.NoError(t, err)
		assert.False(t, status.Dirty)
		assert.NotZero(t, status.Version)
	})

	t.Run("is a no-op when already current", func(t *testing.T) {
		before, err := testDB.MigrationStatus()
		require.NoError(t, err)

		require.NoError(t, ensureMigrations(testDB, true))

		after, err := testDB.MigrationStatus()
		require.NoError(t, err)
		assert.Equal(t, before.Version, after.Version)
	})

	t.Run("refuses a dirty database", func(t *testing.T) {
		_, err := testDB.Exec("UPDATE schema_migrations SET dirty = true")
		require.NoError(t, err)

		err = ensureMigrations(testDB, true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dirty")

		_, err = testDB.Exec("UPDATE schema_migrations SET dirty = false")
		require.NoError(t, err)
	})

	t.Run("fresh database without the flag only checks connectivity", func(t *testing.T) {
		require.NoError(t, testDB.Teardown())

		require.NoError(t, ensureMigrations(testDB, false))

		_, err := testDB.MigrationStatus()
		require.Error(t, err, "nothing should have been migrated")

		require.NoError(t, testDB.MigrateUp())
	})
}
