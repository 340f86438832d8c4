package database

import (
	"path/filepath"
	"testing"

	"github.com/ksred/klear-exec/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDatabaseSQLite(t *testing.T) {
	db, err := NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "exec.db"),
	}, false)
	require.NoError(t, err)

	assert.True(t, db.Migrator().HasTable("order_ledger"))
	assert.True(t, db.Migrator().HasTable("positions"))
	assert.True(t, db.Migrator().HasIndex("order_ledger", "idx_order_ledger_symbol_created"))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)

	// re-running is harmless
	require.NoError(t, Migrate(db))
}

func TestNewDatabaseUnknownDriver(t *testing.T) {
	_, err := NewDatabase(config.DatabaseConfig{Driver: "mysql", DSN: "x"}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
