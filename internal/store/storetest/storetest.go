// Package storetest opens throwaway record stores for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xelth-com/peerlinkgo/internal/store"
)

// NewDB opens a migrated sqlite database in a temp dir.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_foreign_keys=on"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite allows one writer; serialise through a single connection.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// New returns a GormStore backed by NewDB.
func New(t testing.TB) *store.GormStore {
	t.Helper()
	return store.NewGormStore(NewDB(t))
}
