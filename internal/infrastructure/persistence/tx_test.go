package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/erp/charityfund/internal/infrastructure/persistence/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// setupSQLiteDB opens a named shared-cache in-memory database with a single
// connection so concurrent goroutines serialize on it.
func setupSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.CharityEntryModel{}, &models.CharityAdmissionModel{}, &models.OutboxEntryModel{}))
	return db
}

func countEntries(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.CharityEntryModel{}).Count(&n).Error)
	return n
}

func TestGormTxManager_Transaction(t *testing.T) {
	ctx := context.Background()

	t.Run("commits when fn succeeds", func(t *testing.T) {
		db := setupSQLiteDB(t)
		tm := NewGormTxManager(db)

		err := tm.Transaction(ctx, func(ctx context.Context) error {
			assert.True(t, InTransaction(ctx))
			return DBFromContext(ctx, db).Create(&models.CharityEntryModel{
				SoldToParty: "CUST-1", CreatedAt: time.Now(), UpdatedAt: time.Now(),
			}).Error
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), countEntries(t, db))
	})

	t.Run("rolls back when fn fails", func(t *testing.T) {
		db := setupSQLiteDB(t)
		tm := NewGormTxManager(db)
		boom := errors.New("boom")

		err := tm.Transaction(ctx, func(ctx context.Context) error {
			require.NoError(t, DBFromContext(ctx, db).Create(&models.CharityEntryModel{
				SoldToParty: "CUST-1", CreatedAt: time.Now(), UpdatedAt: time.Now(),
			}).Error)
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int64(0), countEntries(t, db))
	})

	t.Run("nested call joins the outer transaction", func(t *testing.T) {
		db := setupSQLiteDB(t)
		tm := NewGormTxManager(db)

		err := tm.Transaction(ctx, func(outer context.Context) error {
			outerTx := DBFromContext(outer, db)
			return tm.Transaction(outer, func(inner context.Context) error {
				assert.Same(t, outerTx.Statement.ConnPool, DBFromContext(inner, db).Statement.ConnPool)
				return nil
			})
		})
		require.NoError(t, err)
	})

	t.Run("falls back to the base handle outside a transaction", func(t *testing.T) {
		db := setupSQLiteDB(t)
		assert.False(t, InTransaction(ctx))
		assert.Equal(t, db.Statement.ConnPool, DBFromContext(ctx, db).Statement.ConnPool)
	})
}
