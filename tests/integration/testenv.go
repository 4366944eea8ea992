//go:build integration

// Package integration runs the quota gate, the outbox and the Redis
// adapters against real PostgreSQL and Redis containers.
package integration

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/erp/charityfund/internal/infrastructure/migration"
	"github.com/erp/charityfund/migrations"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	sharedPostgres    testcontainers.Container
	sharedPostgresDSN string
	sharedPostgresMu  sync.Mutex

	sharedRedis     testcontainers.Container
	sharedRedisAddr string
	sharedRedisMu   sync.Mutex
)

// TestDB is a migrated database in the shared PostgreSQL container
type TestDB struct {
	DB    *gorm.DB
	SqlDB *sql.DB
	t     *testing.T
}

func skipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestDB returns a connection to the shared container with empty tables
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	skipIfShort(t)

	db, sqlDB := connectToDatabase(t, postgresDSN(t))
	tdb := &TestDB{DB: db, SqlDB: sqlDB, t: t}
	tdb.CleanTables()
	t.Cleanup(func() { _ = sqlDB.Close() })
	return tdb
}

// postgresDSN starts the shared container and migrates it on first use
func postgresDSN(t *testing.T) string {
	t.Helper()
	sharedPostgresMu.Lock()
	defer sharedPostgresMu.Unlock()

	if sharedPostgres == nil {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("charityfund_test"),
			tcpostgres.WithUsername("postgres"),
			tcpostgres.WithPassword("charity123"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		require.NoError(t, err, "Failed to start PostgreSQL container")

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err, "Failed to get connection string")

		_, sqlDB := connectToDatabase(t, dsn)
		m, err := migration.NewFromFS(sqlDB, migrations.FS, zap.NewNop())
		require.NoError(t, err, "Failed to create migrator")
		require.NoError(t, m.Up(), "Failed to run migrations")
		_ = m.Close()
		_ = sqlDB.Close()

		sharedPostgres = container
		sharedPostgresDSN = dsn
	}
	return sharedPostgresDSN
}

// CleanTables empties every application table
func (tdb *TestDB) CleanTables() {
	tdb.t.Helper()
	require.NoError(tdb.t, tdb.DB.Exec("TRUNCATE TABLE charity_admissions, charity_entries, outbox_events").Error)
}

func connectToDatabase(t *testing.T, dsn string) (*gorm.DB, *sql.DB) {
	t.Helper()

	gormConfig := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if os.Getenv("TEST_DB_DEBUG") != "" {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(gormpostgres.Open(dsn), gormConfig)
	require.NoError(t, err, "Failed to connect to database")

	sqlDB, err := db.DB()
	require.NoError(t, err, "Failed to get underlying SQL DB")
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	return db, sqlDB
}

// NewTestRedis returns a client on the shared Redis container with an empty
// keyspace
func NewTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	skipIfShort(t)

	client := redis.NewClient(&redis.Options{Addr: redisAddr(t)})
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func redisAddr(t *testing.T) string {
	t.Helper()
	sharedRedisMu.Lock()
	defer sharedRedisMu.Unlock()

	if sharedRedis == nil {
		ctx := context.Background()
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		require.NoError(t, err, "Failed to start Redis container")

		endpoint, err := container.Endpoint(ctx, "")
		require.NoError(t, err, "Failed to get Redis endpoint")

		sharedRedis = container
		sharedRedisAddr = endpoint
	}
	return sharedRedisAddr
}
