package testsupport

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
	ctestsupport "github.com/karloscodes/cartridge/testsupport"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"wikistats/internal"
	"wikistats/internal/config"
	"wikistats/internal/database"
	"wikistats/internal/referrers"
	"wikistats/internal/searchengines"
)

// TestAPIKey is accepted by apps built with CreateMinimalTestApp.
const TestAPIKey = "test-api-key"

// TestBaseURL is the wiki base URL used by test classifiers and apps.
const TestBaseURL = "https://wiki.example.org/"

// databases holds one in-memory database per top-level test, so
// subtests and helpers that capture the outer t share the same store.
var databases = struct {
	sync.Mutex
	byTest map[string]*gorm.DB
}{byTest: make(map[string]*gorm.DB)}

// TestDBManager adapts a test database to cartridge.DBManager.
type TestDBManager struct {
	*ctestsupport.TestDBManager
}

func NewTestDBManager(db *gorm.DB) *TestDBManager {
	return &TestDBManager{TestDBManager: ctestsupport.NewTestDBManager(db)}
}

var _ cartridge.DBManager = (*TestDBManager)(nil)

func rootTestName(t *testing.T) string {
	name, _, _ := strings.Cut(t.Name(), "/")
	return name
}

// SetupTestDB returns the migrated statistics database of the running
// top-level test, creating it on first use. It is a shared-cache
// in-memory SQLite database closed when the test ends.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := rootTestName(t)

	databases.Lock()
	defer databases.Unlock()
	if db, ok := databases.byTest[name]; ok {
		return db
	}

	dsn := fmt.Sprintf("file:wikistats_%s_%d?mode=memory&cache=shared", name, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("testsupport: failed to open test database: %v", err)
	}
	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("testsupport: failed to migrate models: %v", err)
	}

	databases.byTest[name] = db
	t.Cleanup(func() {
		databases.Lock()
		delete(databases.byTest, name)
		databases.Unlock()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// SetupTestDBManager returns a DB manager over SetupTestDB and a quiet
// logger.
func SetupTestDBManager(t *testing.T) (*TestDBManager, *slog.Logger) {
	t.Helper()
	return NewTestDBManager(SetupTestDB(t)), GetLogger()
}

// CleanAllTables empties every table, including settings and the cache.
func CleanAllTables(db *gorm.DB) {
	var tables []string
	db.Raw("SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'").Scan(&tables)
	CleanTables(db, tables...)
}

// CleanTables empties the given tables and resets their id sequences.
func CleanTables(db *gorm.DB, tables ...string) {
	db.Transaction(func(tx *gorm.DB) error {
		for _, table := range tables {
			tx.Exec("DELETE FROM " + table)
			tx.Exec("DELETE FROM sqlite_sequence WHERE name = ?", table)
		}
		return nil
	})
}

// Seed inserts rows one by one and fails the test on the first error.
func Seed(t *testing.T, db *gorm.DB, rows ...any) {
	t.Helper()
	for _, row := range rows {
		require.NoError(t, db.Create(row).Error)
	}
}

// GetLogger returns a logger that only prints errors.
func GetLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// NewClassifier returns a classifier over the default catalog with the
// self host resolved from TestBaseURL.
func NewClassifier(t *testing.T) *referrers.Classifier {
	t.Helper()
	catalog, err := searchengines.Default()
	require.NoError(t, err)
	require.NoError(t, catalog.ResolveSelf(TestBaseURL))
	return referrers.NewClassifier(catalog)
}

// TestConfig returns a config for tests that accepts TestAPIKey.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(TestAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	return &config.Config{
		AppName:                 "wikistats",
		Environment:             config.Test,
		LogLevel:                config.LogLevelError,
		PrivateKey:              "test-private-key-0123456789abcdef",
		BaseURL:                 TestBaseURL,
		SessionTimeoutSeconds:   900,
		DefaultTimezone:         "+00:00",
		APIKeyHash:              string(hash),
		GeoProvider:             config.GeoProviderNone,
		GeoLookupTimeoutSeconds: 1,
		DatabaseType:            config.SQLiteDatabase,
		JobsEnabled:             false,
	}
}

// CreateMinimalTestApp creates a test Fiber app with all routes mounted
// against db and cfg.
func CreateMinimalTestApp(t *testing.T, db *gorm.DB, cfg *config.Config) *fiber.App {
	t.Helper()

	srvCfg := internal.NewServerConfig()
	srvCfg.Config = cfg
	srvCfg.Logger = GetLogger()
	srvCfg.DBManager = NewTestDBManager(db)

	srv, err := cartridge.NewServer(srvCfg)
	require.NoError(t, err)

	require.NoError(t, internal.MountRoutes(srv, cfg))
	return srv.App()
}
