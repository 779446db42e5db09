package database

import (
	"fmt"
	"log/slog"

	"github.com/karloscodes/cartridge/cache"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"wikistats/internal/config"
	"wikistats/internal/events"
	"wikistats/internal/settings"
)

// DBManager wraps cartridge's sqlite.Manager with the statistics schema.
type DBManager struct {
	*sqlite.Manager
	logger *slog.Logger
}

// NewDBManager creates a new database manager using cartridge's sqlite.Manager.
func NewDBManager(cfg *config.Config, logger *slog.Logger) *DBManager {
	sqliteCfg := sqlite.Config{
		Path:         cfg.DatabaseName,
		MaxOpenConns: cfg.GetMaxOpenConns(),
		MaxIdleConns: cfg.GetMaxIdleConns(),
		Logger:       logger,
		EnableWAL:    true,
		TxImmediate:  true,
		BusyTimeout:  5000,
	}

	return &DBManager{
		Manager: sqlite.NewManager(sqliteCfg),
		logger:  logger,
	}
}

// Init initializes the database connection.
func (dm *DBManager) Init() error {
	_, err := dm.Manager.Connect()
	return err
}

// Models returns every model that is migrated into the database.
func Models() []any {
	models := []any{
		&cache.CacheRecord{},
		&settings.Setting{},
	}
	return append(models, events.Models()...)
}

// MigrateDatabase creates or updates all tables.
func (dm *DBManager) MigrateDatabase() error {
	db := dm.GetConnection()
	if db == nil {
		return gorm.ErrInvalidDB
	}

	err := db.Transaction(func(tx *gorm.DB) error {
		return tx.AutoMigrate(Models()...)
	})
	if err != nil {
		dm.logger.Error("Failed to auto-migrate database", slog.Any("error", err))
		return err
	}

	if err := settings.SetupDefaultSettings(db); err != nil {
		dm.logger.Error("Failed to set up default settings", slog.Any("error", err))
		return err
	}

	if err := dm.CheckpointWAL("FULL"); err != nil {
		dm.logger.Warn("Failed to checkpoint WAL after migration", slog.Any("error", err))
	}

	dm.logger.Info("Database migration completed successfully")
	return nil
}

// TableStatus describes one event table for operators.
type TableStatus struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
	// Oldest is the day of the oldest row, empty for an empty table.
	Oldest string `json:"oldest,omitempty"`
}

// Status reports row counts and the oldest day of every table that the
// retention job prunes.
func Status(db *gorm.DB) ([]TableStatus, error) {
	out := make([]TableStatus, 0, len(events.RetentionTables))
	for _, table := range events.RetentionTables {
		st := TableStatus{Table: table}
		if err := db.Table(table).Count(&st.Rows).Error; err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		if st.Rows > 0 {
			var oldest []string
			if err := db.Table(table).Order("dt ASC").Limit(1).Pluck("dt", &oldest).Error; err != nil {
				return nil, fmt.Errorf("failed to read oldest %s row: %w", table, err)
			}
			if len(oldest) > 0 && len(oldest[0]) >= 10 {
				st.Oldest = oldest[0][:10]
			}
		}
		out = append(out, st)
	}
	return out, nil
}
