package jobs

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"wikistats/internal/config"
	"wikistats/internal/events"
	"wikistats/internal/settings"
	"wikistats/internal/timeframe"
)

const (
	retentionBatchSize = 1000
	// retentionMinInterval keeps the daily job from running twice when
	// it is also triggered by hand.
	retentionMinInterval = 20 * time.Hour
)

// RetentionJob deletes statistics older than the configured number of days.
type RetentionJob struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	days      int
	now       func() time.Time
}

func NewRetentionJob(dbManager cartridge.DBManager, logger *slog.Logger, cfg *config.Config) *RetentionJob {
	return &RetentionJob{
		dbManager: dbManager,
		logger:    logger,
		days:      cfg.RetentionDays,
		now:       time.Now,
	}
}

// Run purges expired rows at most once per day. A retention of 0 days
// keeps everything.
func (j *RetentionJob) Run() error {
	if j.days <= 0 {
		j.logger.Debug("Retention disabled, keeping all statistics")
		return nil
	}

	db := j.dbManager.GetConnection()
	last, ok, err := settings.LastRun(db, settings.KeyRetentionLastRun)
	if err != nil {
		return err
	}
	if ok && j.now().Sub(last) < retentionMinInterval {
		j.logger.Debug("Retention already ran recently", slog.Time("last_run", last))
		return nil
	}

	if _, err := j.Purge(j.days); err != nil {
		return err
	}
	return settings.MarkRun(db, settings.KeyRetentionLastRun, j.now())
}

// Purge deletes rows older than days from every statistics table in
// batches, removes search words left without their search and compacts
// the database. It returns the number of deleted rows.
func (j *RetentionJob) Purge(days int) (int64, error) {
	db := j.dbManager.GetConnection()
	cutoff := j.now().UTC().AddDate(0, 0, -days).Format(timeframe.SQLLayout)

	j.logger.Info("Starting statistics retention",
		slog.Int("retention_days", days),
		slog.String("cutoff", cutoff))

	var total int64
	for _, table := range events.RetentionTables {
		deleted, err := j.purgeTable(db, table, cutoff)
		total += deleted
		if err != nil {
			j.logger.Error("Failed to purge table",
				slog.String("table", table),
				slog.Int64("deleted_so_far", total),
				slog.Any("error", err))
			return total, err
		}
	}

	err := sqlite.PerformWrite(j.logger, db, func(tx *gorm.DB) error {
		result := tx.Exec("DELETE FROM searchwords WHERE sid NOT IN (SELECT id FROM search)")
		total += result.RowsAffected
		return result.Error
	})
	if err != nil {
		return total, fmt.Errorf("failed to delete orphaned search words: %w", err)
	}

	if total > 0 {
		if err := db.Exec("VACUUM").Error; err != nil {
			j.logger.Warn("Failed to vacuum database", slog.Any("error", err))
		}
	}

	j.logger.Info("Statistics retention finished",
		slog.Int64("deleted_count", total),
		slog.Int("retention_days", days))
	return total, nil
}

func (j *RetentionJob) purgeTable(db *gorm.DB, table, cutoff string) (int64, error) {
	query := fmt.Sprintf(
		"DELETE FROM %[1]s WHERE rowid IN (SELECT rowid FROM %[1]s WHERE datetime(dt) < ? LIMIT ?)", table)

	var deleted int64
	for {
		var affected int64
		err := sqlite.PerformWrite(j.logger, db, func(tx *gorm.DB) error {
			result := tx.Exec(query, cutoff, retentionBatchSize)
			affected = result.RowsAffected
			return result.Error
		})
		if err != nil {
			return deleted, err
		}

		deleted += affected
		if affected < retentionBatchSize {
			return deleted, nil
		}

		// Let writers from the tracking endpoint through between batches.
		time.Sleep(100 * time.Millisecond)
	}
}
