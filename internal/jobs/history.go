package jobs

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karloscodes/cartridge"
	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"wikistats/internal/config"
	"wikistats/internal/events"
	"wikistats/internal/settings"
)

// HistoryJob records the daily size of the wiki: page and media counts
// and their bytes on disk.
type HistoryJob struct {
	dbManager cartridge.DBManager
	logger    *slog.Logger
	pagesDir  string
	mediaDir  string
	now       func() time.Time
}

func NewHistoryJob(dbManager cartridge.DBManager, logger *slog.Logger, cfg *config.Config) *HistoryJob {
	return &HistoryJob{
		dbManager: dbManager,
		logger:    logger,
		pagesDir:  cfg.WikiDataDir,
		mediaDir:  cfg.WikiMediaDir,
		now:       time.Now,
	}
}

// DirStats is the number of files and their total size.
type DirStats struct {
	Count int64
	Size  int64
}

// Run takes today's snapshot unless one was already taken today.
func (j *HistoryJob) Run() error {
	db := j.dbManager.GetConnection()
	now := j.now().UTC()

	last, ok, err := settings.LastRun(db, settings.KeyHistoryLastRun)
	if err != nil {
		return err
	}
	if ok && last.UTC().Format("2006-01-02") == now.Format("2006-01-02") {
		j.logger.Debug("History snapshot already taken today")
		return nil
	}

	if err := j.Snapshot(now); err != nil {
		return err
	}
	return settings.MarkRun(db, settings.KeyHistoryLastRun, now)
}

// Snapshot scans the wiki directories and stores the values for day.
func (j *HistoryJob) Snapshot(day time.Time) error {
	pages, err := ScanDir(j.pagesDir, ".txt")
	if err != nil {
		return fmt.Errorf("failed to scan pages: %w", err)
	}
	media, err := ScanDir(j.mediaDir, "")
	if err != nil {
		return fmt.Errorf("failed to scan media: %w", err)
	}

	values := map[string]int64{
		events.HistoryPageCount:  pages.Count,
		events.HistoryPageSize:   pages.Size,
		events.HistoryMediaCount: media.Count,
		events.HistoryMediaSize:  media.Size,
	}

	db := j.dbManager.GetConnection()
	err = sqlite.PerformWrite(j.logger, db, func(tx *gorm.DB) error {
		for info, value := range values {
			if err := events.SaveHistory(tx, day, info, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	j.logger.Info("Recorded wiki history",
		slog.Int64("pages", pages.Count),
		slog.Int64("page_bytes", pages.Size),
		slog.Int64("media", media.Count),
		slog.Int64("media_bytes", media.Size))
	return nil
}

// ScanDir counts regular files below root whose name ends in ext (any
// file when ext is empty). Hidden entries are skipped and a missing root
// counts as empty.
func ScanDir(root, ext string) (DirStats, error) {
	var stats DirStats
	if root == "" {
		return stats, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || (ext != "" && !strings.HasSuffix(d.Name(), ext)) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		stats.Count++
		stats.Size += info.Size()
		return nil
	})
	return stats, err
}
