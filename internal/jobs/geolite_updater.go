package jobs

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karloscodes/cartridge"

	"wikistats/internal/config"
	"wikistats/internal/settings"
)

const (
	// GeoLite database is updated weekly by MaxMind
	GeoLiteUpdateInterval = 7 * 24 * time.Hour
	// MaxMind download URL template
	MaxMindDownloadURL = "https://download.maxmind.com/app/geoip_download?edition_id=GeoLite2-City&license_key=%s&suffix=tar.gz"
)

// Reloader is implemented by resolvers that keep the database file open.
type Reloader interface {
	Reload()
}

// GeoLiteUpdaterJob downloads a fresh GeoLite2 City database.
type GeoLiteUpdaterJob struct {
	dbManager   cartridge.DBManager
	logger      *slog.Logger
	licenseKey  string
	dbPath      string
	downloadURL string
	client      *http.Client
	reloader    Reloader
	now         func() time.Time
}

// NewGeoLiteUpdaterJob creates the updater. reloader may be nil.
func NewGeoLiteUpdaterJob(dbManager cartridge.DBManager, logger *slog.Logger, cfg *config.Config, reloader Reloader) *GeoLiteUpdaterJob {
	dbPath := cfg.GeoDBPath
	if dbPath == "" {
		dbPath = filepath.Join("storage", "GeoLite2-City.mmdb")
	}
	urlTemplate := cfg.GeoLiteURL
	if urlTemplate == "" {
		urlTemplate = MaxMindDownloadURL
	}
	return &GeoLiteUpdaterJob{
		dbManager:   dbManager,
		logger:      logger,
		licenseKey:  cfg.GeoLiteLicenseKey,
		dbPath:      dbPath,
		downloadURL: fmt.Sprintf(urlTemplate, cfg.GeoLiteLicenseKey),
		client:      &http.Client{Timeout: 5 * time.Minute},
		reloader:    reloader,
		now:         time.Now,
	}
}

// Configured reports whether a license key is set.
func (j *GeoLiteUpdaterJob) Configured() bool {
	return j.licenseKey != ""
}

// Run executes the GeoLite update job
func (j *GeoLiteUpdaterJob) Run() error {
	if !j.Configured() {
		j.logger.Debug("GeoLite license key not configured, skipping update")
		return nil
	}

	db := j.dbManager.GetConnection()
	lastUpdate, ok, err := settings.LastRun(db, settings.KeyGeoLiteLastRun)
	if err != nil {
		return err
	}
	if ok && j.now().Sub(lastUpdate) < GeoLiteUpdateInterval {
		if _, statErr := os.Stat(j.dbPath); statErr == nil {
			j.logger.Debug("GeoLite database is up to date",
				slog.Time("last_update", lastUpdate))
			return nil
		}
	}

	j.logger.Info("Starting GeoLite database update", slog.Time("last_update", lastUpdate))

	if err := j.downloadAndUpdate(); err != nil {
		j.logger.Error("Failed to update GeoLite database", slog.Any("error", err))
		return err
	}

	if j.reloader != nil {
		j.reloader.Reload()
	}

	if err := settings.MarkRun(db, settings.KeyGeoLiteLastRun, j.now()); err != nil {
		j.logger.Error("Failed to update last update time", slog.Any("error", err))
	}

	j.logger.Info("GeoLite database updated successfully")
	return nil
}

// downloadAndUpdate downloads the archive and swaps the database file in
// place.
func (j *GeoLiteUpdaterJob) downloadAndUpdate() error {
	dir := filepath.Dir(j.dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	resp, err := j.client.Get(j.downloadURL)
	if err != nil {
		return fmt.Errorf("failed to download GeoLite database: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, ".geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := extractMMDB(resp.Body, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to extract database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write database: %w", err)
	}

	return os.Rename(tmp.Name(), j.dbPath)
}

// extractMMDB copies the first .mmdb entry of a tar.gz stream to dst.
func extractMMDB(src io.Reader, dst io.Writer) error {
	gzr, err := gzip.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar: %w", err)
		}

		if strings.HasSuffix(header.Name, ".mmdb") {
			if _, err := io.Copy(dst, tr); err != nil {
				return fmt.Errorf("failed to extract file: %w", err)
			}
			return nil
		}
	}

	return fmt.Errorf("no .mmdb file found in archive")
}
