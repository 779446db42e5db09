package settings

import (
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Setting keys
const (
	KeyExcludedIPs      = "excluded_ips"
	KeyRetentionLastRun = "retention_last_run"
	KeyHistoryLastRun   = "history_last_run"
	KeyGeoLiteLastRun   = "geolite_last_run"
)

// Setting is one runtime setting stored in the database.
type Setting struct {
	ID        uint      `gorm:"primaryKey"`
	Key       string    `gorm:"uniqueIndex;not null"`
	Value     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:milli"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:milli"`
}

// defaults are created on migration. Job bookkeeping keys start empty,
// which LastRun reports as never ran.
var defaults = []string{
	KeyExcludedIPs,
	KeyRetentionLastRun,
	KeyHistoryLastRun,
	KeyGeoLiteLastRun,
}

// SetupDefaultSettings creates missing settings without touching existing
// values, then loads the excluded IP cache.
func SetupDefaultSettings(dbConn *gorm.DB) error {
	rows := make([]Setting, 0, len(defaults))
	for _, key := range defaults {
		rows = append(rows, Setting{Key: key})
	}

	err := sqlite.PerformWrite(slog.Default(), dbConn, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).Create(&rows).Error
	})
	if err != nil {
		slog.Default().Error("Failed to create default settings", slog.Any("error", err))
		return fmt.Errorf("failed to create default settings: %w", err)
	}

	loadExcludedCache(dbConn, slog.Default())
	return nil
}

// GetSetting retrieves a setting value from the database
func GetSetting(dbConn *gorm.DB, key string) (string, error) {
	var setting Setting
	result := dbConn.Where("key = ?", key).First(&setting)

	if result.Error != nil {
		return "", result.Error
	}

	return setting.Value, nil
}

// UpdateSetting stores value under key, creating the setting when it
// does not exist yet.
func UpdateSetting(dbConn *gorm.DB, key string, value string) error {
	err := sqlite.PerformWrite(slog.Default(), dbConn, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&Setting{Key: key, Value: value}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to update setting %s: %w", key, err)
	}

	if key == KeyExcludedIPs || excluded == nil {
		loadExcludedCache(dbConn, slog.Default())
	}
	return nil
}

// LastRun returns the time stored under a *_last_run key. ok is false
// when the job never ran.
func LastRun(dbConn *gorm.DB, key string) (time.Time, bool, error) {
	value, err := GetSetting(dbConn, key)
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && value == "") {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// MarkRun stores t under a *_last_run key.
func MarkRun(dbConn *gorm.DB, key string, t time.Time) error {
	return UpdateSetting(dbConn, key, t.UTC().Format(time.RFC3339))
}

// SettingResponse represents a setting key-value pair for API responses
type SettingResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GetAllSettingsForDisplay retrieves all settings ordered by key.
func GetAllSettingsForDisplay(db *gorm.DB) ([]SettingResponse, error) {
	var allSettings []Setting
	if err := db.Order("key").Find(&allSettings).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch settings: %w", err)
	}

	result := make([]SettingResponse, 0, len(allSettings))
	for _, setting := range allSettings {
		result = append(result, SettingResponse{
			Key:   setting.Key,
			Value: setting.Value,
		})
	}
	return result, nil
}

// IsEditable reports whether key may be changed through the settings API.
// Job bookkeeping keys are internal.
func IsEditable(key string) bool {
	return key == KeyExcludedIPs
}
