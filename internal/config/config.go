// Package config provides configuration management using Viper
package config

import (
	"fmt"
	"log"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Environment types
const (
	Development = "development"
	Production  = "production"
	Test        = "test"
)

// LogLevel represents the logging level for the application
type LogLevel string

// Available log levels
const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Database types
const (
	SQLiteDatabase = "sqlite"
)

// Geolocation providers
const (
	GeoProviderNone    = "none"
	GeoProviderGeoLite = "geolite"
	GeoProviderIPAPI   = "ipapi"
)

// LocalTime is the timezone sentinel meaning "the server's local zone".
const LocalTime = "local time"

var offsetPattern = regexp.MustCompile(`^[+-](0\d|1[0-4]):[0-5]\d$`)

// Config holds all configuration parameters for the application
type Config struct {
	// Application settings
	AppName     string   `mapstructure:"appname"`
	AppPort     string   `mapstructure:"appport"`
	Environment string   `mapstructure:"environment"`
	LogLevel    LogLevel `mapstructure:"loglevel"`
	PrivateKey  string   `mapstructure:"privatekey"`

	// Wiki settings
	BaseURL      string `mapstructure:"baseurl"`
	WikiDataDir  string `mapstructure:"wikidatadir"`
	WikiMediaDir string `mapstructure:"wikimediadir"`

	// Tracking and privacy settings
	LogGroupsRaw          string `mapstructure:"loggroups"`
	AnonymizeIPs          bool   `mapstructure:"anonips"`
	NoLocation            bool   `mapstructure:"nolocation"`
	NoUsers               bool   `mapstructure:"nousers"`
	SessionTimeoutSeconds int    `mapstructure:"sessiontimeoutseconds"`
	DefaultTimezone       string `mapstructure:"defaulttimezone"`

	// Reporting API
	APIKeyHash string `mapstructure:"apikeyhash"`

	// Geolocation
	GeoProvider             string `mapstructure:"geoprovider"`
	GeoDBPath               string `mapstructure:"geodbpath"`
	GeoLookupTimeoutSeconds int    `mapstructure:"geolookuptimeoutseconds"`
	IPAPIURL                string `mapstructure:"ipapiurl"`
	GeoLiteLicenseKey       string `mapstructure:"geolitelicensekey"`
	GeoLiteURL              string `mapstructure:"geoliteurl"` // %s is replaced by the license key

	// File paths
	DatabasePath          string `mapstructure:"storagepath"`
	DatabaseName          string `mapstructure:"-"` // Derived from other settings
	PublicDirectory       string `mapstructure:"publicdir"`
	PublicAssetsUrlPrefix string `mapstructure:"publicassetsurlprefix"`

	// Logging settings
	LogsDirectory    string `mapstructure:"logsdir"`
	LogsMaxSizeInMb  int    `mapstructure:"logsmaxsizeinmb"`
	LogsMaxBackups   int    `mapstructure:"logsmaxbackups"`
	LogsMaxAgeInDays int    `mapstructure:"logsmaxageindays"`

	// Database settings
	DatabaseType         string `mapstructure:"dbtype"`
	DatabaseMaxOpenConns int    `mapstructure:"dbmaxopenconns"`
	DatabaseMaxIdleConns int    `mapstructure:"dbmaxidleconns"`

	// Job scheduling settings
	JobsEnabled       bool   `mapstructure:"jobsenabled"`
	RetentionSchedule string `mapstructure:"retentionschedule"`
	HistorySchedule   string `mapstructure:"historyschedule"`
	GeoLiteSchedule   string `mapstructure:"geoliteschedule"`

	// Data retention settings, 0 keeps everything
	RetentionDays int `mapstructure:"retentiondays"`
}

var (
	cfg  *Config
	once sync.Once
)

// GetConfig returns the application configuration
func GetConfig() *Config {
	once.Do(func() {
		v := viper.New()

		v.SetDefault("appname", "wikistats")
		v.SetDefault("appport", "3000")
		v.SetDefault("environment", Development)
		v.SetDefault("loglevel", string(LogLevelDebug))
		v.SetDefault("privatekey", "88888888888888888888888888888888")
		v.SetDefault("baseurl", "http://localhost/")
		v.SetDefault("wikidatadir", "data/pages")
		v.SetDefault("wikimediadir", "data/media")
		v.SetDefault("loggroups", "")
		v.SetDefault("anonips", false)
		v.SetDefault("nolocation", false)
		v.SetDefault("nousers", false)
		v.SetDefault("sessiontimeoutseconds", 900)
		v.SetDefault("defaulttimezone", LocalTime)
		v.SetDefault("apikeyhash", "")
		v.SetDefault("geoprovider", GeoProviderGeoLite)
		v.SetDefault("geodbpath", "storage/GeoLite2-City.mmdb")
		v.SetDefault("geolookuptimeoutseconds", 10)
		v.SetDefault("ipapiurl", "http://ip-api.com/json/")
		v.SetDefault("geolitelicensekey", "")
		v.SetDefault("geoliteurl", "https://download.maxmind.com/app/geoip_download?edition_id=GeoLite2-City&license_key=%s&suffix=tar.gz")
		v.SetDefault("storagepath", "storage")
		v.SetDefault("publicdir", "public")
		v.SetDefault("publicassetsurlprefix", "/")
		v.SetDefault("logsdir", "logs")
		v.SetDefault("logsmaxsizeinmb", 20)
		v.SetDefault("logsmaxbackups", 10)
		v.SetDefault("logsmaxageindays", 30)
		v.SetDefault("dbtype", SQLiteDatabase)
		v.SetDefault("dbmaxopenconns", 0)
		v.SetDefault("dbmaxidleconns", 0)
		v.SetDefault("jobsenabled", true)
		v.SetDefault("retentionschedule", "@daily")
		v.SetDefault("historyschedule", "15 3 * * *")
		v.SetDefault("geoliteschedule", "@weekly")
		v.SetDefault("retentiondays", 0)

		v.BindEnv("appname", "WIKISTATS_APP_NAME")
		v.BindEnv("appport", "WIKISTATS_APP_PORT")
		v.BindEnv("environment", "WIKISTATS_ENV")
		v.BindEnv("loglevel", "WIKISTATS_LOG_LEVEL")
		v.BindEnv("privatekey", "WIKISTATS_PRIVATE_KEY")
		v.BindEnv("baseurl", "WIKISTATS_BASE_URL")
		v.BindEnv("wikidatadir", "WIKISTATS_WIKI_DATA_DIR")
		v.BindEnv("wikimediadir", "WIKISTATS_WIKI_MEDIA_DIR")
		v.BindEnv("loggroups", "WIKISTATS_LOG_GROUPS")
		v.BindEnv("anonips", "WIKISTATS_ANONYMIZE_IPS")
		v.BindEnv("nolocation", "WIKISTATS_NO_LOCATION")
		v.BindEnv("nousers", "WIKISTATS_NO_USERS")
		v.BindEnv("sessiontimeoutseconds", "WIKISTATS_SESSION_TIMEOUT_SECONDS")
		v.BindEnv("defaulttimezone", "WIKISTATS_DEFAULT_TIMEZONE")
		v.BindEnv("apikeyhash", "WIKISTATS_API_KEY_HASH")
		v.BindEnv("geoprovider", "WIKISTATS_GEO_PROVIDER")
		v.BindEnv("geodbpath", "WIKISTATS_GEO_DB_PATH")
		v.BindEnv("geolookuptimeoutseconds", "WIKISTATS_GEO_LOOKUP_TIMEOUT_SECONDS")
		v.BindEnv("ipapiurl", "WIKISTATS_IPAPI_URL")
		v.BindEnv("geolitelicensekey", "WIKISTATS_GEOLITE_LICENSE_KEY")
		v.BindEnv("geoliteurl", "WIKISTATS_GEOLITE_URL")
		v.BindEnv("storagepath", "WIKISTATS_STORAGE_PATH")
		v.BindEnv("publicdir", "WIKISTATS_PUBLIC_DIR")
		v.BindEnv("publicassetsurlprefix", "WIKISTATS_PUBLIC_ASSETS_URL_PREFIX")
		v.BindEnv("logsdir", "WIKISTATS_LOGS_DIR")
		v.BindEnv("logsmaxsizeinmb", "WIKISTATS_LOGS_MAX_SIZE_IN_MB")
		v.BindEnv("logsmaxbackups", "WIKISTATS_LOGS_MAX_BACKUPS")
		v.BindEnv("logsmaxageindays", "WIKISTATS_LOGS_MAX_AGE_IN_DAYS")
		v.BindEnv("dbtype", "WIKISTATS_DB_TYPE")
		v.BindEnv("dbmaxopenconns", "WIKISTATS_DB_MAX_OPEN_CONNS")
		v.BindEnv("dbmaxidleconns", "WIKISTATS_DB_MAX_IDLE_CONNS")
		v.BindEnv("jobsenabled", "WIKISTATS_JOBS_ENABLED")
		v.BindEnv("retentionschedule", "WIKISTATS_RETENTION_SCHEDULE")
		v.BindEnv("historyschedule", "WIKISTATS_HISTORY_SCHEDULE")
		v.BindEnv("geoliteschedule", "WIKISTATS_GEOLITE_SCHEDULE")
		v.BindEnv("retentiondays", "WIKISTATS_RETENTION_DAYS")

		cfg = &Config{}
		if err := v.Unmarshal(cfg); err != nil {
			log.Fatalf("config: failed to unmarshal configuration: %v", err)
		}

		if err := cfg.validate(); err != nil {
			log.Fatalf("config: invalid configuration: %v", err)
		}

		cfg.DatabaseName = cfg.GetDatabasePath()

		defaultKey := "88888888888888888888888888888888"
		if cfg.PrivateKey == "" {
			log.Fatal("Private key is required")
		}
		if cfg.IsProduction() && cfg.PrivateKey == defaultKey {
			log.Fatal("Production requires a unique WIKISTATS_PRIVATE_KEY (cannot use default)")
		}
	})
	return cfg
}

// validate checks the configuration for errors
func (c *Config) validate() error {
	validEnvs := map[string]bool{
		Development: true,
		Production:  true,
		Test:        true,
	}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	validDBTypes := map[string]bool{
		SQLiteDatabase: true,
	}
	if !validDBTypes[c.DatabaseType] {
		return fmt.Errorf("invalid database type: %s", c.DatabaseType)
	}

	validProviders := map[string]bool{
		GeoProviderNone:    true,
		GeoProviderGeoLite: true,
		GeoProviderIPAPI:   true,
	}
	if !validProviders[c.GeoProvider] {
		return fmt.Errorf("invalid geo provider: %s", c.GeoProvider)
	}

	if !IsValidTimezone(c.DefaultTimezone) {
		return fmt.Errorf("invalid default timezone: %s", c.DefaultTimezone)
	}

	if c.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative: %d", c.RetentionDays)
	}

	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid base url %q: %w", c.BaseURL, err)
	}

	return nil
}

// IsValidTimezone reports whether tz is a fixed offset, the local time
// sentinel or a loadable IANA zone name.
func IsValidTimezone(tz string) bool {
	if tz == LocalTime || offsetPattern.MatchString(tz) {
		return true
	}
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// GetDatabasePath returns the appropriate database path based on environment
func (c *Config) GetDatabasePath() string {
	if c.DatabaseName == "" {
		c.DatabaseName = filepath.Join(c.DatabasePath,
			fmt.Sprintf("%s-%s.db", c.AppName, c.Environment))
	}
	return c.DatabaseName
}

// SelfHost returns the lower-cased hostname of the wiki base URL.
func (c *Config) SelfHost() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// LogGroups returns the groups whose activity is logged. Empty means all.
func (c *Config) LogGroups() []string {
	var groups []string
	for _, g := range strings.Split(c.LogGroupsRaw, ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return groups
}

// GeoLookupTimeout bounds a single geolocation request.
func (c *Config) GeoLookupTimeout() time.Duration {
	if c.GeoLookupTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.GeoLookupTimeoutSeconds) * time.Second
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.Environment == Production
}

// IsTest returns true if the environment is test
func (c *Config) IsTest() bool {
	return c.Environment == Test
}

// GetPort returns the HTTP server port (implements cartridge.Config interface).
func (c *Config) GetPort() string {
	return c.AppPort
}

// GetPublicDirectory returns the path to public/static assets (implements cartridge.Config interface).
func (c *Config) GetPublicDirectory() string {
	return c.PublicDirectory
}

// GetAssetsPrefix returns the URL prefix for static assets (implements cartridge.Config interface).
func (c *Config) GetAssetsPrefix() string {
	return c.PublicAssetsUrlPrefix
}

// GetAppName returns the application name (implements cartridge.FactoryConfig interface).
func (c *Config) GetAppName() string {
	return c.AppName
}

// DatabaseDSN returns the database connection string (implements cartridge.FactoryConfig interface).
func (c *Config) DatabaseDSN() string {
	return c.GetDatabasePath()
}

// GetSessionSecret returns the session encryption key (implements cartridge.FactoryConfig interface).
func (c *Config) GetSessionSecret() string {
	return c.PrivateKey
}

// GetSessionTimeout returns the visit session timeout in seconds.
// A visitor idle for longer than this starts a new session.
func (c *Config) GetSessionTimeout() int {
	return c.SessionTimeoutSeconds
}

// GetLoginSessionTimeout returns the admin cookie lifetime in seconds.
// wikistats has no interactive login; one week matches the server defaults.
func (c *Config) GetLoginSessionTimeout() int {
	return 604800
}

// GetMaxOpenConns returns the appropriate MaxOpenConns value based on environment
// If explicitly set via env var, uses that value. Otherwise:
// - Test: 1
// - Development/Production: 10 (allows concurrent reads for parallel dashboard queries)
func (c *Config) GetMaxOpenConns() int {
	if c.DatabaseMaxOpenConns > 0 {
		return c.DatabaseMaxOpenConns
	}

	if c.Environment == Test {
		return 1
	}

	return 10
}

// GetMaxIdleConns returns the appropriate MaxIdleConns value based on environment
func (c *Config) GetMaxIdleConns() int {
	if c.DatabaseMaxIdleConns > 0 {
		return c.DatabaseMaxIdleConns
	}

	if c.Environment == Test {
		return 1
	}

	return 5
}

// GetLogLevel returns the log level as a string (implements cartridge.LogConfigProvider).
func (c *Config) GetLogLevel() string {
	return string(c.LogLevel)
}

// GetLogDirectory returns the logs directory (implements cartridge.LogConfigProvider).
func (c *Config) GetLogDirectory() string {
	return c.LogsDirectory
}

// GetLogMaxSizeMB returns the max log file size in MB (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxSizeMB() int {
	return c.LogsMaxSizeInMb
}

// GetLogMaxBackups returns the max number of log backups (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxBackups() int {
	return c.LogsMaxBackups
}

// GetLogMaxAgeDays returns the max age in days for log files (implements cartridge.LogConfigProvider).
func (c *Config) GetLogMaxAgeDays() int {
	return c.LogsMaxAgeInDays
}

// Reset clears the cached configuration; intended for tests.
func Reset() {
	once = sync.Once{}
	cfg = nil
}
