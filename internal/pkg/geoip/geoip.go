// Package geoip resolves IP addresses to countries and cities.
package geoip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"wikistats/internal/config"
)

// ErrLookupFailed is returned when a resolver has no usable answer.
var ErrLookupFailed = errors.New("geoip lookup failed")

// Location is the result of a successful lookup.
type Location struct {
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
}

// Resolver looks up the location of a single IP address.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (Location, error)
}

// NewResolver returns the resolver selected by cfg.GeoProvider, or nil when
// geolocation is disabled.
func NewResolver(cfg *config.Config, logger *slog.Logger) Resolver {
	switch cfg.GeoProvider {
	case config.GeoProviderGeoLite:
		return NewGeoLiteResolver(cfg.GeoDBPath, logger)
	case config.GeoProviderIPAPI:
		return NewIPAPIResolver(cfg.IPAPIURL, nil)
	default:
		return nil
	}
}

// GeoLiteResolver reads a local GeoLite2 City or Country database. The
// file is opened on first use; a missing file disables lookups.
type GeoLiteResolver struct {
	path   string
	logger *slog.Logger

	once sync.Once
	mu   sync.RWMutex
	db   *geoip2.Reader
}

func NewGeoLiteResolver(path string, logger *slog.Logger) *GeoLiteResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &GeoLiteResolver{path: path, logger: logger}
}

func (r *GeoLiteResolver) open() *geoip2.Reader {
	if r.path == "" {
		r.logger.Debug("GeoIP database path not configured - GeoIP features disabled")
		return nil
	}

	fileInfo, err := os.Stat(r.path)
	if os.IsNotExist(err) {
		r.logger.Info("GeoLite2 database not found - GeoIP features disabled",
			slog.String("path", r.path),
			slog.String("hint", "Download from https://www.maxmind.com/en/geolite2/signup"))
		return nil
	} else if err != nil {
		r.logger.Warn("Error checking GeoLite2 database file",
			slog.String("path", r.path),
			slog.Any("error", err))
		return nil
	}

	db, err := geoip2.Open(r.path)
	if err != nil {
		r.logger.Error("Failed to open GeoLite2 database",
			slog.String("path", r.path),
			slog.Any("error", err))
		return nil
	}

	r.logger.Info("GeoLite2 database initialized successfully",
		slog.String("path", r.path),
		slog.Int64("size_bytes", fileInfo.Size()),
		slog.String("db_type", db.Metadata().DatabaseType))
	return db
}

func (r *GeoLiteResolver) reader() *geoip2.Reader {
	r.once.Do(func() {
		r.mu.Lock()
		r.db = r.open()
		r.mu.Unlock()
	})
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.db
}

// Reload reopens the database file, e.g. after it was replaced on disk.
func (r *GeoLiteResolver) Reload() {
	r.reader()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.db != nil {
		r.db.Close()
	}
	r.db = r.open()
}

func (r *GeoLiteResolver) Resolve(_ context.Context, ip string) (Location, error) {
	db := r.reader()
	if db == nil {
		return Location{}, fmt.Errorf("%w: geolite database unavailable", ErrLookupFailed)
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}, fmt.Errorf("%w: invalid ip %q", ErrLookupFailed, ip)
	}

	// City databases answer country lookups too, so try the richer one first.
	if strings.Contains(db.Metadata().DatabaseType, "City") {
		record, err := db.City(parsed)
		if err != nil {
			return Location{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
		}
		return locationFrom(record.Country.IsoCode, record.Country.Names["en"], record.City.Names["en"])
	}

	record, err := db.Country(parsed)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	return locationFrom(record.Country.IsoCode, record.Country.Names["en"], "")
}

func locationFrom(code, country, city string) (Location, error) {
	if code == "" {
		return Location{}, fmt.Errorf("%w: no country for address", ErrLookupFailed)
	}
	if country == "" {
		country = CountryName(code)
	}
	return Location{
		Country:     country,
		CountryCode: strings.ToLower(code),
		City:        city,
	}, nil
}

// IsPublic reports whether ip is worth resolving. Private, loopback and
// link-local addresses never are.
func IsPublic(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return !(parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() ||
		parsed.IsLinkLocalMulticast() || parsed.IsUnspecified())
}

// ReverseLookup returns the first host name for ip, or "" if none.
func ReverseLookup(ctx context.Context, ip string) string {
	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}
