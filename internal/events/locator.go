package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge/sqlite"
	"gorm.io/gorm"

	"wikistats/internal/pkg/geoip"
)

// LocationFreshness is how long a stored location is trusted.
const LocationFreshness = 30 * 24 * time.Hour

// Locator enriches the iplocation table. It is best effort: every failure
// is logged and swallowed.
type Locator struct {
	db       *gorm.DB
	resolver geoip.Resolver
	timeout  time.Duration
	logger   *slog.Logger

	// Reverse resolves host names; nil disables reverse lookups.
	Reverse func(ctx context.Context, ip string) string
	// Now is the clock used for freshness checks.
	Now     func() time.Time
}

func NewLocator(db *gorm.DB, resolver geoip.Resolver, timeout time.Duration, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Locator{
		db:       db,
		resolver: resolver,
		timeout:  timeout,
		logger:   logger,
		Reverse:  geoip.ReverseLookup,
		Now:      time.Now,
	}
}

// Locate resolves ip and stores the result under key, which is the IP as
// written to the event tables. Nothing happens for private addresses or
// when a fresh entry exists.
func (l *Locator) Locate(ctx context.Context, ip, key string) {
	if l == nil || l.resolver == nil || !geoip.IsPublic(ip) {
		return
	}

	fresh, err := l.isFresh(key)
	if err != nil {
		l.logger.Warn("Failed to check ip location cache", slog.Any("error", err))
		return
	}
	if fresh {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	loc, err := l.resolver.Resolve(ctx, ip)
	if err != nil {
		if errors.Is(err, geoip.ErrLookupFailed) {
			l.logger.Warn("IP geolocation failed", slog.Any("error", err))
		} else {
			l.logger.Error("Unexpected IP geolocation error", slog.Any("error", err))
		}
		return
	}

	host := ""
	// Anonymized IPs must not be tied to a host name either.
	if l.Reverse != nil && key == ip {
		host = l.Reverse(ctx, ip)
	}

	err = sqlite.PerformWrite(l.logger, l.db, func(tx *gorm.DB) error {
		return tx.Exec(`
			INSERT INTO iplocation (ip, code, country, city, host, lastupd)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(ip) DO UPDATE SET
				code = excluded.code,
				country = excluded.country,
				city = excluded.city,
				host = excluded.host,
				lastupd = excluded.lastupd
		`, key, loc.CountryCode, loc.Country, loc.City, host, l.Now().UTC()).Error
	})
	if err != nil {
		l.logger.Warn("Failed to store ip location", slog.Any("error", err))
	}
}

func (l *Locator) isFresh(key string) (bool, error) {
	var rows []IPLocation
	if err := l.db.Where("ip = ?", key).Limit(1).Find(&rows).Error; err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	return l.Now().Sub(rows[0].LastUpd) < LocationFreshness, nil
}
