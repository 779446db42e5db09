package settings

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/karloscodes/cartridge/cache"
	"gorm.io/gorm"
)

const excludedCacheTTL = 5 * time.Minute

// excluded holds the parsed excluded_ips list. It is nil until the
// settings table was set up.
var excluded *cache.Cache[string, []netip.Prefix]

// NormalizeExcludedIPs validates a comma separated list of addresses and
// CIDR ranges and returns it in canonical form, e.g.
// " 192.0.2.1 , 10.1.2.3/8" becomes "192.0.2.1,10.0.0.0/8".
func NormalizeExcludedIPs(value string) (string, error) {
	items := ParseIPList(value)
	for i, item := range items {
		prefix, err := parseExcluded(item)
		if err != nil {
			return "", fmt.Errorf("invalid IP address or range: %s", item)
		}
		if prefix.IsSingleIP() {
			items[i] = prefix.Addr().String()
		} else {
			items[i] = prefix.String()
		}
	}
	return strings.Join(items, ","), nil
}

// IsIPExcluded reports whether ip is on the excluded list. Traffic from
// excluded addresses is not logged.
func IsIPExcluded(ip string) (bool, error) {
	if excluded == nil {
		return false, nil
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false, nil
	}
	addr = addr.WithZone("").Unmap()

	prefixes, err := excluded.Get(KeyExcludedIPs)
	if err != nil {
		return false, fmt.Errorf("failed to check excluded IPs: %w", err)
	}
	for _, prefix := range prefixes {
		if prefix.Contains(addr) {
			return true, nil
		}
	}
	return false, nil
}

// ParseIPList splits a comma separated list, dropping blanks.
func ParseIPList(value string) []string {
	var ips []string
	for _, ip := range strings.Split(value, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func parseExcluded(item string) (netip.Prefix, error) {
	if strings.Contains(item, "/") {
		prefix, err := netip.ParsePrefix(item)
		if err != nil {
			return netip.Prefix{}, err
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(item)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.WithZone("").Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func loadExcludedCache(dbConn *gorm.DB, logger *slog.Logger) {
	fetch := func(key string) ([]netip.Prefix, error) {
		var value string
		err := dbConn.WithContext(context.Background()).Raw("SELECT value FROM settings WHERE key = ? LIMIT 1", key).Scan(&value).Error
		if err != nil {
			return nil, err
		}

		var prefixes []netip.Prefix
		for _, item := range ParseIPList(value) {
			prefix, err := parseExcluded(item)
			if err != nil {
				logger.Warn("Ignoring invalid excluded IP", slog.String("value", item))
				continue
			}
			prefixes = append(prefixes, prefix)
		}
		return prefixes, nil
	}
	excluded = cache.NewCache[string, []netip.Prefix](logger, excludedCacheTTL, fetch)
}
