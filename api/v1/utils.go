package v1

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// proxyHeaders carry a single client address, in order of trust.
var proxyHeaders = []string{
	"X-Real-IP",
	"CF-Connecting-IP",
	"True-Client-IP",
	"X-Client-IP",
}

// clientIP picks the visitor address. Public addresses from proxy headers
// win, IPv4 before IPv6. Wikis often run on intranets, so the connection
// address is used even when it is private.
func clientIP(c *fiber.Ctx) string {
	candidates := strings.Split(c.Get(fiber.HeaderXForwardedFor), ",")
	for _, header := range proxyHeaders {
		if value := c.Get(header); value != "" {
			candidates = append(candidates, value)
		}
	}
	if forwarded := c.Get("Forwarded"); forwarded != "" {
		candidates = append(candidates, forwardedFor(forwarded)...)
	}
	if ip := selectPreferredIP(candidates); ip != "" {
		return ip
	}

	for _, raw := range []string{c.Context().RemoteAddr().String(), c.IP()} {
		if addr, ok := normalizeIP(raw); ok && !addr.IsUnspecified() {
			return addr.String()
		}
	}
	return ""
}

func isPrivateIP(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

// selectPreferredIP returns the first public IPv4 address of values, else
// the first public IPv6 address.
func selectPreferredIP(values []string) string {
	var v6 netip.Addr
	for _, raw := range values {
		addr, ok := normalizeIP(raw)
		if !ok || isPrivateIP(addr) {
			continue
		}
		if addr.Is4() {
			return addr.String()
		}
		if !v6.IsValid() {
			v6 = addr
		}
	}
	if v6.IsValid() {
		return v6.String()
	}
	return ""
}

// normalizeIP parses an address as found in proxy headers: optionally
// quoted, bracketed, with a port or an IPv6 zone. Mapped IPv4 addresses
// are unmapped.
func normalizeIP(raw string) (netip.Addr, bool) {
	clean := strings.Trim(strings.TrimSpace(raw), `"`)
	if clean == "" {
		return netip.Addr{}, false
	}

	if addrPort, err := netip.ParseAddrPort(clean); err == nil {
		return addrPort.Addr().WithZone("").Unmap(), true
	}

	clean = strings.TrimSuffix(strings.TrimPrefix(clean, "["), "]")
	if i := strings.IndexByte(clean, '%'); i >= 0 {
		clean = clean[:i]
	}
	addr, err := netip.ParseAddr(clean)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// forwardedFor extracts the for= values of an RFC 7239 Forwarded header.
func forwardedFor(header string) []string {
	var candidates []string
	for _, entry := range strings.Split(header, ",") {
		for _, part := range strings.Split(entry, ";") {
			key, value, found := strings.Cut(strings.TrimSpace(part), "=")
			if found && strings.EqualFold(key, "for") {
				candidates = append(candidates, value)
			}
		}
	}
	return candidates
}

// splitList splits a comma separated header or form value.
func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func handleError(c *fiber.Ctx, err error) error {
	if fiberErr, ok := err.(*fiber.Error); ok {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"error": fiberErr.Message,
		})
	}

	return c.Status(http.StatusUnprocessableEntity).JSON(fiber.Map{
		"error": errInvalidRequest,
	})
}
