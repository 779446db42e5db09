// Package visitors resolves the visitor and session identifiers a hit is
// logged under.
package visitors

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

const (
	UIDCookie     = "wikistats_uid"
	SessionCookie = "wikistats_session"

	maxIDLength = 64
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Identity is the pair of identifiers for one hit. The New flags tell the
// caller which cookies to (re)issue.
type Identity struct {
	UID        string
	Session    string
	NewUID     bool
	NewSession bool
}

// Resolve picks the identifiers for a hit. Explicit request values win
// over cookies; when neither is usable a fresh random ID is issued.
func Resolve(paramUID, cookieUID, paramSession, cookieSession string) Identity {
	var id Identity
	id.UID, id.NewUID = pick(paramUID, cookieUID)
	id.Session, id.NewSession = pick(paramSession, cookieSession)
	return id
}

func pick(candidates ...string) (string, bool) {
	for _, c := range candidates {
		if ValidID(c) {
			return c, false
		}
	}
	return NewID(), true
}

// NewID returns a random identifier.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether s can be stored as an identifier.
func ValidID(s string) bool {
	return s != "" && len(s) <= maxIDLength && idPattern.MatchString(s)
}

// BuildFallbackUID derives a visitor ID for clients that keep no cookies.
// It rotates daily at midnight UTC so visitors cannot be followed across
// days, and the IP is only ever hashed.
func BuildFallbackUID(ipAddress, userAgent, salt string, now time.Time) string {
	today := now.UTC().Format("2006-01-02")
	data := fmt.Sprintf("%s-%s.%s.%s", today, salt, ipAddress, userAgent)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:16])
}
