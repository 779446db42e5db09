package middleware

import (
	"crypto/sha256"
	"log/slog"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyAuth guards the event and report APIs. Clients send
// "Authorization: Bearer <key>"; the key is compared with a bcrypt hash
// (see statsctl hash-key). An empty hash locks the endpoints.
func APIKeyAuth(keyHash string, logger *slog.Logger) fiber.Handler {
	if keyHash == "" {
		logger.Warn("API key not configured, protected endpoints are disabled")
	}
	keys := &keyVerifier{hash: []byte(keyHash)}

	return func(c *fiber.Ctx) error {
		key, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return unauthorized(c, "Missing or malformed Authorization header, expected: Bearer <api_key>")
		}
		if keyHash == "" {
			return unauthorized(c, "API key not configured. Set WIKISTATS_API_KEY_HASH, see statsctl hash-key.")
		}
		if !keys.verify(key) {
			logger.Debug("Rejected API key", slog.String("path", c.Path()), slog.String("ip", c.IP()))
			return unauthorized(c, "Invalid API key")
		}
		return c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func unauthorized(c *fiber.Ctx, message string) error {
	c.Set("WWW-Authenticate", `Bearer realm="wikistats"`)
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": message})
}

// keyVerifier remembers digests of keys that already passed bcrypt, so
// the wiki's event calls do not pay the hashing cost on every request.
type keyVerifier struct {
	hash []byte

	mu       sync.RWMutex
	accepted map[[sha256.Size]byte]struct{}
}

func (v *keyVerifier) verify(key string) bool {
	digest := sha256.Sum256([]byte(key))

	v.mu.RLock()
	_, ok := v.accepted[digest]
	v.mu.RUnlock()
	if ok {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(key)) != nil {
		return false
	}

	v.mu.Lock()
	if v.accepted == nil {
		v.accepted = make(map[[sha256.Size]byte]struct{})
	}
	v.accepted[digest] = struct{}{}
	v.mu.Unlock()
	return true
}
