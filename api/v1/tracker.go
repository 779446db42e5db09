// Package v1 serves the ingestion endpoints: the tracking pixel requested
// by wiki pages and the server side event API called by the wiki itself.
package v1

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"wikistats/internal/config"
	"wikistats/internal/events"
	"wikistats/internal/metrics"
	"wikistats/internal/referrers"
	"wikistats/internal/settings"
	"wikistats/internal/visitors"
)

const (
	msgEventAdded     = "Event added successfully"
	errInvalidRequest = "Invalid request"

	// uidCookieTTL keeps the visitor cookie for a year.
	uidCookieTTL = 365 * 24 * time.Hour

	// RemoteUserHeader and RemoteGroupsHeader carry the authenticated wiki
	// user when the wiki's reverse proxy forwards them to the pixel.
	RemoteUserHeader   = "X-Remote-User"
	RemoteGroupsHeader = "X-Remote-Groups"
)

// Pixel actions of the do parameter.
const (
	actionView     = "v"
	actionOutgoing = "o"
)

var transparentGIF, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAEALAAAAAABAAEAAAIBTAA7")

// Tracker holds the long-lived collaborators of the ingestion handlers.
type Tracker struct {
	classifier *referrers.Classifier
	locator    *events.Locator
	options    events.Options
	sessionTTL time.Duration
	secure     bool
	salt       string
}

// NewTracker builds the ingestion handlers. locator may be nil when
// geolocation is disabled.
func NewTracker(cfg *config.Config, classifier *referrers.Classifier, locator *events.Locator) *Tracker {
	ttl := time.Duration(cfg.GetSessionTimeout()) * time.Second
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Tracker{
		classifier: classifier,
		locator:    locator,
		options:    events.OptionsFromConfig(cfg),
		sessionTTL: ttl,
		secure:     cfg.IsProduction(),
		salt:       cfg.PrivateKey,
	}
}

func (t *Tracker) env(ctx *cartridge.Context) events.Env {
	return events.Env{
		DB:         ctx.DB(),
		Logger:     ctx.Logger,
		Classifier: t.classifier,
		Locator:    t.locator,
		Options:    t.options,
	}
}

// excluded reports whether ip is on the excluded list. Lookup failures
// are logged and treated as not excluded.
func excluded(ctx *cartridge.Context, ip string) bool {
	isExcluded, err := settings.IsIPExcluded(ip)
	if err != nil {
		ctx.Logger.Warn("Failed to check excluded IPs", slog.Any("error", err))
		return false
	}
	return isExcluded
}

// LogPixelHandler serves GET /log. It always answers with a transparent
// GIF; logging problems are only visible in the logs and metrics.
func (t *Tracker) LogPixelHandler(ctx *cartridge.Context) error {
	t.logHit(ctx)

	ctx.Set(fiber.HeaderContentType, "image/gif")
	ctx.Set(fiber.HeaderCacheControl, "no-store, max-age=0")
	return ctx.Status(http.StatusOK).Send(transparentGIF)
}

func (t *Tracker) logHit(ctx *cartridge.Context) {
	ip := clientIP(ctx.Ctx)
	if excluded(ctx, ip) {
		metrics.EventsSkipped.WithLabelValues("excluded_ip").Inc()
		return
	}

	identity := visitors.Resolve(
		ctx.Query("uid"), ctx.Cookies(visitors.UIDCookie),
		ctx.Query("ses"), ctx.Cookies(visitors.SessionCookie),
	)
	t.setIdentityCookies(ctx, identity)

	recorder := events.NewRecorder(t.env(ctx), events.Request{
		IP:        ip,
		UserAgent: ctx.Get(fiber.HeaderUserAgent),
		User:      ctx.Get(RemoteUserHeader),
		Groups:    splitList(ctx.Get(RemoteGroupsHeader)),
		Session:   identity.Session,
		UID:       identity.UID,
		Page:      ctx.Query("p"),
		Referrer:  ctx.Query("r"),
		ScreenX:   ctx.QueryInt("sx"),
		ScreenY:   ctx.QueryInt("sy"),
		ViewX:     ctx.QueryInt("vx"),
		ViewY:     ctx.QueryInt("vy"),
		JS:        ctx.QueryInt("js") == 1,
	})
	if !recorder.ShouldLog() {
		metrics.EventsSkipped.WithLabelValues("robot").Inc()
		return
	}

	action := ctx.Query("do")
	err := recorder.Transaction(ctx.UserContext(), func(tx *events.Tx) error {
		if err := tx.LogLastseen(); err != nil {
			return err
		}

		switch action {
		case actionView:
			if ctx.Query("p") == "" {
				return tx.LogSession(0)
			}
			result, err := tx.LogAccess()
			if err != nil {
				return err
			}
			metrics.Referrers.WithLabelValues(string(result.Kind)).Inc()
			return tx.LogSession(1)
		case actionOutgoing:
			if err := tx.LogOutgoing(ctx.Query("ol")); err != nil {
				return err
			}
			return tx.LogSession(0)
		default:
			return tx.LogSession(0)
		}
	})
	if err != nil {
		metrics.EventsSkipped.WithLabelValues("store_error").Inc()
		return
	}

	metrics.EventsLogged.WithLabelValues(pixelKind(action)).Inc()
}

func pixelKind(action string) string {
	switch action {
	case actionView:
		return "pageview"
	case actionOutgoing:
		return "outlink"
	default:
		return "session"
	}
}

func (t *Tracker) setIdentityCookies(ctx *cartridge.Context, identity visitors.Identity) {
	now := time.Now()
	if identity.NewUID {
		ctx.Cookie(&fiber.Cookie{
			Name:     visitors.UIDCookie,
			Value:    identity.UID,
			Path:     "/",
			Expires:  now.Add(uidCookieTTL),
			Secure:   t.secure,
			HTTPOnly: true,
			SameSite: fiber.CookieSameSiteLaxMode,
		})
	}
	// The session cookie slides with every hit.
	ctx.Cookie(&fiber.Cookie{
		Name:     visitors.SessionCookie,
		Value:    identity.Session,
		Path:     "/",
		MaxAge:   int(t.sessionTTL.Seconds()),
		Secure:   t.secure,
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
}
