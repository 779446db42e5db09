package v1

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"

	"wikistats/internal/analytics"
	"wikistats/internal/events"
	"wikistats/internal/metrics"
	"wikistats/internal/searchengines"
	"wikistats/internal/visitors"
)

// Server side event types accepted by CreateEventHandler.
const (
	EventEdit     = "edit"
	EventLogin    = "login"
	EventRegister = "register"
	EventMedia    = "media"
	EventSearch   = "search"
	EventHistory  = "history"
)

// CreateEventParams is a fact reported by the wiki. The request fields
// describe the wiki visitor that caused it, not the calling server.
type CreateEventParams struct {
	Type      string    `json:"type"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"user_agent"`
	User      string    `json:"user"`
	Groups    []string  `json:"groups"`
	Session   string    `json:"session"`
	UID       string    `json:"uid"`
	Page      string    `json:"page"`
	Timestamp time.Time `json:"timestamp"`

	EditType  string `json:"edit_type"`
	LoginType string `json:"login_type"`

	Media  string `json:"media"`
	Mime   string `json:"mime"`
	Inline bool   `json:"inline"`
	Size   int64  `json:"size"`

	Query  string `json:"query"`
	Engine string `json:"engine"`

	Info  string `json:"info"`
	Value int64  `json:"value"`
}

var (
	editTypes = map[string]events.EditType{
		"":  events.EditEdited,
		"C": events.EditCreated,
		"E": events.EditEdited,
		"e": events.EditMinor,
		"D": events.EditDeleted,
	}
	loginTypes = map[string]events.LoginType{
		"":  events.LoginNormal,
		"l": events.LoginNormal,
		"p": events.LoginPermanent,
		"o": events.LoginLogout,
		"f": events.LoginFailed,
	}
)

func validateEvent(params *CreateEventParams) error {
	params.Type = strings.ToLower(strings.TrimSpace(params.Type))

	switch params.Type {
	case EventEdit:
		if params.Page == "" {
			return fiber.NewError(http.StatusBadRequest, "page is required for edit events")
		}
		if _, ok := editTypes[params.EditType]; !ok {
			return fiber.NewError(http.StatusBadRequest, "unknown edit_type")
		}
	case EventLogin:
		if _, ok := loginTypes[params.LoginType]; !ok {
			return fiber.NewError(http.StatusBadRequest, "unknown login_type")
		}
	case EventRegister:
		if params.User == "" {
			return fiber.NewError(http.StatusBadRequest, "user is required for register events")
		}
	case EventMedia:
		if params.Media == "" {
			return fiber.NewError(http.StatusBadRequest, "media is required for media events")
		}
	case EventSearch:
		if strings.TrimSpace(params.Query) == "" {
			return fiber.NewError(http.StatusBadRequest, "query is required for search events")
		}
	case EventHistory:
		if !analytics.IsHistoryInfo(params.Info) {
			return fiber.NewError(http.StatusBadRequest, "unknown history info")
		}
	default:
		return fiber.NewError(http.StatusBadRequest, "unknown event type")
	}
	return nil
}

// CreateEventHandler serves POST /api/v1/events.
func (t *Tracker) CreateEventHandler(ctx *cartridge.Context) error {
	var params CreateEventParams
	if err := ctx.BodyParser(&params); err != nil {
		return handleError(ctx.Ctx, fiber.NewError(http.StatusBadRequest, errInvalidRequest))
	}
	if err := validateEvent(&params); err != nil {
		ctx.Logger.Debug("Rejected event", slog.String("type", params.Type), slog.Any("error", err))
		return handleError(ctx.Ctx, err)
	}

	ip := params.IP
	if ip == "" {
		ip = clientIP(ctx.Ctx)
	}
	if params.Type != EventHistory && excluded(ctx, ip) {
		metrics.EventsSkipped.WithLabelValues("excluded_ip").Inc()
		return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"message": "Event skipped", "status": http.StatusAccepted})
	}

	uid := params.UID
	if !visitors.ValidID(uid) {
		uid = visitors.BuildFallbackUID(ip, params.UserAgent, t.salt, time.Now())
	}

	recorder := events.NewRecorder(t.env(ctx), events.Request{
		IP:        ip,
		UserAgent: params.UserAgent,
		User:      params.User,
		Groups:    params.Groups,
		Session:   params.Session,
		UID:       uid,
		Page:      params.Page,
		Time:      params.Timestamp,
	})
	// History snapshots describe the wiki, not a visitor.
	if params.Type != EventHistory && !recorder.ShouldLog() {
		metrics.EventsSkipped.WithLabelValues("robot").Inc()
		return ctx.Status(http.StatusAccepted).JSON(fiber.Map{"message": "Event skipped", "status": http.StatusAccepted})
	}

	err := recorder.Transaction(ctx.UserContext(), func(tx *events.Tx) error {
		switch params.Type {
		case EventEdit:
			if err := tx.LogEdit(params.Page, editTypes[params.EditType]); err != nil {
				return err
			}
		case EventLogin:
			if err := tx.LogLogin(loginTypes[params.LoginType], params.User); err != nil {
				return err
			}
		case EventRegister:
			return tx.LogLogin(events.LoginCreated, params.User)
		case EventMedia:
			if err := tx.LogMedia(params.Media, params.Mime, params.Inline, params.Size); err != nil {
				return err
			}
		case EventSearch:
			engine := params.Engine
			if engine == "" {
				engine = searchengines.SelfKey
			}
			if err := tx.LogSearch(params.Page, params.Query, engine); err != nil {
				return err
			}
		case EventHistory:
			return tx.LogHistory(params.Info, params.Value)
		}
		return tx.LogLastseen()
	})
	if err != nil {
		metrics.EventsSkipped.WithLabelValues("store_error").Inc()
		if errors.Is(err, events.ErrStore) {
			return ctx.Status(http.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to store event",
				"code":  "STORE_ERROR",
			})
		}
		return handleError(ctx.Ctx, err)
	}

	metrics.EventsLogged.WithLabelValues(params.Type).Inc()
	return ctx.Status(http.StatusAccepted).JSON(fiber.Map{
		"message": msgEventAdded,
		"status":  http.StatusAccepted,
	})
}
