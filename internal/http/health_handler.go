package http

import (
	"context"
	"time"

	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/karloscodes/cartridge"
	"gorm.io/gorm"

	"wikistats/internal/settings"
)

const healthPingTimeout = 2 * time.Second

var jobRunKeys = map[string]string{
	"retention": settings.KeyRetentionLastRun,
	"history":   settings.KeyHistoryLastRun,
	"geolite":   settings.KeyGeoLiteLastRun,
}

// HealthStatus is the body of GET /_health.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	DBStatus  string    `json:"db_status"`
	// Jobs maps job names to their last successful run. Jobs that never
	// ran are left out.
	Jobs map[string]time.Time `json:"jobs"`
}

// HealthIndexAction pings the database and reports when the scheduled
// jobs last ran. A failing database answers 503 so load balancers take
// the instance out.
func HealthIndexAction(ctx *cartridge.Context) error {
	health := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		DBStatus:  "ok",
		Jobs:      map[string]time.Time{},
	}

	db := ctx.DBManager.GetConnection()
	if err := ping(ctx.UserContext(), db); err != nil {
		ctx.Logger.Error("Database health check failed", slog.Any("error", err))
		health.Status = "degraded"
		health.DBStatus = "error"
		return ctx.Status(fiber.StatusServiceUnavailable).JSON(health)
	}

	for job, key := range jobRunKeys {
		at, ok, err := settings.LastRun(db, key)
		if err != nil {
			ctx.Logger.Warn("Failed to read job run", slog.String("job", job), slog.Any("error", err))
			continue
		}
		if ok {
			health.Jobs[job] = at
		}
	}

	return ctx.JSON(health)
}

func ping(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return gorm.ErrInvalidDB
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	return sqlDB.PingContext(pingCtx)
}
