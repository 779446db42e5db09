package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"

	v1 "wikistats/api/v1"
	"wikistats/internal/config"
	"wikistats/internal/events"
	"wikistats/internal/http"
	"wikistats/internal/http/middleware"
	"wikistats/internal/metrics"
)

// publicCORSConfig is the permissive CORS setup of the tracking pixel,
// which is requested from every wiki page.
var publicCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "GET,OPTIONS",
	AllowHeaders: "Origin, Accept, Referrer, User-Agent",
}

// apiCORSConfig allows dashboards on other origins to read the reports.
var apiCORSConfig = &cors.Config{
	AllowOrigins: "*",
	AllowMethods: "GET,POST,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization",
}

// NewServerConfig returns cartridge's server defaults without the global
// Sec-Fetch-Site check. The wiki posts events server to server, without
// fetch metadata headers. Every POST route requires the API key.
func NewServerConfig() *cartridge.ServerConfig {
	cfg := cartridge.DefaultServerConfig()
	cfg.EnableSecFetchSite = false
	return cfg
}

// MountRoutes builds the shared services from cfg and mounts every route.
func MountRoutes(srv *cartridge.Server, cfg *config.Config) error {
	services, err := NewServices(cfg, srv.GetLogger())
	if err != nil {
		return err
	}
	MountRoutesWithServices(srv, cfg, services)
	return nil
}

// MountRoutesWithServices mounts all application routes using cartridge's
// route API.
func MountRoutesWithServices(srv *cartridge.Server, cfg *config.Config, services *Services) {
	db := srv.GetDBManager().GetConnection()
	logger := srv.GetLogger()

	// ============================================
	// PUBLIC ENDPOINT PROTECTION
	// The pixel gets rate limiting (production only) and permissive CORS.
	// Everything under /api/v1 requires the API key.
	// ============================================

	// In development/test, rate limiting would interfere with testing
	conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
		return func(c *fiber.Ctx) error {
			if cfg.IsProduction() {
				return limiter(c)
			}
			return c.Next()
		}
	}

	// 120/min per IP covers a reader clicking through pages and outgoing links
	pixelRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
		cartridgemiddleware.WithMax(120),
		cartridgemiddleware.WithDuration(time.Minute),
	))

	apiKey := middleware.APIKeyAuth(cfg.APIKeyHash, logger)

	// ============================================
	// ROUTE CONFIGURATIONS
	// ============================================

	// The pixel is an image GET from any wiki page.
	pixelConfig := &cartridge.RouteConfig{
		EnableCORS:       true,
		CORSConfig:       publicCORSConfig,
		CustomMiddleware: []fiber.Handler{metrics.Middleware(), pixelRateLimiter},
	}

	// Server to server events from the wiki
	eventsConfig := &cartridge.RouteConfig{
		CustomMiddleware: []fiber.Handler{metrics.Middleware(), apiKey},
	}

	reportsConfig := &cartridge.RouteConfig{
		EnableCORS:       true,
		CORSConfig:       apiCORSConfig,
		CustomMiddleware: []fiber.Handler{metrics.Middleware(), apiKey},
	}

	preflightConfig := &cartridge.RouteConfig{
		EnableCORS: true,
		CORSConfig: apiCORSConfig,
	}

	systemConfig := &cartridge.RouteConfig{}

	var locator *events.Locator
	if services.Resolver != nil && !cfg.NoLocation {
		locator = events.NewLocator(db, services.Resolver, cfg.GeoLookupTimeout(), logger)
	}
	tracker := v1.NewTracker(cfg, services.Classifier, locator)
	reports := http.NewReports(cfg, services.Classifier)

	noContent := func(ctx *cartridge.Context) error {
		return ctx.SendStatus(fiber.StatusNoContent)
	}

	// === SYSTEM ROUTES ===
	srv.Get("/_health", http.HealthIndexAction, systemConfig)
	srv.Head("/_health", http.HealthIndexAction, systemConfig)
	metricsHandler := metrics.Handler()
	srv.Get("/metrics", func(ctx *cartridge.Context) error {
		return metricsHandler(ctx.Ctx)
	}, systemConfig)

	// === TRACKING PIXEL ===
	srv.Get("/log", tracker.LogPixelHandler, pixelConfig)
	srv.Options("/log", noContent, pixelConfig)

	// === EVENT API ===
	srv.Post("/api/v1/events", tracker.CreateEventHandler, eventsConfig)

	// === REPORTING API ===
	srv.Get("/api/v1/stats/summary", reports.SummaryAction, reportsConfig)
	srv.Get("/api/v1/stats/dashboard", reports.DashboardAction, reportsConfig)
	srv.Get("/api/v1/stats/views", reports.ViewsAction, reportsConfig)
	srv.Get("/api/v1/stats/edits", reports.EditsAction, reportsConfig)
	srv.Get("/api/v1/stats/history/:info", reports.HistoryAction, reportsConfig)
	srv.Get("/api/v1/stats/:metric", reports.BreakdownAction, reportsConfig)
	srv.Options("/api/v1/stats/*", noContent, preflightConfig)

	srv.Get("/api/v1/engines", reports.EnginesIndexAction, reportsConfig)
	srv.Get("/api/v1/engines/:key", reports.EngineShowAction, reportsConfig)
	srv.Get("/api/v1/classify", reports.ClassifyAction, reportsConfig)

	// === SETTINGS API ===
	srv.Get("/api/v1/settings", http.SettingsIndexAction, reportsConfig)
	srv.Post("/api/v1/settings/:key", http.SettingsUpdateAction, reportsConfig)
	srv.Options("/api/v1/settings/*", noContent, preflightConfig)
}

// MountAppRoutes returns the route mount function for the application.
func MountAppRoutes(cfg *config.Config, services *Services) func(*cartridge.Server) {
	return func(srv *cartridge.Server) {
		MountRoutesWithServices(srv, cfg, services)
	}
}
