// Package internal contains core application functionality
package internal

import (
	"fmt"
	"log/slog"

	"github.com/karloscodes/cartridge"

	"wikistats/internal/config"
	"wikistats/internal/database"
	"wikistats/internal/jobs"
	"wikistats/internal/pkg/geoip"
	"wikistats/internal/referrers"
	"wikistats/internal/searchengines"
)

// Services are the long-lived collaborators shared by handlers and jobs.
type Services struct {
	Classifier *referrers.Classifier
	// Resolver is nil when geolocation is disabled.
	Resolver geoip.Resolver
}

// NewServices loads the search engine catalog, binds it to the wiki's own
// host and picks the configured geolocation provider.
func NewServices(cfg *config.Config, logger *slog.Logger) (*Services, error) {
	catalog, err := searchengines.Default()
	if err != nil {
		return nil, fmt.Errorf("failed to load search engine catalog: %w", err)
	}
	if err := catalog.ResolveSelf(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("failed to resolve wiki base url: %w", err)
	}

	services := &Services{Classifier: referrers.NewClassifier(catalog)}
	if !cfg.NoLocation {
		services.Resolver = geoip.NewResolver(cfg, logger)
	}
	return services, nil
}

// reloader returns the resolver when it keeps a database file open.
func (s *Services) reloader() jobs.Reloader {
	if r, ok := s.Resolver.(jobs.Reloader); ok {
		return r
	}
	return nil
}

// Application wraps cartridge.Application with wikistats-specific components
type Application struct {
	*cartridge.Application
	DBManager *database.DBManager // DB manager with migration methods
	Scheduler *jobs.Scheduler
	Services  *Services
	Logger    *slog.Logger
}

// NewApp creates a new application instance with default settings
func NewApp() (*Application, error) {
	cfg := config.GetConfig()
	return NewAppWithConfig(cfg)
}

// NewAppWithConfig creates a new application with the provided config
func NewAppWithConfig(cfg *config.Config) (*Application, error) {
	logger := cartridge.NewLogger(cfg, nil)

	dbManager := database.NewDBManager(cfg, logger)
	if err := dbManager.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	services, err := NewServices(cfg, logger)
	if err != nil {
		return nil, err
	}

	scheduler := jobs.NewScheduler(dbManager, logger, cfg, services.reloader())

	app, err := cartridge.NewApplication(cartridge.ApplicationOptions{
		Config:            cfg,
		Logger:            logger,
		DBManager:         dbManager,
		ServerConfig:      NewServerConfig(),
		RouteMountFunc:    MountAppRoutes(cfg, services),
		BackgroundWorkers: []cartridge.BackgroundWorker{scheduler},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	return &Application{
		Application: app,
		DBManager:   dbManager,
		Scheduler:   scheduler,
		Services:    services,
		Logger:      logger,
	}, nil
}
