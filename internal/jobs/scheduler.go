package jobs

import (
	"log/slog"
	"sync"

	"github.com/karloscodes/cartridge"
	"github.com/robfig/cron/v3"

	"wikistats/internal/config"
	"wikistats/internal/metrics"
)

// Scheduler runs the maintenance jobs on their cron schedules.
// It implements cartridge.BackgroundWorker.
type Scheduler struct {
	logger  *slog.Logger
	cfg     *config.Config
	cron    *cron.Cron
	enabled bool

	mu        sync.Mutex
	isRunning bool

	// Mutex to prevent concurrent job executions
	processingMutex sync.Mutex
	isProcessing    bool

	retention *RetentionJob
	history   *HistoryJob
	geolite   *GeoLiteUpdaterJob
}

// NewScheduler creates the scheduler. reloader is told when a new GeoLite
// database was downloaded and may be nil.
func NewScheduler(dbManager cartridge.DBManager, logger *slog.Logger, cfg *config.Config, reloader Reloader) *Scheduler {
	return &Scheduler{
		logger:    logger,
		cfg:       cfg,
		enabled:   cfg.JobsEnabled,
		retention: NewRetentionJob(dbManager, logger, cfg),
		history:   NewHistoryJob(dbManager, logger, cfg),
		geolite:   NewGeoLiteUpdaterJob(dbManager, logger, cfg, reloader),
	}
}

// executeJobSafely runs a job only if no other job is currently executing
func (s *Scheduler) executeJobSafely(jobName string, jobFunc func() error) {
	s.processingMutex.Lock()
	if s.isProcessing {
		s.logger.Debug("Skipping job execution - previous job still running", slog.String("job", jobName))
		metrics.JobRuns.WithLabelValues(jobName, "skipped").Inc()
		s.processingMutex.Unlock()
		return
	}
	s.isProcessing = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
			metrics.JobRuns.WithLabelValues(jobName, "panic").Inc()
		}

		s.processingMutex.Lock()
		s.isProcessing = false
		s.processingMutex.Unlock()
	}()

	if err := jobFunc(); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
		metrics.JobRuns.WithLabelValues(jobName, "error").Inc()
		return
	}
	metrics.JobRuns.WithLabelValues(jobName, "ok").Inc()
}

// Start registers the jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		s.logger.Info("Background jobs are disabled.")
		return nil
	}
	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.cron = cron.New()

	jobs := []struct {
		name     string
		schedule string
		run      func() error
	}{
		{"retention", s.cfg.RetentionSchedule, s.retention.Run},
		{"history", s.cfg.HistorySchedule, s.history.Run},
	}
	if s.cfg.GeoProvider == config.GeoProviderGeoLite && s.geolite.Configured() {
		jobs = append(jobs, struct {
			name     string
			schedule string
			run      func() error
		}{"geolite", s.cfg.GeoLiteSchedule, s.geolite.Run})
	}

	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.schedule, func() { s.executeJobSafely(job.name, job.run) }); err != nil {
			s.logger.Error("Invalid job schedule",
				slog.String("job", job.name),
				slog.String("schedule", job.schedule),
				slog.Any("error", err))
			return err
		}
		s.logger.Info("Scheduled background job",
			slog.String("job", job.name),
			slog.String("schedule", job.schedule))
	}

	s.cron.Start()
	s.isRunning = true

	// Take the first snapshot right away instead of waiting for the schedule.
	go s.executeJobSafely("history", s.history.Run)

	s.logger.Info("Background jobs started")
	return nil
}

// Stop halts all background jobs and waits for a running one to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	s.logger.Info("Stopping background jobs...")
	<-s.cron.Stop().Done()
	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// Retention exposes the retention job for manual runs.
func (s *Scheduler) Retention() *RetentionJob { return s.retention }

// History exposes the history job for manual runs.
func (s *Scheduler) History() *HistoryJob { return s.history }

// GeoLite exposes the GeoLite updater for manual runs.
func (s *Scheduler) GeoLite() *GeoLiteUpdaterJob { return s.geolite }
