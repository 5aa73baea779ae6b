package app

import (
	"fmt"
	"strings"
	"time"

	"coachbot/internal/config"
	"coachbot/internal/jobs"
	"coachbot/internal/scheduler"
	"coachbot/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./coachbot.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	grace, err := config.ParseDurationOrDefault("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		Timezone:     cfg.Scheduler.Timezone,
		Workers:      cfg.Scheduler.Workers,
		QueueSize:    cfg.Scheduler.QueueSize,
		MisfireGrace: grace,
	}, nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	grace, err := config.ParseDurationOrDefault("scheduler.misfire_grace", cfg.Scheduler.MisfireGrace, 0)
	if err != nil {
		return jobs.Config{}, err
	}
	bgrace, err := config.ParseDurationOrDefault("scheduler.broadcast_misfire_grace", cfg.Scheduler.BroadcastMisfireGrace, 0)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{
		OffsetMinutes:         cfg.Reminder.OffsetMinutes,
		MisfireGrace:          grace,
		BroadcastMisfireGrace: bgrace,
	}, nil
}

// validateConfig rejects a hot-reload before it is committed.
func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0")
	}
	if cfg.Scheduler.QueueSize < 0 {
		return fmt.Errorf("scheduler.queue_size must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for _, key := range []struct{ path, raw string }{
		{"scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout},
		{"scheduler.misfire_grace", cfg.Scheduler.MisfireGrace},
		{"scheduler.broadcast_misfire_grace", cfg.Scheduler.BroadcastMisfireGrace},
		{"scheduler.watch_interval", cfg.Scheduler.WatchInterval},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	} {
		if _, err := config.ParseDurationField(key.path, key.raw); err != nil {
			return err
		}
	}
	if cfg.Reminder.OffsetMinutes < 0 {
		return fmt.Errorf("reminder.offset_minutes must be >= 0")
	}
	if cfg.Delivery.RatePerSec < 0 {
		return fmt.Errorf("delivery.rate_per_sec must be >= 0")
	}
	if cfg.Delivery.QueueSize < 0 {
		return fmt.Errorf("delivery.queue_size must be >= 0")
	}
	return nil
}
