package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Reminder controls per-training reminder computation.
	Reminder ReminderConfig `json:"reminder"`

	// Scheduler controls trigger behavior and the dispatch worker pool.
	Scheduler SchedulerConfig `json:"scheduler"`

	Delivery DeliveryConfig `json:"delivery"`
	Storage  StorageConfig  `json:"storage"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// TrainerIDs are chat ids allowed to use operational commands like /jobs.
	TrainerIDs []int64 `json:"trainer_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ReminderConfig controls how far before a training the reminder fires.
//
// OffsetMinutes is clamped to [5, 120] at load time; 0 means "use default" (30).
type ReminderConfig struct {
	OffsetMinutes int `json:"offset_minutes"`
}

// SchedulerConfig controls the trigger runtime and dispatch behavior.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - dispatch_timeout: "25s"
//   - misfire_grace: "1m"
//   - broadcast_misfire_grace: "5m"
//   - watch_interval: "30s"
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone for trigger evaluation (e.g. "America/Bogota").
	Timezone string `json:"timezone,omitempty"`

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DispatchTimeout bounds the wait for a single delivery handoff.
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`

	// MisfireGrace is how late a reminder may fire after its scheduled time
	// before it is skipped (e.g. after a restart).
	MisfireGrace string `json:"misfire_grace,omitempty"`
	// BroadcastMisfireGrace is the equivalent window for the weekly broadcast.
	BroadcastMisfireGrace string `json:"broadcast_misfire_grace,omitempty"`

	// WatchInterval is the broadcast config drift poll interval.
	WatchInterval string `json:"watch_interval,omitempty"`
}

// DeliveryConfig controls the outbound send loop.
type DeliveryConfig struct {
	// RatePerSec limits outbound messages per second. 0 means default (3).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
}

// StorageConfig controls the sqlite persistence layer.
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}
