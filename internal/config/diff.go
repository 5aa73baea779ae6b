package config

import (
	"reflect"
	"sort"
	"strings"

	logx "coachbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes the bot token).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		!reflect.DeepEqual(oldCfg.Telegram.TrainerIDs, newCfg.Telegram.TrainerIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Int("telegram.trainer_count", len(newCfg.Telegram.TrainerIDs)),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Reminder
	if oldCfg.Reminder != newCfg.Reminder {
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.Int("reminder.offset_minutes", newCfg.Reminder.OffsetMinutes),
		)
	}

	// Scheduler
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.Int("scheduler.queue_size", newCfg.Scheduler.QueueSize),
			logx.String("scheduler.dispatch_timeout", strings.TrimSpace(newCfg.Scheduler.DispatchTimeout)),
			logx.String("scheduler.watch_interval", strings.TrimSpace(newCfg.Scheduler.WatchInterval)),
		)
	}

	// Delivery
	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Int("delivery.queue_size", newCfg.Delivery.QueueSize),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) ||
		(strings.TrimSpace(oldCfg.Storage.Path) != "") != (strings.TrimSpace(newCfg.Storage.Path) != "") {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
