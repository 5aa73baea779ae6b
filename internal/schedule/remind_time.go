package schedule

import "time"

const (
	MinOffsetMinutes     = 5
	MaxOffsetMinutes     = 120
	DefaultOffsetMinutes = 30
)

// ClampOffset normalizes a reminder offset to [MinOffsetMinutes,
// MaxOffsetMinutes]. Zero means "not configured" and yields the default.
func ClampOffset(minutes int) int {
	if minutes == 0 {
		return DefaultOffsetMinutes
	}
	if minutes < MinOffsetMinutes {
		return MinOffsetMinutes
	}
	if minutes > MaxOffsetMinutes {
		return MaxOffsetMinutes
	}
	return minutes
}

// ComputeReminderTime subtracts offsetMinutes from a wall-clock training
// start. When the subtraction crosses midnight the reminder belongs to
// the previous day: dayShift is -1 and the returned clock wraps
// (e.g. 00:10 with a 30 minute offset yields 23:40 the day before).
func ComputeReminderTime(hour, minute, offsetMinutes int) (h, m, dayShift int) {
	total := hour*60 + minute - offsetMinutes
	if total < 0 {
		total += 24 * 60
		dayShift = -1
	}
	return total / 60, total % 60, dayShift
}

// ComposeReminderTriggers builds the trigger set for a training reminder:
// always the recurring weekly rule, plus a catch-up one-shot when the
// reminder moment still lies ahead today in loc. weekday/hour/minute are
// the already offset-adjusted reminder values.
func ComposeReminderTriggers(weekday, hour, minute int, now time.Time, loc *time.Location) []TriggerSpec {
	ts := []TriggerSpec{WeeklyAt(weekday, hour, minute)}

	local := now.In(loc)
	if FromTimeWeekday(local.Weekday()) == weekday {
		at := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
		if at.After(local) {
			ts = append(ts, OneShotAt(at))
		}
	}
	return ts
}
