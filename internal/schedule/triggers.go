// Package schedule defines trigger specifications and the time math for
// training reminders and the weekly broadcast.
//
// Weekday convention everywhere in this package is 0=Monday .. 6=Sunday.
package schedule

import (
	"encoding/json"
	"fmt"
	"time"
)

type Kind string

const (
	KindWeekly  Kind = "weekly"
	KindOneShot Kind = "one_shot"
)

// TriggerSpec is one firing rule for a job. A job may carry several
// (e.g. a recurring weekly rule plus a catch-up one-shot for today).
type TriggerSpec struct {
	Kind Kind `json:"kind"`

	// Weekly fields.
	Weekday int `json:"weekday,omitempty"`
	Hour    int `json:"hour,omitempty"`
	Minute  int `json:"minute,omitempty"`

	// OneShot field.
	At time.Time `json:"at,omitempty"`
}

func WeeklyAt(weekday, hour, minute int) TriggerSpec {
	return TriggerSpec{Kind: KindWeekly, Weekday: weekday, Hour: hour, Minute: minute}
}

func OneShotAt(at time.Time) TriggerSpec {
	return TriggerSpec{Kind: KindOneShot, At: at}
}

func (t TriggerSpec) Validate() error {
	switch t.Kind {
	case KindWeekly:
		if t.Weekday < 0 || t.Weekday > 6 {
			return fmt.Errorf("weekday %d out of range 0..6", t.Weekday)
		}
		if t.Hour < 0 || t.Hour > 23 {
			return fmt.Errorf("hour %d out of range 0..23", t.Hour)
		}
		if t.Minute < 0 || t.Minute > 59 {
			return fmt.Errorf("minute %d out of range 0..59", t.Minute)
		}
		return nil
	case KindOneShot:
		if t.At.IsZero() {
			return fmt.Errorf("one_shot trigger requires a time")
		}
		return nil
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
}

// CronExpr renders a weekly trigger as a robfig/cron expression
// (minute hour * * dow). Panics on non-weekly kinds; callers branch on
// Kind before rendering.
func (t TriggerSpec) CronExpr() string {
	if t.Kind != KindWeekly {
		panic("schedule: CronExpr on non-weekly trigger")
	}
	return fmt.Sprintf("%d %d * * %d", t.Minute, t.Hour, ToCronDOW(t.Weekday))
}

// Describe returns a short human-readable form for logs and /jobs output.
func (t TriggerSpec) Describe() string {
	switch t.Kind {
	case KindWeekly:
		return fmt.Sprintf("weekly %s %02d:%02d", WeekdayName(t.Weekday), t.Hour, t.Minute)
	case KindOneShot:
		return fmt.Sprintf("once %s", t.At.Format("2006-01-02 15:04"))
	default:
		return string(t.Kind)
	}
}

// EncodeTriggers serializes triggers for durable storage.
func EncodeTriggers(ts []TriggerSpec) (json.RawMessage, error) {
	if ts == nil {
		ts = []TriggerSpec{}
	}
	return json.Marshal(ts)
}

func DecodeTriggers(raw json.RawMessage) ([]TriggerSpec, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ts []TriggerSpec
	if err := json.Unmarshal(raw, &ts); err != nil {
		return nil, fmt.Errorf("decode triggers: %w", err)
	}
	for i, t := range ts {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("trigger %d: %w", i, err)
		}
	}
	return ts, nil
}

var weekdayNames = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

func WeekdayName(weekday int) string {
	if weekday < 0 || weekday > 6 {
		return fmt.Sprintf("weekday(%d)", weekday)
	}
	return weekdayNames[weekday]
}

// ToCronDOW converts a 0=Monday weekday to cron's 0=Sunday convention.
func ToCronDOW(weekday int) int {
	return (weekday + 1) % 7
}

// FromTimeWeekday converts time.Weekday (0=Sunday) to 0=Monday.
func FromTimeWeekday(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// ShiftWeekday moves a weekday by delta days, wrapping within the week.
func ShiftWeekday(weekday, delta int) int {
	return ((weekday+delta)%7 + 7) % 7
}
