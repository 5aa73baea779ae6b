// Package storage persists scheduled jobs, broadcast settings, weekly
// training configuration and the student roster in a single sqlite file.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// JobRecord is a durably stored scheduled job. Triggers and Payload are
// opaque JSON owned by the schedule and dispatch layers.
type JobRecord struct {
	ID         string
	Target     string
	Triggers   json.RawMessage
	Payload    json.RawMessage
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// BroadcastConfig holds the weekly broadcast settings. There is exactly
// one row; weekday uses the 0=Monday .. 6=Sunday convention.
type BroadcastConfig struct {
	IsActive    bool
	SendWeekday int
	SendHour    int
	SendMinute  int
	// IsMondayOff selects the broadcast message variant.
	IsMondayOff bool
	UpdatedAt   time.Time
}

// Training is one recurring session booked by one student: the student
// trains every Weekday at StartHour:StartMinute. The reminder job for a
// training targets that student's chat.
type Training struct {
	ID          int64
	ChatID      int64
	Weekday     int
	StartHour   int
	StartMinute int
	Active      bool
}

// DayConfig describes the session details shared by a weekday
// (0=Monday .. 6=Sunday): what kind of session runs that day and where.
type DayConfig struct {
	Weekday     int
	Active      bool
	StartHour   int
	StartMinute int
	SessionType string
	Location    string
}

// Student is a roster entry; inactive students are excluded from
// reminders and broadcasts.
type Student struct {
	ChatID int64
	Name   string
	Active bool
}

type Store interface {
	PutJob(ctx context.Context, rec JobRecord) error
	GetJob(ctx context.Context, id string) (JobRecord, error)
	// RemoveJob reports whether a row was actually deleted.
	RemoveJob(ctx context.Context, id string) (bool, error)
	ListJobs(ctx context.Context) ([]JobRecord, error)

	GetBroadcastConfig(ctx context.Context) (BroadcastConfig, error)
	PutBroadcastConfig(ctx context.Context, bc BroadcastConfig) error

	// PutTraining inserts (ID == 0) or updates a training; it returns
	// the training id.
	PutTraining(ctx context.Context, tr Training) (int64, error)
	GetTraining(ctx context.Context, id int64) (Training, error)
	RemoveTraining(ctx context.Context, id int64) (bool, error)
	ListTrainings(ctx context.Context) ([]Training, error)

	GetDayConfig(ctx context.Context, weekday int) (DayConfig, error)
	PutDayConfig(ctx context.Context, dc DayConfig) error

	ListActiveStudents(ctx context.Context) ([]Student, error)
	PutStudent(ctx context.Context, st Student) error

	Close() error
}
