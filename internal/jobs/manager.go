// Package jobs owns job identity and lifecycle: it decides which jobs
// exist, composes their triggers from training and broadcast settings,
// persists them, and keeps the trigger runtime in sync.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"coachbot/internal/schedule"
	"coachbot/internal/scheduler"
	"coachbot/internal/storage"
	logx "coachbot/pkg/logx"
)

// Dispatch targets. The remind package registers handlers under these
// names; job records reference them durably.
const (
	TargetReminder  = "reminder.send"
	TargetBroadcast = "broadcast.send"
)

const (
	broadcastJobID = "broadcast:weekly"

	defaultReminderGrace  = time.Minute
	defaultBroadcastGrace = 5 * time.Minute
)

func reminderJobID(trainingID int64) string {
	return fmt.Sprintf("reminder:%d", trainingID)
}

// Runtime is the slice of the trigger runtime the manager needs.
type Runtime interface {
	Enabled() bool
	Location() *time.Location
	Register(job scheduler.Job) error
	Remove(id string) bool
	Snapshot() scheduler.Snapshot
}

type Config struct {
	// OffsetMinutes is how long before a training the reminder fires.
	// Clamped to the valid range at apply time; 0 means default.
	OffsetMinutes int

	MisfireGrace          time.Duration
	BroadcastMisfireGrace time.Duration
}

// ReminderPayload is the durable payload of a reminder job: the
// recipient chat and the training facts. The training time rides along
// so the message renders even when the day configuration cannot be
// read at fire time.
type ReminderPayload struct {
	TrainingID int64 `json:"training_id"`
	ChatID     int64 `json:"chat_id"`
	Weekday    int   `json:"weekday"`
	Hour       int   `json:"hour"`
	Minute     int   `json:"minute"`
}

// BroadcastPayload is the durable payload of the weekly broadcast job.
type BroadcastPayload struct {
	MondayOff bool `json:"monday_off"`
}

type Manager struct {
	mu sync.Mutex

	store storage.Store
	rt    Runtime
	log   logx.Logger
	cfg   Config
}

func NewManager(cfg Config, store storage.Store, rt Runtime, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{store: store, rt: rt, log: log}
	m.applyLocked(cfg)
	return m
}

func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.applyLocked(cfg)
	m.mu.Unlock()
}

func (m *Manager) applyLocked(cfg Config) {
	cfg.OffsetMinutes = schedule.ClampOffset(cfg.OffsetMinutes)
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = defaultReminderGrace
	}
	if cfg.BroadcastMisfireGrace <= 0 {
		cfg.BroadcastMisfireGrace = defaultBroadcastGrace
	}
	m.cfg = cfg
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// ScheduleReminder creates or replaces the reminder job for one
// training: trainingID is the job identity, chatID the recipient. The
// reminder fires OffsetMinutes before the session; when the training
// sits close to midnight the reminder rolls back to the previous day.
func (m *Manager) ScheduleReminder(ctx context.Context, trainingID int64, weekday, hour, minute int, chatID int64) error {
	switch {
	case trainingID <= 0:
		return fmt.Errorf("%w: training id %d", ErrValidation, trainingID)
	case weekday < 0 || weekday > 6:
		return fmt.Errorf("%w: weekday %d out of range 0..6", ErrValidation, weekday)
	case hour < 0 || hour > 23 || minute < 0 || minute > 59:
		return fmt.Errorf("%w: training time %02d:%02d", ErrValidation, hour, minute)
	case chatID == 0:
		return fmt.Errorf("%w: recipient chat id required", ErrValidation)
	}

	id := reminderJobID(trainingID)
	cfg := m.config()
	h, mm, dayShift := schedule.ComputeReminderTime(hour, minute, cfg.OffsetMinutes)
	remindWeekday := schedule.ShiftWeekday(weekday, dayShift)

	if !m.rt.Enabled() {
		return fmt.Errorf("%w: cannot schedule %s", ErrSchedulerUnavailable, id)
	}

	loc := m.rt.Location()
	triggers := schedule.ComposeReminderTriggers(remindWeekday, h, mm, time.Now(), loc)
	payload, err := json.Marshal(ReminderPayload{
		TrainingID: trainingID,
		ChatID:     chatID,
		Weekday:    weekday,
		Hour:       hour,
		Minute:     minute,
	})
	if err != nil {
		return err
	}

	job := scheduler.Job{
		ID:           id,
		Target:       TargetReminder,
		Triggers:     triggers,
		Payload:      payload,
		MisfireGrace: cfg.MisfireGrace,
	}
	if err := m.putAndRegister(ctx, job); err != nil {
		return err
	}
	m.log.Info("reminder scheduled",
		logx.String("job", id),
		logx.Int64("chat_id", chatID),
		logx.String("day", schedule.WeekdayName(weekday)),
		logx.String("remind_at", fmt.Sprintf("%s %02d:%02d", schedule.WeekdayName(remindWeekday), h, mm)),
		logx.Int("offset_minutes", cfg.OffsetMinutes),
	)
	return nil
}

// RescheduleReminder is a single replace: the upsert in ScheduleReminder
// already guarantees the old triggers are gone before the new ones arm.
func (m *Manager) RescheduleReminder(ctx context.Context, trainingID int64, weekday, hour, minute int, chatID int64) error {
	return m.ScheduleReminder(ctx, trainingID, weekday, hour, minute, chatID)
}

// CancelReminder removes the reminder job for a training. Returns
// false when nothing was scheduled.
func (m *Manager) CancelReminder(ctx context.Context, trainingID int64) (bool, error) {
	if trainingID <= 0 {
		return false, fmt.Errorf("%w: training id %d", ErrValidation, trainingID)
	}
	return m.removeJob(ctx, reminderJobID(trainingID)), nil
}

// SyncTraining maps one training record onto its reminder job: active
// trainings get a (re)scheduled reminder, inactive ones lose it.
func (m *Manager) SyncTraining(ctx context.Context, tr storage.Training) error {
	if !tr.Active {
		_, err := m.CancelReminder(ctx, tr.ID)
		if err == nil {
			m.log.Info("training inactive; reminder cancelled", logx.String("job", reminderJobID(tr.ID)))
		}
		return err
	}
	return m.ScheduleReminder(ctx, tr.ID, tr.Weekday, tr.StartHour, tr.StartMinute, tr.ChatID)
}

// ScheduleAllReminders walks every stored training. A scheduler outage
// is surfaced but does not abort the remaining trainings.
func (m *Manager) ScheduleAllReminders(ctx context.Context) error {
	trs, err := m.store.ListTrainings(ctx)
	if err != nil {
		return fmt.Errorf("%w: list trainings: %v", ErrConfigRead, err)
	}
	var firstErr error
	for _, tr := range trs {
		if err := m.SyncTraining(ctx, tr); err != nil {
			m.log.Warn("reminder scheduling failed",
				logx.Int64("training", tr.ID), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ScheduleBroadcast creates or replaces the weekly summary broadcast
// job from the stored broadcast settings. Missing settings fall back to
// Sunday 18:00. Inactive settings cancel the job.
func (m *Manager) ScheduleBroadcast(ctx context.Context) error {
	bc, err := m.store.GetBroadcastConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		bc = storage.BroadcastConfig{IsActive: true, SendWeekday: 6, SendHour: 18, SendMinute: 0}
	} else if err != nil {
		return fmt.Errorf("%w: broadcast: %v", ErrConfigRead, err)
	}

	if !bc.IsActive {
		m.removeJob(ctx, broadcastJobID)
		m.log.Info("broadcast inactive; job cancelled")
		return nil
	}
	if bc.SendWeekday < 0 || bc.SendWeekday > 6 || bc.SendHour < 0 || bc.SendHour > 23 || bc.SendMinute < 0 || bc.SendMinute > 59 {
		return fmt.Errorf("%w: broadcast time %d %02d:%02d", ErrValidation, bc.SendWeekday, bc.SendHour, bc.SendMinute)
	}

	if !m.rt.Enabled() {
		return fmt.Errorf("%w: cannot schedule %s", ErrSchedulerUnavailable, broadcastJobID)
	}

	payload, err := json.Marshal(BroadcastPayload{MondayOff: bc.IsMondayOff})
	if err != nil {
		return err
	}
	cfg := m.config()
	job := scheduler.Job{
		ID:           broadcastJobID,
		Target:       TargetBroadcast,
		Triggers:     []schedule.TriggerSpec{schedule.WeeklyAt(bc.SendWeekday, bc.SendHour, bc.SendMinute)},
		Payload:      payload,
		MisfireGrace: cfg.BroadcastMisfireGrace,
	}
	if err := m.putAndRegister(ctx, job); err != nil {
		return err
	}
	m.log.Info("broadcast scheduled",
		logx.String("job", broadcastJobID),
		logx.String("at", fmt.Sprintf("%s %02d:%02d", schedule.WeekdayName(bc.SendWeekday), bc.SendHour, bc.SendMinute)),
		logx.Bool("monday_off", bc.IsMondayOff),
	)
	return nil
}

// RescheduleBroadcast reacts to broadcast settings drift: one replace,
// no cancel/create gap.
func (m *Manager) RescheduleBroadcast(ctx context.Context) error {
	return m.ScheduleBroadcast(ctx)
}

// ListScheduledJobs returns the runtime view for /jobs.
func (m *Manager) ListScheduledJobs() []scheduler.JobInfo {
	return m.rt.Snapshot().Jobs
}

// Rehydrate restores jobs from the store into the runtime after a
// restart. Stale one-shot triggers are subject to the runtime's misfire
// grace; weekly rules simply pick up their next occurrence.
func (m *Manager) Rehydrate(ctx context.Context) error {
	recs, err := m.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("%w: list jobs: %v", ErrConfigRead, err)
	}
	cfg := m.config()
	restored := 0
	for _, rec := range recs {
		triggers, err := schedule.DecodeTriggers(rec.Triggers)
		if err != nil {
			m.log.Warn("dropping job with undecodable triggers", logx.String("job", rec.ID), logx.Err(err))
			_, _ = m.store.RemoveJob(ctx, rec.ID)
			continue
		}
		grace := cfg.MisfireGrace
		if rec.Target == TargetBroadcast {
			grace = cfg.BroadcastMisfireGrace
		}
		job := scheduler.Job{
			ID:           rec.ID,
			Target:       rec.Target,
			Triggers:     triggers,
			Payload:      rec.Payload,
			MisfireGrace: grace,
		}
		if err := m.rt.Register(job); err != nil {
			m.log.Warn("job restore failed", logx.String("job", rec.ID), logx.Err(err))
			continue
		}
		restored++
	}
	m.log.Info("jobs rehydrated", logx.Int("restored", restored), logx.Int("stored", len(recs)))
	return nil
}

// putAndRegister upserts the durable record and the runtime
// registration. When the stored record already matches the recomputed
// job (same target, payload and weekly rules) the existing
// registration is kept as is: after a restart this preserves a
// rehydrated catch-up one-shot that is still inside its grace window;
// a replace would cancel its timer and the recompute never re-arms a
// slot that has already passed.
func (m *Manager) putAndRegister(ctx context.Context, job scheduler.Job) error {
	if existing, err := m.store.GetJob(ctx, job.ID); err == nil && unchangedJob(existing, job) {
		m.log.Debug("job unchanged; keeping existing registration", logx.String("job", job.ID))
		return nil
	}

	raw, err := schedule.EncodeTriggers(job.Triggers)
	if err != nil {
		return err
	}
	rec := storage.JobRecord{
		ID:       job.ID,
		Target:   job.Target,
		Triggers: raw,
		Payload:  job.Payload,
	}
	if err := m.store.PutJob(ctx, rec); err != nil {
		return fmt.Errorf("%w: persist job %s: %v", ErrSchedulerUnavailable, job.ID, err)
	}
	if err := m.rt.Register(job); err != nil {
		return fmt.Errorf("%w: register job %s: %v", ErrSchedulerUnavailable, job.ID, err)
	}
	return nil
}

// unchangedJob reports whether the stored record and the recomputed
// job describe the same steady state. One-shot triggers are point-in-
// time catch-ups and excluded from the comparison; only the weekly
// rules, the target and the payload define the job.
func unchangedJob(rec storage.JobRecord, job scheduler.Job) bool {
	if rec.Target != job.Target || !bytes.Equal(rec.Payload, job.Payload) {
		return false
	}
	stored, err := schedule.DecodeTriggers(rec.Triggers)
	if err != nil {
		return false
	}
	sw, jw := weeklyOnly(stored), weeklyOnly(job.Triggers)
	if len(sw) != len(jw) {
		return false
	}
	for i := range sw {
		if sw[i].Weekday != jw[i].Weekday || sw[i].Hour != jw[i].Hour || sw[i].Minute != jw[i].Minute {
			return false
		}
	}
	return true
}

func weeklyOnly(ts []schedule.TriggerSpec) []schedule.TriggerSpec {
	out := make([]schedule.TriggerSpec, 0, len(ts))
	for _, t := range ts {
		if t.Kind == schedule.KindWeekly {
			out = append(out, t)
		}
	}
	return out
}

func (m *Manager) removeJob(ctx context.Context, id string) bool {
	removed := m.rt.Remove(id)
	if ok, err := m.store.RemoveJob(ctx, id); err != nil {
		m.log.Warn("job removal from store failed", logx.String("job", id), logx.Err(err))
	} else {
		removed = removed || ok
	}
	return removed
}
