package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"coachbot/internal/schedule"
	"coachbot/internal/scheduler"
	"coachbot/internal/storage"
	logx "coachbot/pkg/logx"
)

type fakeStore struct {
	jobs      map[string]storage.JobRecord
	broadcast *storage.BroadcastConfig
	days      map[int]storage.DayConfig
	trainings map[int64]storage.Training

	failTrainings bool
	putJobErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:      map[string]storage.JobRecord{},
		days:      map[int]storage.DayConfig{},
		trainings: map[int64]storage.Training{},
	}
}

func (s *fakeStore) PutJob(_ context.Context, rec storage.JobRecord) error {
	if s.putJobErr != nil {
		return s.putJobErr
	}
	s.jobs[rec.ID] = rec
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, id string) (storage.JobRecord, error) {
	rec, ok := s.jobs[id]
	if !ok {
		return storage.JobRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) RemoveJob(_ context.Context, id string) (bool, error) {
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *fakeStore) ListJobs(_ context.Context) ([]storage.JobRecord, error) {
	out := make([]storage.JobRecord, 0, len(s.jobs))
	for _, rec := range s.jobs {
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeStore) GetBroadcastConfig(context.Context) (storage.BroadcastConfig, error) {
	if s.broadcast == nil {
		return storage.BroadcastConfig{}, storage.ErrNotFound
	}
	return *s.broadcast, nil
}

func (s *fakeStore) PutBroadcastConfig(_ context.Context, bc storage.BroadcastConfig) error {
	s.broadcast = &bc
	return nil
}

func (s *fakeStore) GetDayConfig(_ context.Context, weekday int) (storage.DayConfig, error) {
	dc, ok := s.days[weekday]
	if !ok {
		return storage.DayConfig{}, storage.ErrNotFound
	}
	return dc, nil
}

func (s *fakeStore) PutDayConfig(_ context.Context, dc storage.DayConfig) error {
	s.days[dc.Weekday] = dc
	return nil
}

func (s *fakeStore) PutTraining(_ context.Context, tr storage.Training) (int64, error) {
	if tr.ID == 0 {
		tr.ID = int64(len(s.trainings) + 1)
	}
	s.trainings[tr.ID] = tr
	return tr.ID, nil
}

func (s *fakeStore) GetTraining(_ context.Context, id int64) (storage.Training, error) {
	tr, ok := s.trainings[id]
	if !ok {
		return storage.Training{}, storage.ErrNotFound
	}
	return tr, nil
}

func (s *fakeStore) RemoveTraining(_ context.Context, id int64) (bool, error) {
	if _, ok := s.trainings[id]; !ok {
		return false, nil
	}
	delete(s.trainings, id)
	return true, nil
}

func (s *fakeStore) ListTrainings(_ context.Context) ([]storage.Training, error) {
	if s.failTrainings {
		return nil, errors.New("disk on fire")
	}
	out := make([]storage.Training, 0, len(s.trainings))
	for _, tr := range s.trainings {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) ListActiveStudents(context.Context) ([]storage.Student, error) { return nil, nil }
func (s *fakeStore) PutStudent(context.Context, storage.Student) error            { return nil }
func (s *fakeStore) Close() error                                                 { return nil }

type fakeRuntime struct {
	enabled   bool
	jobs      map[string]scheduler.Job
	registers int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{enabled: true, jobs: map[string]scheduler.Job{}}
}

func (r *fakeRuntime) Enabled() bool            { return r.enabled }
func (r *fakeRuntime) Location() *time.Location { return time.UTC }
func (r *fakeRuntime) Register(j scheduler.Job) error {
	r.jobs[j.ID] = j
	r.registers++
	return nil
}
func (r *fakeRuntime) Remove(id string) bool {
	if _, ok := r.jobs[id]; !ok {
		return false
	}
	delete(r.jobs, id)
	return true
}
func (r *fakeRuntime) Snapshot() scheduler.Snapshot {
	snap := scheduler.Snapshot{Enabled: r.enabled}
	for id, j := range r.jobs {
		snap.Jobs = append(snap.Jobs, scheduler.JobInfo{ID: id, Target: j.Target})
	}
	return snap
}

func newTestManager(st *fakeStore, rt *fakeRuntime) *Manager {
	return NewManager(Config{OffsetMinutes: 30}, st, rt, logx.Nop())
}

func TestScheduleReminderValidation(t *testing.T) {
	t.Parallel()
	m := newTestManager(newFakeStore(), newFakeRuntime())
	cases := []struct {
		name       string
		trainingID int64
		weekday    int
		hour       int
		minute     int
		chatID     int64
	}{
		{"zero training id", 0, 2, 18, 0, 100},
		{"negative training id", -3, 2, 18, 0, 100},
		{"weekday low", 1, -1, 18, 0, 100},
		{"weekday high", 1, 7, 18, 0, 100},
		{"hour high", 1, 2, 24, 0, 100},
		{"minute high", 1, 2, 18, 60, 100},
		{"missing chat", 1, 2, 18, 0, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := m.ScheduleReminder(context.Background(), tc.trainingID, tc.weekday, tc.hour, tc.minute, tc.chatID)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestScheduleReminderHappyPath(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	rt := newFakeRuntime()
	m := newTestManager(st, rt)

	if err := m.ScheduleReminder(context.Background(), 1, 2, 18, 0, 100); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	job, ok := rt.jobs["reminder:1"]
	if !ok {
		t.Fatalf("job not registered; jobs=%v", rt.jobs)
	}
	if job.Target != TargetReminder {
		t.Fatalf("target = %q", job.Target)
	}
	// 18:00 minus 30 minutes on the same day.
	weekly := job.Triggers[0]
	if weekly.Kind != schedule.KindWeekly || weekly.Weekday != 2 || weekly.Hour != 17 || weekly.Minute != 30 {
		t.Fatalf("weekly trigger = %+v", weekly)
	}

	var p ReminderPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		t.Fatalf("payload = %s (%v)", job.Payload, err)
	}
	if p.TrainingID != 1 || p.ChatID != 100 || p.Weekday != 2 || p.Hour != 18 || p.Minute != 0 {
		t.Fatalf("payload = %+v", p)
	}

	if _, ok := st.jobs["reminder:1"]; !ok {
		t.Fatal("job not persisted")
	}
}

func TestScheduleReminderMidnightRollover(t *testing.T) {
	t.Parallel()
	rt := newFakeRuntime()
	m := newTestManager(newFakeStore(), rt)

	// Monday 00:10 training; a 30 minute offset rolls back to Sunday 23:40.
	if err := m.ScheduleReminder(context.Background(), 4, 0, 0, 10, 77); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	weekly := rt.jobs["reminder:4"].Triggers[0]
	if weekly.Weekday != 6 || weekly.Hour != 23 || weekly.Minute != 40 {
		t.Fatalf("rollover trigger = %+v", weekly)
	}
}

func TestScheduleReminderSchedulerDisabled(t *testing.T) {
	t.Parallel()
	rt := newFakeRuntime()
	rt.enabled = false
	m := newTestManager(newFakeStore(), rt)

	if err := m.ScheduleReminder(context.Background(), 1, 1, 18, 0, 100); !errors.Is(err, ErrSchedulerUnavailable) {
		t.Fatalf("err = %v, want ErrSchedulerUnavailable", err)
	}
}

func TestScheduleReminderPersistFailure(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.putJobErr = errors.New("disk full")
	rt := newFakeRuntime()
	m := newTestManager(st, rt)

	err := m.ScheduleReminder(context.Background(), 2, 2, 18, 0, 100)
	if !errors.Is(err, ErrSchedulerUnavailable) {
		t.Fatalf("err = %v, want ErrSchedulerUnavailable", err)
	}
	if rt.registers != 0 {
		t.Fatalf("registered %d jobs despite failed persist", rt.registers)
	}
}

func TestCancelReminder(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	rt := newFakeRuntime()
	m := newTestManager(st, rt)

	if _, err := m.CancelReminder(context.Background(), 0); !errors.Is(err, ErrValidation) {
		t.Fatalf("cancel with bad id: err = %v, want ErrValidation", err)
	}

	ok, err := m.CancelReminder(context.Background(), 2)
	if err != nil || ok {
		t.Fatalf("cancel of unscheduled = %v, %v", ok, err)
	}

	if err := m.ScheduleReminder(context.Background(), 2, 2, 18, 0, 100); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	ok, err = m.CancelReminder(context.Background(), 2)
	if err != nil || !ok {
		t.Fatalf("cancel = %v, %v", ok, err)
	}
	if _, exists := rt.jobs["reminder:2"]; exists {
		t.Fatal("job still registered after cancel")
	}
}

func TestSyncTrainingInactiveCancels(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	rt := newFakeRuntime()
	m := newTestManager(st, rt)

	tr := storage.Training{ID: 3, ChatID: 100, Weekday: 3, StartHour: 19, Active: true}
	if err := m.SyncTraining(context.Background(), tr); err != nil {
		t.Fatalf("sync active: %v", err)
	}
	if _, ok := rt.jobs["reminder:3"]; !ok {
		t.Fatal("active training not registered")
	}

	tr.Active = false
	if err := m.SyncTraining(context.Background(), tr); err != nil {
		t.Fatalf("sync inactive: %v", err)
	}
	if _, ok := rt.jobs["reminder:3"]; ok {
		t.Fatal("inactive training still registered")
	}
	if _, ok := st.jobs["reminder:3"]; ok {
		t.Fatal("inactive training still persisted")
	}
}

func TestScheduleAllReminders(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.trainings[1] = storage.Training{ID: 1, ChatID: 100, Weekday: 2, StartHour: 18, Active: true}
	st.trainings[2] = storage.Training{ID: 2, ChatID: 200, Weekday: 4, StartHour: 7, Active: false}
	rt := newFakeRuntime()
	m := newTestManager(st, rt)

	if err := m.ScheduleAllReminders(context.Background()); err != nil {
		t.Fatalf("schedule all: %v", err)
	}
	if _, ok := rt.jobs["reminder:1"]; !ok {
		t.Fatal("active training not scheduled")
	}
	if _, ok := rt.jobs["reminder:2"]; ok {
		t.Fatal("inactive training scheduled")
	}
}

func TestScheduleAllRemindersListFailure(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.failTrainings = true
	m := newTestManager(st, newFakeRuntime())
	if err := m.ScheduleAllReminders(context.Background()); !errors.Is(err, ErrConfigRead) {
		t.Fatalf("err = %v, want ErrConfigRead", err)
	}
}

func TestScheduleBroadcastDefaults(t *testing.T) {
	t.Parallel()
	st := newFakeStore() // no broadcast row stored
	rt := newFakeRuntime()
	m := newTestManager(st, rt)

	if err := m.ScheduleBroadcast(context.Background()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	job, ok := rt.jobs["broadcast:weekly"]
	if !ok {
		t.Fatal("broadcast not registered")
	}
	tr := job.Triggers[0]
	if tr.Weekday != 6 || tr.Hour != 18 || tr.Minute != 0 {
		t.Fatalf("default broadcast trigger = %+v", tr)
	}
	if job.MisfireGrace != 5*time.Minute {
		t.Fatalf("broadcast grace = %v", job.MisfireGrace)
	}
}

func TestScheduleBroadcastInactiveCancels(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	rt := newFakeRuntime()
	m := newTestManager(st, rt)

	if err := m.ScheduleBroadcast(context.Background()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	st.broadcast = &storage.BroadcastConfig{IsActive: false}
	if err := m.RescheduleBroadcast(context.Background()); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if _, ok := rt.jobs["broadcast:weekly"]; ok {
		t.Fatal("inactive broadcast still registered")
	}
}

func TestRescheduleBroadcastReplacesInPlace(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.broadcast = &storage.BroadcastConfig{IsActive: true, SendWeekday: 6, SendHour: 18}
	rt := newFakeRuntime()
	m := newTestManager(st, rt)

	if err := m.ScheduleBroadcast(context.Background()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	st.broadcast = &storage.BroadcastConfig{IsActive: true, SendWeekday: 5, SendHour: 20, SendMinute: 15}
	if err := m.RescheduleBroadcast(context.Background()); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	if len(rt.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(rt.jobs))
	}
	tr := rt.jobs["broadcast:weekly"].Triggers[0]
	if tr.Weekday != 5 || tr.Hour != 20 || tr.Minute != 15 {
		t.Fatalf("trigger after reschedule = %+v", tr)
	}
}

func TestRehydrate(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	good, _ := schedule.EncodeTriggers([]schedule.TriggerSpec{schedule.WeeklyAt(2, 17, 30)})
	st.jobs["reminder:2"] = storage.JobRecord{ID: "reminder:2", Target: TargetReminder, Triggers: good}
	st.jobs["reminder:9"] = storage.JobRecord{ID: "reminder:9", Target: TargetReminder, Triggers: []byte(`garbage`)}
	rt := newFakeRuntime()
	m := newTestManager(st, rt)

	if err := m.Rehydrate(context.Background()); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if _, ok := rt.jobs["reminder:2"]; !ok {
		t.Fatal("good job not restored")
	}
	if _, ok := rt.jobs["reminder:9"]; ok {
		t.Fatal("bad job restored")
	}
	if _, ok := st.jobs["reminder:9"]; ok {
		t.Fatal("bad job not pruned from store")
	}
}

// A reminder restored with a catch-up one-shot still inside its grace
// window must survive the startup recompute: re-registering the same
// facts would cancel the pending timer and the recompute never re-arms
// a slot that has already passed.
func TestRecomputeKeepsRehydratedCatchUp(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	payload, err := json.Marshal(ReminderPayload{TrainingID: 2, ChatID: 100, Weekday: 2, Hour: 18, Minute: 0})
	if err != nil {
		t.Fatal(err)
	}
	stored := []schedule.TriggerSpec{
		schedule.WeeklyAt(2, 17, 30),
		schedule.OneShotAt(time.Now().Add(-20 * time.Second)),
	}
	raw, err := schedule.EncodeTriggers(stored)
	if err != nil {
		t.Fatal(err)
	}
	st.jobs["reminder:2"] = storage.JobRecord{
		ID:       "reminder:2",
		Target:   TargetReminder,
		Triggers: raw,
		Payload:  payload,
	}
	rt := newFakeRuntime()
	m := newTestManager(st, rt)

	if err := m.Rehydrate(context.Background()); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if rt.registers != 1 {
		t.Fatalf("registers after rehydrate = %d, want 1", rt.registers)
	}

	// Same training facts recomputed at startup.
	if err := m.ScheduleReminder(context.Background(), 2, 2, 18, 0, 100); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if rt.registers != 1 {
		t.Fatalf("registers after recompute = %d, want 1 (rehydrated job replaced)", rt.registers)
	}

	oneShots := 0
	for _, tr := range rt.jobs["reminder:2"].Triggers {
		if tr.Kind == schedule.KindOneShot {
			oneShots++
		}
	}
	if oneShots != 1 {
		t.Fatalf("one-shot triggers = %d, want the rehydrated catch-up kept", oneShots)
	}

	// A changed recipient is a real change and must replace.
	if err := m.ScheduleReminder(context.Background(), 2, 2, 18, 0, 200); err != nil {
		t.Fatalf("schedule with new recipient: %v", err)
	}
	if rt.registers != 2 {
		t.Fatalf("registers after recipient change = %d, want 2", rt.registers)
	}
}
