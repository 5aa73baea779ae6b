package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	logx "coachbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "coach.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestJobUpsertAndGet(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	rec := JobRecord{
		ID:       "reminder:2",
		Target:   "reminder.send",
		Triggers: json.RawMessage(`[{"kind":"weekly","weekday":2,"hour":17,"minute":30}]`),
		Payload:  json.RawMessage(`{"training_id":2}`),
	}
	if err := st.PutJob(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := st.GetJob(ctx, "reminder:2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Target != "reminder.send" {
		t.Fatalf("target = %q", got.Target)
	}
	if got.CreatedAt.IsZero() || got.ModifiedAt.IsZero() {
		t.Fatalf("timestamps not set: %+v", got)
	}

	// Upsert replaces triggers, keeps identity.
	rec.Triggers = json.RawMessage(`[{"kind":"weekly","weekday":3,"hour":9,"minute":0}]`)
	if err := st.PutJob(ctx, rec); err != nil {
		t.Fatalf("put again: %v", err)
	}
	got2, err := st.GetJob(ctx, "reminder:2")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if string(got2.Triggers) != string(rec.Triggers) {
		t.Fatalf("triggers = %s", got2.Triggers)
	}
	if !got2.CreatedAt.Equal(got.CreatedAt) {
		t.Fatalf("created_at changed on upsert")
	}

	jobs, err := st.ListJobs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d", len(jobs))
	}
}

func TestJobRemove(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.PutJob(ctx, JobRecord{ID: "broadcast:weekly", Target: "broadcast.send", Triggers: json.RawMessage(`[]`)}); err != nil {
		t.Fatalf("put: %v", err)
	}
	ok, err := st.RemoveJob(ctx, "broadcast:weekly")
	if err != nil || !ok {
		t.Fatalf("remove = %v, %v", ok, err)
	}
	ok, err = st.RemoveJob(ctx, "broadcast:weekly")
	if err != nil {
		t.Fatalf("remove again: %v", err)
	}
	if ok {
		t.Fatalf("remove of missing job reported true")
	}
	if _, err := st.GetJob(ctx, "broadcast:weekly"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after remove: %v", err)
	}
}

func TestBroadcastConfigRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetBroadcastConfig(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty get: %v", err)
	}

	bc := BroadcastConfig{IsActive: true, SendWeekday: 6, SendHour: 18, SendMinute: 0, IsMondayOff: true}
	if err := st.PutBroadcastConfig(ctx, bc); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := st.GetBroadcastConfig(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsActive || got.SendWeekday != 6 || got.SendHour != 18 || !got.IsMondayOff {
		t.Fatalf("got %+v", got)
	}

	// Single row: a second put updates in place.
	bc.SendHour = 19
	bc.IsActive = false
	if err := st.PutBroadcastConfig(ctx, bc); err != nil {
		t.Fatalf("put update: %v", err)
	}
	got, err = st.GetBroadcastConfig(ctx)
	if err != nil {
		t.Fatalf("get update: %v", err)
	}
	if got.IsActive || got.SendHour != 19 {
		t.Fatalf("got %+v", got)
	}
}

func TestDayConfigAndStudents(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	dc := DayConfig{Weekday: 2, Active: true, StartHour: 18, StartMinute: 30, SessionType: "Fuerza", Location: "Parque Simon Bolivar"}
	if err := st.PutDayConfig(ctx, dc); err != nil {
		t.Fatalf("put day: %v", err)
	}
	got, err := st.GetDayConfig(ctx, 2)
	if err != nil {
		t.Fatalf("get day: %v", err)
	}
	if got != dc {
		t.Fatalf("got %+v want %+v", got, dc)
	}
	if _, err := st.GetDayConfig(ctx, 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing day: %v", err)
	}

	if err := st.PutStudent(ctx, Student{ChatID: 100, Name: "Ana", Active: true}); err != nil {
		t.Fatalf("put student: %v", err)
	}
	if err := st.PutStudent(ctx, Student{ChatID: 200, Name: "Luis", Active: false}); err != nil {
		t.Fatalf("put student: %v", err)
	}
	active, err := st.ListActiveStudents(ctx)
	if err != nil {
		t.Fatalf("list students: %v", err)
	}
	if len(active) != 1 || active[0].ChatID != 100 {
		t.Fatalf("active = %+v", active)
	}
}

func TestTrainingLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	id, err := st.PutTraining(ctx, Training{ChatID: 100, Weekday: 2, StartHour: 18, StartMinute: 30, Active: true})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id == 0 {
		t.Fatal("insert did not assign an id")
	}

	tr, err := st.GetTraining(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if tr.ChatID != 100 || tr.Weekday != 2 || tr.StartHour != 18 || tr.StartMinute != 30 || !tr.Active {
		t.Fatalf("training = %+v", tr)
	}

	// Update keeps the id.
	tr.StartHour = 19
	tr.Active = false
	if _, err := st.PutTraining(ctx, tr); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := st.GetTraining(ctx, id)
	if err != nil || got.StartHour != 19 || got.Active {
		t.Fatalf("after update = %+v (%v)", got, err)
	}

	if _, err := st.PutTraining(ctx, Training{ChatID: 200, Weekday: 4, StartHour: 6, Active: true}); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	all, err := st.ListTrainings(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("list = %+v (%v)", all, err)
	}

	ok, err := st.RemoveTraining(ctx, id)
	if err != nil || !ok {
		t.Fatalf("remove = %v, %v", ok, err)
	}
	if _, err := st.GetTraining(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after remove: %v", err)
	}
	ok, err = st.RemoveTraining(ctx, id)
	if err != nil || ok {
		t.Fatalf("second remove = %v, %v", ok, err)
	}
}
