package remind

import (
	"context"
	"testing"

	"coachbot/internal/eventbus"
	"coachbot/internal/storage"
	logx "coachbot/pkg/logx"
)

type fakeRescheduler struct {
	calls int
	err   error
}

func (f *fakeRescheduler) RescheduleBroadcast(context.Context) error {
	f.calls++
	return f.err
}

func TestFingerprintFieldSensitivity(t *testing.T) {
	t.Parallel()
	base := storage.BroadcastConfig{IsActive: true, SendWeekday: 6, SendHour: 18, SendMinute: 0}

	if Fingerprint(base) != Fingerprint(base) {
		t.Fatal("equal configs must produce equal fingerprints")
	}

	mutations := map[string]storage.BroadcastConfig{
		"is_active":    {IsActive: false, SendWeekday: 6, SendHour: 18},
		"send_weekday": {IsActive: true, SendWeekday: 5, SendHour: 18},
		"send_hour":    {IsActive: true, SendWeekday: 6, SendHour: 19},
		"send_minute":  {IsActive: true, SendWeekday: 6, SendHour: 18, SendMinute: 30},
		"monday_off":   {IsActive: true, SendWeekday: 6, SendHour: 18, IsMondayOff: true},
	}
	for name, cfg := range mutations {
		if Fingerprint(cfg) == Fingerprint(base) {
			t.Errorf("changing %s did not change the fingerprint", name)
		}
	}
}

func TestWatcherFirstPollOnlyRecordsBaseline(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.broadcast = &storage.BroadcastConfig{IsActive: true, SendWeekday: 6, SendHour: 18}
	rs := &fakeRescheduler{}
	w := NewWatcher(st, rs, logx.Nop(), nil)

	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if rs.calls != 0 {
		t.Fatalf("reschedules = %d, want 0 on first poll", rs.calls)
	}
}

func TestWatcherDetectsSingleFieldChange(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.broadcast = &storage.BroadcastConfig{IsActive: true, SendWeekday: 6, SendHour: 18}
	rs := &fakeRescheduler{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	w := NewWatcher(st, rs, logx.Nop(), bus)

	ctx := context.Background()
	_ = w.Poll(ctx)

	st.broadcast.SendHour = 20
	_ = w.Poll(ctx)
	if rs.calls != 1 {
		t.Fatalf("reschedules = %d, want exactly 1", rs.calls)
	}

	select {
	case ev := <-events:
		if ev.Type != eventbus.TypeDriftDetected {
			t.Fatalf("event type = %q", ev.Type)
		}
	default:
		t.Fatal("no drift event published")
	}

	// Unchanged config stays quiet.
	_ = w.Poll(ctx)
	_ = w.Poll(ctx)
	if rs.calls != 1 {
		t.Fatalf("reschedules = %d after steady polls, want 1", rs.calls)
	}
}

func TestWatcherKeepsFingerprintAcrossReadErrors(t *testing.T) {
	t.Parallel()
	st := newFakeStore()
	st.broadcast = &storage.BroadcastConfig{IsActive: true, SendWeekday: 6, SendHour: 18}
	rs := &fakeRescheduler{}
	w := NewWatcher(st, rs, logx.Nop(), nil)

	ctx := context.Background()
	_ = w.Poll(ctx)

	// Reads fail for a while; the baseline must survive.
	st.failBroadcast = true
	_ = w.Poll(ctx)
	_ = w.Poll(ctx)
	if rs.calls != 0 {
		t.Fatalf("reschedules = %d during outage, want 0", rs.calls)
	}

	st.failBroadcast = false
	_ = w.Poll(ctx)
	if rs.calls != 0 {
		t.Fatalf("reschedules = %d after recovery without change, want 0", rs.calls)
	}

	st.broadcast.IsMondayOff = true
	_ = w.Poll(ctx)
	if rs.calls != 1 {
		t.Fatalf("reschedules = %d after change, want 1", rs.calls)
	}
}

func TestWatcherMissingRowActsAsDefaults(t *testing.T) {
	t.Parallel()
	st := newFakeStore() // no broadcast row
	rs := &fakeRescheduler{}
	w := NewWatcher(st, rs, logx.Nop(), nil)

	ctx := context.Background()
	_ = w.Poll(ctx)

	// The defaults row appears in storage with the same values.
	st.broadcast = &storage.BroadcastConfig{IsActive: true, SendWeekday: 6, SendHour: 18}
	_ = w.Poll(ctx)
	if rs.calls != 0 {
		t.Fatalf("reschedules = %d, want 0 when values match defaults", rs.calls)
	}
}
