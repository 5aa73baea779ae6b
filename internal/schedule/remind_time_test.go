package schedule

import (
	"testing"
	"time"
)

func TestComputeReminderTime(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name                 string
		hour, minute, offset int
		wantH, wantM         int
		wantShift            int
	}{
		{"plain subtraction", 18, 30, 30, 18, 0, 0},
		{"crosses hour", 18, 10, 30, 17, 40, 0},
		{"exact midnight", 0, 30, 30, 0, 0, 0},
		{"rolls to previous day", 0, 10, 30, 23, 40, -1},
		{"max offset rollover", 1, 0, 120, 23, 0, -1},
		{"min offset", 6, 0, 5, 5, 55, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h, m, shift := ComputeReminderTime(tc.hour, tc.minute, tc.offset)
			if h != tc.wantH || m != tc.wantM || shift != tc.wantShift {
				t.Fatalf("ComputeReminderTime(%d,%d,%d) = (%d,%d,%d), want (%d,%d,%d)",
					tc.hour, tc.minute, tc.offset, h, m, shift, tc.wantH, tc.wantM, tc.wantShift)
			}
		})
	}
}

func TestRolloverShiftsWeekday(t *testing.T) {
	t.Parallel()
	// Monday 00:10 training with a 30 minute offset reminds Sunday 23:40.
	h, m, shift := ComputeReminderTime(0, 10, 30)
	if h != 23 || m != 40 || shift != -1 {
		t.Fatalf("got (%d,%d,%d)", h, m, shift)
	}
	if wd := ShiftWeekday(0, shift); wd != 6 {
		t.Fatalf("ShiftWeekday(0,-1) = %d, want 6", wd)
	}
}

func TestClampOffset(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want int }{
		{0, 30},
		{3, 5},
		{5, 5},
		{30, 30},
		{120, 120},
		{500, 120},
		{-10, 5},
	}
	for _, tc := range cases {
		if got := ClampOffset(tc.in); got != tc.want {
			t.Errorf("ClampOffset(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestWeekdayConversions(t *testing.T) {
	t.Parallel()
	// 0=Monday maps to cron DOW 1; 6=Sunday maps to cron DOW 0.
	if got := ToCronDOW(0); got != 1 {
		t.Fatalf("ToCronDOW(0) = %d", got)
	}
	if got := ToCronDOW(6); got != 0 {
		t.Fatalf("ToCronDOW(6) = %d", got)
	}
	if got := FromTimeWeekday(time.Sunday); got != 6 {
		t.Fatalf("FromTimeWeekday(Sunday) = %d", got)
	}
	if got := FromTimeWeekday(time.Monday); got != 0 {
		t.Fatalf("FromTimeWeekday(Monday) = %d", got)
	}
	// Round trip through both conventions.
	for wd := 0; wd < 7; wd++ {
		cronDOW := ToCronDOW(wd)
		back := FromTimeWeekday(time.Weekday(cronDOW))
		if back != wd {
			t.Fatalf("round trip %d -> cron %d -> %d", wd, cronDOW, back)
		}
	}
}

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func TestComposeReminderTriggersTodayStillAhead(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/Bogota")
	// Tuesday 2026-09-01 10:00 local; reminder slot Tuesday 17:00.
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, loc)

	ts := ComposeReminderTriggers(1, 17, 0, now, loc)
	if len(ts) != 2 {
		t.Fatalf("len(triggers) = %d, want 2", len(ts))
	}
	if ts[0].Kind != KindWeekly || ts[0].Weekday != 1 {
		t.Fatalf("first trigger = %+v", ts[0])
	}
	if ts[1].Kind != KindOneShot {
		t.Fatalf("second trigger = %+v", ts[1])
	}
	want := time.Date(2026, 9, 1, 17, 0, 0, 0, loc)
	if !ts[1].At.Equal(want) {
		t.Fatalf("one-shot at %v, want %v", ts[1].At, want)
	}
}

func TestComposeReminderTriggersTodayAlreadyPassed(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/Bogota")
	// Tuesday 18:00 local; reminder slot Tuesday 17:00 already passed.
	now := time.Date(2026, 9, 1, 18, 0, 0, 0, loc)

	ts := ComposeReminderTriggers(1, 17, 0, now, loc)
	if len(ts) != 1 {
		t.Fatalf("len(triggers) = %d, want 1", len(ts))
	}
	if ts[0].Kind != KindWeekly {
		t.Fatalf("trigger = %+v", ts[0])
	}
}

func TestComposeReminderTriggersOtherDay(t *testing.T) {
	t.Parallel()
	loc := mustLoc(t, "America/Bogota")
	// Tuesday; reminder slot is Thursday. No catch-up one-shot.
	now := time.Date(2026, 9, 1, 10, 0, 0, 0, loc)

	ts := ComposeReminderTriggers(3, 17, 0, now, loc)
	if len(ts) != 1 {
		t.Fatalf("len(triggers) = %d, want 1", len(ts))
	}
}
