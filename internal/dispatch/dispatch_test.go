package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"coachbot/internal/delivery"
	logx "coachbot/pkg/logx"
)

func newTestBridge(t *testing.T, timeout time.Duration) (*Registry, *Bridge) {
	t.Helper()
	rt := delivery.New(delivery.Config{QueueSize: 8, RatePerSec: 1000}, logx.Nop())
	rt.Start(context.Background())
	t.Cleanup(func() { rt.Stop(context.Background()) })
	reg := NewRegistry()
	return reg, NewBridge(reg, rt, timeout, logx.Nop(), nil)
}

func TestDispatchDelivered(t *testing.T) {
	t.Parallel()
	reg, b := newTestBridge(t, time.Second)

	var got json.RawMessage
	if err := reg.Register("reminder.send", func(_ context.Context, p json.RawMessage) error {
		got = p
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()

	out := b.Dispatch(context.Background(), "reminder:2", "reminder.send", json.RawMessage(`{"training_id":2}`))
	if out != OutcomeDelivered {
		t.Fatalf("outcome = %v", out)
	}
	if string(got) != `{"training_id":2}` {
		t.Fatalf("payload = %s", got)
	}
}

func TestDispatchHandlerError(t *testing.T) {
	t.Parallel()
	reg, b := newTestBridge(t, time.Second)
	_ = reg.Register("broadcast.send", func(context.Context, json.RawMessage) error {
		return errors.New("telegram says no")
	})
	reg.Seal()

	if out := b.Dispatch(context.Background(), "broadcast:weekly", "broadcast.send", nil); out != OutcomeFailed {
		t.Fatalf("outcome = %v", out)
	}
}

func TestDispatchUnknownTarget(t *testing.T) {
	t.Parallel()
	_, b := newTestBridge(t, time.Second)
	if out := b.Dispatch(context.Background(), "x", "nope", nil); out != OutcomeFailed {
		t.Fatalf("outcome = %v", out)
	}
}

func TestDispatchTimeoutDoesNotBlockCaller(t *testing.T) {
	t.Parallel()
	reg, b := newTestBridge(t, 30*time.Millisecond)

	release := make(chan struct{})
	_ = reg.Register("slow.send", func(context.Context, json.RawMessage) error {
		<-release
		return nil
	})
	reg.Seal()

	start := time.Now()
	out := b.Dispatch(context.Background(), "slow", "slow.send", nil)
	close(release)
	if out != OutcomeTimedOut {
		t.Fatalf("outcome = %v", out)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("dispatch blocked for %v", elapsed)
	}
}

func TestDispatchContainsHandlerPanic(t *testing.T) {
	t.Parallel()
	reg, b := newTestBridge(t, time.Second)
	_ = reg.Register("boom.send", func(context.Context, json.RawMessage) error { panic("kaput") })
	_ = reg.Register("ok.send", func(context.Context, json.RawMessage) error { return nil })
	reg.Seal()

	if out := b.Dispatch(context.Background(), "boom", "boom.send", nil); out != OutcomeFailed {
		t.Fatalf("outcome = %v", out)
	}
	// The delivery loop survives.
	if out := b.Dispatch(context.Background(), "ok", "ok.send", nil); out != OutcomeDelivered {
		t.Fatalf("outcome after panic = %v", out)
	}
}

func TestRegistrySealRejectsLateRegistration(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	if err := reg.Register("a", func(context.Context, json.RawMessage) error { return nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("a", func(context.Context, json.RawMessage) error { return nil }); err == nil {
		t.Fatal("duplicate registration accepted")
	}
	reg.Seal()
	if err := reg.Register("b", func(context.Context, json.RawMessage) error { return nil }); err == nil {
		t.Fatal("registration after seal accepted")
	}
	if _, ok := reg.Lookup("a"); !ok {
		t.Fatal("lookup failed")
	}
}
