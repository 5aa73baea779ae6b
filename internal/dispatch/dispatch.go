// Package dispatch connects fired scheduler jobs to delivery handlers.
//
// A job names a target ("reminder.send", "broadcast.send"); the registry
// maps targets to handlers and the bridge runs the handler on the
// delivery loop with a bounded wait. A slow or failed send never blocks
// a scheduler worker for longer than the dispatch timeout.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"coachbot/internal/delivery"
	"coachbot/internal/eventbus"
	logx "coachbot/pkg/logx"
)

type Outcome int

const (
	OutcomeDelivered Outcome = iota
	OutcomeTimedOut
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Handler performs the actual delivery work for one target.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Registry maps job targets to handlers. All Register calls happen
// during startup, before the scheduler begins firing; after Seal() the
// registry is read-only and safe for unlocked concurrent lookups.
type Registry struct {
	mu     sync.Mutex
	sealed bool
	m      map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]Handler{}}
}

func (r *Registry) Register(target string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("dispatch: register %q after seal", target)
	}
	if target == "" || h == nil {
		return fmt.Errorf("dispatch: invalid registration for %q", target)
	}
	if _, ok := r.m[target]; ok {
		return fmt.Errorf("dispatch: duplicate target %q", target)
	}
	r.m[target] = h
	return nil
}

func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) Lookup(target string) (Handler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.m[target]
	return h, ok
}

func (r *Registry) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.m))
	for t := range r.m {
		out = append(out, t)
	}
	return out
}

const defaultTimeout = 25 * time.Second

type Bridge struct {
	reg *Registry
	rt  *delivery.Runtime
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	timeout time.Duration
}

func NewBridge(reg *Registry, rt *delivery.Runtime, timeout time.Duration, log logx.Logger, bus eventbus.Bus) *Bridge {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{reg: reg, rt: rt, log: log, bus: bus, timeout: timeout}
}

// SetTimeout adjusts the bounded wait; used on config reload.
func (b *Bridge) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultTimeout
	}
	b.mu.Lock()
	b.timeout = d
	b.mu.Unlock()
}

// Dispatch runs the target's handler on the delivery loop and waits up
// to the dispatch timeout for the result. The handler keeps running
// after a timeout; only the wait is abandoned.
func (b *Bridge) Dispatch(ctx context.Context, jobID, target string, payload json.RawMessage) Outcome {
	h, ok := b.reg.Lookup(target)
	if !ok {
		b.log.Error("dispatch target not registered", logx.String("job", jobID), logx.String("target", target))
		b.publish(eventbus.TypeDispatchFailed, jobID, target, "unknown target")
		return OutcomeFailed
	}

	b.mu.Lock()
	timeout := b.timeout
	b.mu.Unlock()

	done, err := b.rt.Submit(ctx, target, func(c context.Context) error {
		return h(c, payload)
	})
	if err != nil {
		b.log.Warn("dispatch submit failed", logx.String("job", jobID), logx.String("target", target), logx.Err(err))
		b.publish(eventbus.TypeDispatchFailed, jobID, target, err.Error())
		return OutcomeFailed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			b.log.Warn("dispatch failed", logx.String("job", jobID), logx.String("target", target), logx.Err(err))
			b.publish(eventbus.TypeDispatchFailed, jobID, target, err.Error())
			return OutcomeFailed
		}
		b.publish(eventbus.TypeDispatchDone, jobID, target, "")
		return OutcomeDelivered
	case <-timer.C:
		b.log.Warn("dispatch timed out", logx.String("job", jobID), logx.String("target", target), logx.Duration("timeout", timeout))
		b.publish(eventbus.TypeDispatchFailed, jobID, target, "timeout")
		return OutcomeTimedOut
	case <-ctx.Done():
		b.log.Debug("dispatch wait cancelled", logx.String("job", jobID), logx.String("target", target))
		return OutcomeTimedOut
	}
}

type dispatchEvent struct {
	JobID  string `json:"job_id"`
	Target string `json:"target"`
	Detail string `json:"detail,omitempty"`
}

func (b *Bridge) publish(typ, jobID, target, detail string) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(eventbus.Event{Type: typ, Data: dispatchEvent{JobID: jobID, Target: target, Detail: detail}})
}
