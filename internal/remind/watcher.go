package remind

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"coachbot/internal/eventbus"
	"coachbot/internal/storage"
	logx "coachbot/pkg/logx"
)

// WatchJobID is the interval schedule under which the watcher polls.
const WatchJobID = "broadcast.config-watch"

// Rescheduler is the jobs-manager slice the watcher drives.
type Rescheduler interface {
	RescheduleBroadcast(ctx context.Context) error
}

// Watcher detects out-of-band edits to the broadcast settings (the web
// panel writes the same table) and replaces the broadcast job when the
// schedule-relevant fields change.
type Watcher struct {
	store storage.Store
	jobs  Rescheduler
	log   logx.Logger
	bus   eventbus.Bus

	mu   sync.Mutex
	have bool
	fp   uint64
}

func NewWatcher(store storage.Store, jobs Rescheduler, log logx.Logger, bus eventbus.Bus) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{store: store, jobs: jobs, log: log, bus: bus}
}

// Fingerprint hashes exactly the fields that affect the broadcast
// schedule. Message edits alone do not count as drift.
func Fingerprint(cfg storage.BroadcastConfig) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%t|%d|%d|%d|%t",
		cfg.IsActive, cfg.SendWeekday, cfg.SendHour, cfg.SendMinute, cfg.IsMondayOff)
	return h.Sum64()
}

// Poll runs one drift check. The first successful poll only records
// the baseline; later polls compare and reschedule once per change.
// Read errors keep the last known fingerprint.
func (w *Watcher) Poll(ctx context.Context) error {
	bc, err := w.store.GetBroadcastConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		// Absent row behaves like the defaults the manager falls back to.
		bc = storage.BroadcastConfig{IsActive: true, SendWeekday: 6, SendHour: 18}
	} else if err != nil {
		w.log.Warn("broadcast config poll failed", logx.Err(err))
		return nil
	}

	fp := Fingerprint(bc)

	w.mu.Lock()
	if !w.have {
		w.have, w.fp = true, fp
		w.mu.Unlock()
		w.log.Debug("broadcast config baseline recorded", logx.Uint64("fingerprint", fp))
		return nil
	}
	if w.fp == fp {
		w.mu.Unlock()
		return nil
	}
	prev := w.fp
	w.fp = fp
	w.mu.Unlock()

	w.log.Info("broadcast config drift detected",
		logx.Uint64("previous", prev), logx.Uint64("current", fp))
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeDriftDetected, Data: fp})
	}
	if err := w.jobs.RescheduleBroadcast(ctx); err != nil {
		w.log.Error("broadcast reschedule after drift failed", logx.Err(err))
	}
	return nil
}
