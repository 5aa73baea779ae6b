// Package eventbus carries the engine's internal signals: the trigger
// runtime announces job lifecycle and (mis)fires, the delivery loop
// announces dispatch outcomes, and the drift watcher announces detected
// broadcast settings changes. Observers (the /status command, tests)
// subscribe without coupling those packages to each other.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine.
const (
	TypeJobScheduled   = "job.scheduled"
	TypeJobRemoved     = "job.removed"
	TypeJobFired       = "job.fired"
	TypeJobMisfired    = "job.misfired"
	TypeDispatchDone   = "dispatch.delivered"
	TypeDispatchFailed = "dispatch.failed"
	TypeDriftDetected  = "broadcast.config-drift"
)

// Event is one signal. Data is small per-type context: a job id, a
// dispatch target, a broadcast fingerprint.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	// Publish never blocks; a subscriber with a full buffer misses
	// the event. Fire and misfire paths publish inline, so a slow
	// /status reader must not stall the scheduler.
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &fanoutBus{subs: map[uint64]chan Event{}}
}

type fanoutBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *fanoutBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot the subscriber set so no lock is held across sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close the channel under us;
		// the recover absorbs that send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *fanoutBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
