package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"coachbot/internal/dispatch"
	"coachbot/internal/eventbus"
	rtsup "coachbot/internal/runtime/supervisor"
	"coachbot/internal/schedule"
	logx "coachbot/pkg/logx"
)

// Config controls the trigger runtime.
type Config struct {
	Enabled   bool
	Timezone  string // IANA TZ, e.g. "America/Bogota"
	Workers   int
	QueueSize int

	// MisfireGrace is the default window in which a late fire still runs.
	MisfireGrace time.Duration
}

// Dispatcher hands a fired job to the delivery side.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID, target string, payload json.RawMessage) dispatch.Outcome
}

// Job is a registered schedulable unit: stable id, dispatch target,
// trigger set and an opaque payload passed through to the handler.
type Job struct {
	ID       string
	Target   string
	Triggers []schedule.TriggerSpec
	Payload  json.RawMessage

	// MisfireGrace overrides the config default when > 0.
	MisfireGrace time.Duration
}

// runState tracks whether a job is already in-flight or queued. A job
// never runs concurrently with itself; a trigger that lands while the
// previous run is still active is skipped.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type jobDef struct {
	job      Job
	entryIDs []cron.EntryID
	state    *runState

	// Interval function schedules (maintenance loops) bypass dispatch.
	every time.Duration
	fn    func(context.Context)
}

// fire is one trigger activation flowing through the queue.
type fire struct {
	jobID   string
	target  string
	payload json.RawMessage
	due     time.Time
	grace   time.Duration
	state   *runState

	// fn, when set, is run directly instead of dispatching.
	fn func(context.Context)
}

type Runtime struct {
	mu sync.Mutex

	log  logx.Logger
	bus  eventbus.Bus
	cfg  Config
	loc  *time.Location
	disp Dispatcher

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*jobDef

	queue chan fire
	sup   *rtsup.Supervisor

	// Enqueue error throttling: key is job id.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// One-shot timers (runtime) and their persisted definitions.
	// onceVer ignores stale callbacks from replaced timers.
	tmu      sync.Mutex
	timers   map[string]*time.Timer
	onceFire map[string]fire
	onceVer  map[string]uint64
}

// JobInfo is a read-only view of one registered job for /jobs output.
type JobInfo struct {
	ID       string
	Target   string
	Triggers []string
	Next     time.Time
}

type Snapshot struct {
	Enabled  bool
	Timezone string
	QueueLen int
	QueueCap int
	Jobs     []JobInfo
}
