// Package scheduler owns trigger evaluation: cron entries for weekly
// rules, timers for one-shot catch-ups, and a bounded worker pool that
// hands fires to the dispatcher. It knows nothing about Telegram or
// message contents.
package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"coachbot/internal/eventbus"
	rtsup "coachbot/internal/runtime/supervisor"
	logx "coachbot/pkg/logx"
)

const defaultMisfireGrace = time.Minute

func New(cfg Config, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Runtime {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = defaultMisfireGrace
	}
	return &Runtime{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		disp: disp,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:        map[string]*jobDef{},
		timers:      map[string]*time.Timer{},
		onceFire:    map[string]fire{},
		onceVer:     map[string]uint64{},
		lastEnqWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (r *Runtime) Enabled() bool {
	r.mu.Lock()
	en := r.cfg.Enabled
	r.mu.Unlock()
	return en
}

// Location returns the trigger timezone. Callers composing one-shot
// catch-ups need it to anchor "today".
func (r *Runtime) Location() *time.Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loc != nil {
		return r.loc
	}
	return r.loadLocationLocked()
}

func (r *Runtime) Apply(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = defaultMisfireGrace
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	oldTZ := strings.TrimSpace(r.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	r.cfg = cfg

	if r.c == nil {
		return
	}
	if oldTZ != newTZ {
		// restart cron with the new location and re-register definitions
		r.restartLocked()
	}
}

// Start begins cron triggering, restores one-shot timers and launches
// the dispatch workers.
func (r *Runtime) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.c != nil {
		r.mu.Unlock()
		return
	}
	cur := r.cfg
	r.log.Debug("start requested", logx.Bool("enabled", cur.Enabled), logx.String("tz", strings.TrimSpace(cur.Timezone)))

	loc := r.loadLocationLocked()
	r.loc = loc
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(loc))

	// register existing defs (if any)
	for _, d := range r.defs {
		r.addCronLocked(d)
	}
	r.c.Start()

	r.queue = make(chan fire, cur.QueueSize)
	r.sup = rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	q := r.queue
	for i := 0; i < cur.Workers; i++ {
		idx := i
		r.sup.Go0(workerName(idx), func(c context.Context) {
			r.workerLoop(c, q)
		})
	}
	r.mu.Unlock()

	// Restore one-shot timers from persisted definitions.
	r.rebuildOnceTimers()
	r.log.Info("runtime started", logx.String("tz", loc.String()), logx.Int("jobs", len(r.defs)), logx.Int("workers", cur.Workers))
}

// Stop halts cron triggering and stops runtime one-shot timers.
// Persisted one-shot definitions remain so they resume on next Start().
func (r *Runtime) Stop(ctx context.Context) {
	start := time.Now()
	r.log.Info("stop requested")

	r.mu.Lock()
	c := r.c
	sup := r.sup
	r.c = nil
	r.sup = nil
	r.queue = nil
	r.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}

	r.tmu.Lock()
	for _, t := range r.timers {
		_ = t.Stop()
	}
	r.timers = map[string]*time.Timer{}
	r.tmu.Unlock()

	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}

	r.log.Info("runtime stopped", logx.Duration("took", time.Since(start)))
}

// restartLocked rebuilds cron in the current timezone. Call with r.mu held.
func (r *Runtime) restartLocked() {
	if r.c != nil {
		<-r.c.Stop().Done()
	}
	loc := r.loadLocationLocked()
	r.loc = loc
	r.c = cron.New(cron.WithParser(r.parser), cron.WithLocation(loc))
	for _, d := range r.defs {
		r.addCronLocked(d)
	}
	r.c.Start()
	r.log.Info("runtime restarted", logx.String("tz", loc.String()), logx.Int("jobs", len(r.defs)))
}

func (r *Runtime) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(r.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

func (r *Runtime) publish(typ string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
