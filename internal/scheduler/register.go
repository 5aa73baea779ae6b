package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"coachbot/internal/eventbus"
	"coachbot/internal/schedule"
	logx "coachbot/pkg/logx"
)

// Register upserts a job by id: any previous cron entries and one-shot
// timers with the same id are replaced atomically, so repeated
// registrations (hot-reloads, reschedules, restarts) never duplicate
// firings.
func (r *Runtime) Register(job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return errors.New("job id required")
	}
	if strings.TrimSpace(job.Target) == "" {
		return fmt.Errorf("job %s: target required", job.ID)
	}
	if len(job.Triggers) == 0 {
		return fmt.Errorf("job %s: at least one trigger required", job.ID)
	}
	for i, t := range job.Triggers {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("job %s: trigger %d: %w", job.ID, i, err)
		}
	}

	grace := job.MisfireGrace

	r.mu.Lock()
	if grace <= 0 {
		grace = r.cfg.MisfireGrace
	}
	r.removeLocked(job.ID)

	d := &jobDef{job: job, state: &runState{}}
	r.defs[job.ID] = d
	if r.c != nil {
		r.addCronLocked(d)
	}
	loc := r.loc
	running := r.c != nil
	r.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}

	// One-shot catch-ups. The composer emits at most one per job, but the
	// trigger set is a list; arm whichever are present.
	for _, t := range job.Triggers {
		if t.Kind != schedule.KindOneShot {
			continue
		}
		r.armOnce(d, t.At.In(loc), grace, running)
	}

	descs := make([]string, 0, len(job.Triggers))
	for _, t := range job.Triggers {
		descs = append(descs, t.Describe())
	}
	r.log.Info("job registered",
		logx.String("job", job.ID),
		logx.String("target", job.Target),
		logx.String("triggers", strings.Join(descs, "; ")),
	)
	r.publish(eventbus.TypeJobScheduled, jobEvent{JobID: job.ID, Target: job.Target})
	return nil
}

// Remove unschedules the job with the given id. It returns true if
// something was removed. Safe to call when the runtime is not started.
func (r *Runtime) Remove(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	r.mu.Lock()
	removed := r.removeLocked(id)
	r.mu.Unlock()

	if removed {
		r.log.Info("job removed", logx.String("job", id))
		r.publish(eventbus.TypeJobRemoved, jobEvent{JobID: id})
	}
	return removed
}

// removeLocked drops the def, its cron entries and its one-shot state.
// Call with r.mu held.
func (r *Runtime) removeLocked(id string) bool {
	removed := false
	if d, ok := r.defs[id]; ok {
		if r.c != nil {
			for _, eid := range d.entryIDs {
				r.c.Remove(eid)
			}
		}
		delete(r.defs, id)
		removed = true
	}

	r.tmu.Lock()
	if t, ok := r.timers[id]; ok {
		_ = t.Stop()
		delete(r.timers, id)
		removed = true
	}
	if _, ok := r.onceFire[id]; ok {
		delete(r.onceFire, id)
		removed = true
	}
	// Bump the version so stale timer callbacks become no-ops.
	r.onceVer[id]++
	r.tmu.Unlock()

	return removed
}

// AddInterval registers a named function that runs on the runtime's
// cron at a fixed interval. Used for internal maintenance schedules
// (broadcast config drift watch); these bypass dispatch and run the
// function directly on a worker, still under the overlap gate.
func (r *Runtime) AddInterval(id string, every time.Duration, fn func(context.Context)) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("schedule id required")
	}
	if every <= 0 {
		return fmt.Errorf("schedule %s: interval must be > 0", id)
	}
	if fn == nil {
		return fmt.Errorf("schedule %s: fn required", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
	d := &jobDef{
		job:   Job{ID: id, Target: "internal"},
		state: &runState{},
		every: every,
		fn:    fn,
	}
	r.defs[id] = d
	if r.c != nil {
		r.addCronLocked(d)
	}
	r.log.Debug("interval schedule registered", logx.String("id", id), logx.Duration("every", every))
	return nil
}

// addCronLocked registers weekly triggers with cron. Call with r.mu held.
func (r *Runtime) addCronLocked(d *jobDef) {
	d.entryIDs = d.entryIDs[:0]

	if d.fn != nil {
		id := d.job.ID
		state := d.state
		fn := d.fn
		eid, err := r.c.AddJob(fmt.Sprintf("@every %s", d.every), cron.FuncJob(func() {
			r.enqueue(fire{jobID: id, due: time.Now(), state: state, fn: fn})
		}))
		if err != nil {
			r.log.Error("interval register failed", logx.String("job", id), logx.Any("err", err))
			return
		}
		d.entryIDs = append(d.entryIDs, eid)
		return
	}

	grace := d.job.MisfireGrace
	if grace <= 0 {
		grace = r.cfg.MisfireGrace
	}
	for _, t := range d.job.Triggers {
		if t.Kind != schedule.KindWeekly {
			continue
		}
		spec := t.CronExpr()
		job := d.job
		state := d.state
		eid, err := r.c.AddJob(spec, cron.FuncJob(func() {
			r.enqueue(fire{
				jobID:   job.ID,
				target:  job.Target,
				payload: job.Payload,
				due:     time.Now(),
				grace:   grace,
				state:   state,
			})
		}))
		if err != nil {
			r.log.Error("cron register failed", logx.String("job", job.ID), logx.String("spec", spec), logx.Any("err", err))
			continue
		}
		d.entryIDs = append(d.entryIDs, eid)
	}
}

// armOnce schedules a one-shot catch-up timer for the job. A past due
// time still fires immediately when it is within the misfire grace;
// older ones are recorded as misfires and dropped.
func (r *Runtime) armOnce(d *jobDef, at time.Time, grace time.Duration, running bool) {
	id := d.job.ID
	now := time.Now()
	if late := now.Sub(at); late > grace {
		r.log.Warn("one-shot missed beyond grace; skipping",
			logx.String("job", id),
			logx.Time("due", at),
			logx.Duration("late", late),
			logx.Duration("grace", grace),
		)
		r.publish(eventbus.TypeJobMisfired, jobEvent{JobID: id, Target: d.job.Target})
		return
	}

	f := fire{
		jobID:   id,
		target:  d.job.Target,
		payload: d.job.Payload,
		due:     at,
		grace:   grace,
		state:   d.state,
	}

	r.tmu.Lock()
	if t, ok := r.timers[id]; ok {
		_ = t.Stop()
		delete(r.timers, id)
	}
	r.onceVer[id]++
	ver := r.onceVer[id]
	r.onceFire[id] = f

	if !running {
		// Runtime not started yet; rebuildOnceTimers() arms it on Start().
		r.tmu.Unlock()
		return
	}
	r.timers[id] = r.newOnceTimerLocked(id, ver, f)
	r.tmu.Unlock()
}

// newOnceTimerLocked creates the AfterFunc for a one-shot definition.
// Call with r.tmu held.
func (r *Runtime) newOnceTimerLocked(id string, ver uint64, f fire) *time.Timer {
	delay := time.Until(f.due)
	if delay < 0 {
		delay = 0
	}
	return time.AfterFunc(delay, func() {
		// If the job was removed or replaced, ignore this callback.
		r.tmu.Lock()
		if r.onceVer[id] != ver {
			r.tmu.Unlock()
			return
		}
		cur, ok := r.onceFire[id]
		if !ok {
			r.tmu.Unlock()
			return
		}
		// Consume the definition first so a restart can't double-fire.
		delete(r.timers, id)
		delete(r.onceFire, id)
		r.tmu.Unlock()

		r.enqueue(cur)
	})
}

// rebuildOnceTimers recreates runtime timers from persisted one-shot
// definitions after Start().
func (r *Runtime) rebuildOnceTimers() {
	r.tmu.Lock()
	defer r.tmu.Unlock()
	for _, t := range r.timers {
		_ = t.Stop()
	}
	r.timers = map[string]*time.Timer{}

	now := time.Now()
	for id, f := range r.onceFire {
		if late := now.Sub(f.due); late > f.grace {
			r.log.Warn("one-shot missed beyond grace; dropping",
				logx.String("job", id),
				logx.Time("due", f.due),
				logx.Duration("late", late),
			)
			r.publish(eventbus.TypeJobMisfired, jobEvent{JobID: id, Target: f.target})
			delete(r.onceFire, id)
			r.onceVer[id]++
			continue
		}
		r.onceVer[id]++
		r.timers[id] = r.newOnceTimerLocked(id, r.onceVer[id], f)
	}
}

const enqueueWarnThrottle = 5 * time.Second

// enqueue applies the overlap gate then pushes the fire into the
// bounded queue. Drops are throttled-warned, never blocking.
func (r *Runtime) enqueue(f fire) {
	r.mu.Lock()
	q := r.queue
	r.mu.Unlock()
	if q == nil {
		r.reportEnqueueError(f.jobID, errors.New("runtime not started"))
		return
	}

	if !f.state.tryAcquire() {
		r.log.Debug("trigger skipped; previous run still active", logx.String("job", f.jobID))
		return
	}

	select {
	case q <- f:
	default:
		f.state.release()
		r.reportEnqueueError(f.jobID, errors.New("queue full"))
	}
}

func (r *Runtime) reportEnqueueError(id string, err error) {
	if err == nil {
		return
	}
	now := time.Now()
	r.enqMu.Lock()
	last := r.lastEnqWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		r.enqMu.Unlock()
		return
	}
	r.lastEnqWarn[id] = now
	r.enqMu.Unlock()

	// Queue full / not started are important but can be bursty.
	r.log.Warn("trigger failed to enqueue", logx.String("job", id), logx.Any("err", err))
}

type jobEvent struct {
	JobID  string `json:"job_id"`
	Target string `json:"target,omitempty"`
}
