package scheduler

import (
	"sort"
	"time"
)

// Snapshot returns a point-in-time view of registered jobs for /jobs
// output. Next is the earliest upcoming firing across all triggers.
func (r *Runtime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Enabled:  r.cfg.Enabled,
		Timezone: r.cfg.Timezone,
	}
	if r.queue != nil {
		snap.QueueLen = len(r.queue)
		snap.QueueCap = cap(r.queue)
	}

	// Entry lookup for next-run times.
	next := map[string]time.Time{}
	if r.c != nil {
		byEntry := map[int64]time.Time{}
		for _, e := range r.c.Entries() {
			byEntry[int64(e.ID)] = e.Next
		}
		for id, d := range r.defs {
			for _, eid := range d.entryIDs {
				if t, ok := byEntry[int64(eid)]; ok {
					if cur, have := next[id]; !have || (!t.IsZero() && t.Before(cur)) {
						next[id] = t
					}
				}
			}
		}
	}

	r.tmu.Lock()
	for id, f := range r.onceFire {
		if cur, have := next[id]; !have || f.due.Before(cur) {
			next[id] = f.due
		}
	}
	r.tmu.Unlock()

	for id, d := range r.defs {
		var descs []string
		if d.fn != nil {
			descs = []string{"every " + d.every.String()}
		} else {
			descs = make([]string, 0, len(d.job.Triggers))
			for _, t := range d.job.Triggers {
				descs = append(descs, t.Describe())
			}
		}
		snap.Jobs = append(snap.Jobs, JobInfo{
			ID:       id,
			Target:   d.job.Target,
			Triggers: descs,
			Next:     next[id],
		})
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].ID < snap.Jobs[j].ID })
	return snap
}
