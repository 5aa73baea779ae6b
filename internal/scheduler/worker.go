package scheduler

import (
	"context"
	"fmt"
	"time"

	"coachbot/internal/eventbus"
	logx "coachbot/pkg/logx"
)

func workerName(idx int) string {
	return fmt.Sprintf("worker.%d", idx)
}

func (r *Runtime) workerLoop(ctx context.Context, q chan fire) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-q:
			r.run(ctx, f)
		}
	}
}

func (r *Runtime) run(ctx context.Context, f fire) {
	defer f.state.release()

	if f.fn != nil {
		f.fn(ctx)
		return
	}

	// Misfire check covers time spent waiting in the queue too.
	if late := time.Since(f.due); f.grace > 0 && late > f.grace {
		r.log.Warn("fire missed beyond grace; skipping",
			logx.String("job", f.jobID),
			logx.Time("due", f.due),
			logx.Duration("late", late),
			logx.Duration("grace", f.grace),
		)
		r.publish(eventbus.TypeJobMisfired, jobEvent{JobID: f.jobID, Target: f.target})
		return
	}

	r.publish(eventbus.TypeJobFired, jobEvent{JobID: f.jobID, Target: f.target})
	start := time.Now()
	out := r.disp.Dispatch(ctx, f.jobID, f.target, f.payload)
	r.log.Debug("fire handled",
		logx.String("job", f.jobID),
		logx.String("outcome", out.String()),
		logx.Duration("took", time.Since(start)),
	)
}
