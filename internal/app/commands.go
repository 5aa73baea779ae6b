package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"coachbot/internal/delivery"
	"coachbot/internal/jobs"
	"coachbot/internal/scheduler"
	"coachbot/internal/transport"
	telegram "coachbot/internal/transport/telegram/adapter"
	logx "coachbot/pkg/logx"
)

// CommandRouter handles operational commands from trainer chats.
// Messages from anyone else are ignored.
type CommandRouter struct {
	adapter *telegram.Adapter
	deliv   *delivery.Runtime
	jobs    *jobs.Manager
	sched   *scheduler.Runtime
	log     logx.Logger

	mu       sync.RWMutex
	trainers map[int64]struct{}
}

func NewCommandRouter(ad *telegram.Adapter, deliv *delivery.Runtime, jm *jobs.Manager, sched *scheduler.Runtime, trainerIDs []int64, log logx.Logger) *CommandRouter {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &CommandRouter{adapter: ad, deliv: deliv, jobs: jm, sched: sched, log: log}
	r.SetTrainers(trainerIDs)
	return r
}

func (r *CommandRouter) SetTrainers(ids []int64) {
	m := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	r.mu.Lock()
	r.trainers = m
	r.mu.Unlock()
}

func (r *CommandRouter) isTrainer(id int64) bool {
	r.mu.RLock()
	_, ok := r.trainers[id]
	r.mu.RUnlock()
	return ok
}

func (r *CommandRouter) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	r.log.Info("command dispatcher started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("command dispatcher stopped")
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.handle(ctx, up)
		}
	}
}

func (r *CommandRouter) handle(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil || !strings.HasPrefix(msg.Text, "/") {
		return
	}
	if !r.isTrainer(msg.FromID) {
		r.log.Debug("command ignored from non-trainer",
			logx.Int64("from", msg.FromID), logx.String("text", msg.Text))
		return
	}

	cmd := strings.ToLower(strings.Fields(msg.Text)[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}

	var reply string
	switch cmd {
	case "/jobs":
		reply = r.renderJobs()
	case "/status":
		reply = r.renderStatus()
	default:
		return
	}

	r.send(ctx, msg.ChatID, reply)
}

func (r *CommandRouter) send(ctx context.Context, chatID int64, text string) {
	done, err := r.deliv.Submit(ctx, "command.reply", func(c context.Context) error {
		_, err := r.adapter.SendText(c, transport.ChatTarget{ChatID: chatID}, text, nil)
		return err
	})
	if err != nil {
		r.log.Warn("command reply not queued", logx.Err(err))
		return
	}
	select {
	case err := <-done:
		if err != nil {
			r.log.Warn("command reply failed", logx.Err(err))
		}
	case <-time.After(10 * time.Second):
		r.log.Warn("command reply timed out")
	case <-ctx.Done():
	}
}

func (r *CommandRouter) renderJobs() string {
	snap := r.sched.Snapshot()
	if !snap.Enabled {
		return "Scheduler disabled."
	}
	infos := r.jobs.ListScheduledJobs()
	if len(infos) == 0 {
		return "No jobs scheduled."
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	loc := r.sched.Location()
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled jobs (%s):\n", snap.Timezone)
	for _, j := range infos {
		fmt.Fprintf(&b, "• %s → %s\n", j.ID, strings.Join(j.Triggers, ", "))
		if !j.Next.IsZero() {
			fmt.Fprintf(&b, "  next: %s\n", j.Next.In(loc).Format("Mon 2006-01-02 15:04"))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *CommandRouter) renderStatus() string {
	snap := r.sched.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduler: enabled=%t tz=%s\n", snap.Enabled, snap.Timezone)
	fmt.Fprintf(&b, "Fire queue: %d/%d\n", snap.QueueLen, snap.QueueCap)
	fmt.Fprintf(&b, "Jobs: %d", len(snap.Jobs))
	return b.String()
}
