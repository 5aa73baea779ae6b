// Package app wires configuration, storage, scheduling, dispatch and
// the Telegram transport into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coachbot/internal/config"
	"coachbot/internal/delivery"
	"coachbot/internal/dispatch"
	"coachbot/internal/eventbus"
	"coachbot/internal/jobs"
	"coachbot/internal/remind"
	rtsup "coachbot/internal/runtime/supervisor"
	"coachbot/internal/scheduler"
	"coachbot/internal/storage"
	"coachbot/internal/transport"
	telegram "coachbot/internal/transport/telegram/adapter"
	logx "coachbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	deliv   *delivery.Runtime
	bridge  *dispatch.Bridge
	sched   *scheduler.Runtime
	jobs    *jobs.Manager
	watcher *remind.Watcher
	router  *CommandRouter

	watchInterval time.Duration

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	deliv := delivery.New(delivery.Config{
		QueueSize:  cfg.Delivery.QueueSize,
		RatePerSec: cfg.Delivery.RatePerSec,
	}, log.With(logx.String("comp", "delivery")))

	dispatchTimeout, err := config.ParseDurationOrDefault("scheduler.dispatch_timeout", cfg.Scheduler.DispatchTimeout, 25*time.Second)
	if err != nil {
		return nil, err
	}
	reg := dispatch.NewRegistry()
	bridge := dispatch.NewBridge(reg, deliv, dispatchTimeout, log.With(logx.String("comp", "dispatch")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, bridge, log.With(logx.String("comp", "scheduler")), bus)

	jobsCfg, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	jm := jobs.NewManager(jobsCfg, store, sched, log.With(logx.String("comp", "jobs")))

	svc := remind.NewService(store, ad, deliv, log.With(logx.String("comp", "remind")))
	if err := svc.RegisterHandlers(reg); err != nil {
		return nil, err
	}
	reg.Seal()

	watcher := remind.NewWatcher(store, jm, log.With(logx.String("comp", "drift")), bus)

	watchInterval, err := config.ParseDurationOrDefault("scheduler.watch_interval", cfg.Scheduler.WatchInterval, 30*time.Second)
	if err != nil {
		return nil, err
	}

	router := NewCommandRouter(ad, deliv, jm, sched, cfg.Telegram.TrainerIDs,
		log.With(logx.String("comp", "commands")))

	return &App{
		cfgPath:       cfgPath,
		cfgm:          cfgm,
		log:           log,
		logs:          logSvc,
		bus:           bus,
		store:         store,
		adapter:       ad,
		deliv:         deliv,
		bridge:        bridge,
		sched:         sched,
		jobs:          jm,
		watcher:       watcher,
		router:        router,
		watchInterval: watchInterval,
		updates:       make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.deliv.Start(a.sup.Context())

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
		a.startSchedules(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled; reminders will not fire")
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// startSchedules restores persisted jobs, recomputes them from the
// current training configuration and installs the drift poll.
func (a *App) startSchedules(ctx context.Context) {
	if err := a.jobs.Rehydrate(ctx); err != nil {
		a.log.Warn("job rehydration failed", logx.Err(err))
	}
	if err := a.jobs.ScheduleAllReminders(ctx); err != nil {
		a.log.Warn("reminder scheduling incomplete", logx.Err(err))
	}
	if err := a.jobs.ScheduleBroadcast(ctx); err != nil {
		a.log.Warn("broadcast scheduling failed", logx.Err(err))
	}
	if err := a.sched.AddInterval(remind.WatchJobID, a.watchInterval, func(c context.Context) {
		_ = a.watcher.Poll(c)
	}); err != nil {
		a.log.Warn("drift watch not installed", logx.Err(err))
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Debug("config change summary", fields...)
			a.applyReload(ctx, lastApplied, newCfg, sections)
			lastApplied = newCfg
			a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
		}
	}
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config, sections []string) {
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	a.router.SetTrainers(newCfg.Telegram.TrainerIDs)

	a.deliv.Apply(delivery.Config{
		QueueSize:  newCfg.Delivery.QueueSize,
		RatePerSec: newCfg.Delivery.RatePerSec,
	})

	if d, err := config.ParseDurationOrDefault("scheduler.dispatch_timeout", newCfg.Scheduler.DispatchTimeout, 25*time.Second); err == nil {
		a.bridge.SetTimeout(d)
	}

	prevEnabled := a.sched.Enabled()
	schedCfg, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	a.sched.Apply(schedCfg)

	jobsCfg, err := mapJobsConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid reminder config; keeping previous", logx.Err(err))
		return
	}
	a.jobs.Apply(jobsCfg)

	if prevEnabled && !schedCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
		return
	}
	if !prevEnabled && schedCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
		a.startSchedules(ctx)
		return
	}
	if !schedCfg.Enabled {
		return
	}

	// Offset or timezone changes shift every reminder instant.
	if oldCfg.Reminder.OffsetMinutes != newCfg.Reminder.OffsetMinutes ||
		oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone {
		if err := a.jobs.ScheduleAllReminders(ctx); err != nil {
			a.log.Warn("reminder rescheduling incomplete", logx.Err(err))
		}
		if err := a.jobs.ScheduleBroadcast(ctx); err != nil {
			a.log.Warn("broadcast rescheduling failed", logx.Err(err))
		}
	}

	if d, err := config.ParseDurationOrDefault("scheduler.watch_interval", newCfg.Scheduler.WatchInterval, 30*time.Second); err == nil && d != a.watchInterval {
		a.watchInterval = d
		a.sched.Remove(remind.WatchJobID)
		if err := a.sched.AddInterval(remind.WatchJobID, d, func(c context.Context) {
			_ = a.watcher.Poll(c)
		}); err != nil {
			a.log.Warn("drift watch not reinstalled", logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("delivery", 2*time.Second, func(c context.Context) error { a.deliv.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
