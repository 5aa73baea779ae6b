// Package delivery runs all outbound Telegram sends on a single loop.
//
// Scheduler workers never touch the transport directly: they hand work
// to this runtime and wait on the returned channel. Serializing sends
// keeps ordering stable per chat and gives one place to pace the
// Telegram API.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	rtsup "coachbot/internal/runtime/supervisor"
	logx "coachbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery stopped")
)

// Func is a unit of outbound work executed on the delivery loop.
type Func func(ctx context.Context) error

type Config struct {
	QueueSize  int
	RatePerSec int
}

type job struct {
	name string
	fn   Func
	done chan error
}

// Runtime is safe for concurrent use.
type Runtime struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config

	limiter *rate.Limiter

	accepting bool
	submitWG  sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, log logx.Logger) *Runtime {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runtime{log: log}
	r.applyLocked(cfg)
	return r
}

func (r *Runtime) Apply(cfg Config) {
	r.mu.Lock()
	r.applyLocked(cfg)
	r.mu.Unlock()
}

func (r *Runtime) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	r.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	r.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Pace blocks until the next outbound send is allowed. Handlers that
// send several messages (broadcast fanout) call this before each one.
func (r *Runtime) Pace(ctx context.Context) error {
	r.mu.Lock()
	lim := r.limiter
	r.mu.Unlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Start is idempotent.
func (r *Runtime) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.stopDone != nil {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		r.mu.Lock()
	}
	if r.queue != nil {
		r.mu.Unlock()
		return
	}

	r.queue = make(chan job, r.cfg.QueueSize)
	r.accepting = true
	r.sup = rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "delivery"))),
		rtsup.WithCancelOnError(false),
	)
	sup := r.sup
	q := r.queue
	r.mu.Unlock()

	sup.GoRestart("send_loop", func(c context.Context) error {
		r.loop(c, q)
		// Clean exits happen on shutdown (queue close).
		r.mu.Lock()
		stopping := r.stopDone != nil
		r.mu.Unlock()
		if stopping {
			return context.Canceled
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("delivery loop exited unexpectedly")
	})
}

func (r *Runtime) loop(ctx context.Context, q chan job) {
	for j := range q {
		if ctx.Err() != nil {
			j.done <- ctx.Err()
			continue
		}
		err := runSafely(ctx, j.name, j.fn)
		if err != nil {
			r.log.Warn("delivery failed", logx.String("job", j.name), logx.Err(err))
		}
		// done is buffered; the dispatcher may have stopped waiting.
		j.done <- err
	}
}

func runSafely(ctx context.Context, name string, fn Func) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", name, rec)
		}
	}()
	return fn(ctx)
}

// Submit enqueues fn and returns a channel that receives its result
// exactly once. Callers decide how long to wait; the work itself
// continues on the loop even if the caller stops listening.
func (r *Runtime) Submit(ctx context.Context, name string, fn Func) (<-chan error, error) {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	r.mu.Lock()
	if !r.accepting || r.queue == nil {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	q := r.queue
	r.submitWG.Add(1)
	r.mu.Unlock()
	defer r.submitWG.Done()

	j := job{name: name, fn: fn, done: make(chan error, 1)}
	select {
	case q <- j:
		return j.done, nil
	default:
		return nil, ErrQueueFull
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (r *Runtime) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	q := r.queue
	sup := r.sup
	if q == nil {
		r.mu.Unlock()
		return
	}
	if r.stopDone != nil {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	r.stopDone = done
	r.accepting = false
	r.mu.Unlock()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		// Wait for in-flight submits, then close the queue so the loop drains.
		r.submitWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		r.mu.Lock()
		r.queue = nil
		r.stopDone = nil
		r.sup = nil
		r.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}
