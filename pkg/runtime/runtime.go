// Package runtime executes job work units on background goroutines. It
// owns the Running portion of the job lifecycle: starting pending jobs in
// submission order, retrying transient failures with backoff, containing
// panics, honoring cooperative cancellation, and draining on shutdown.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/maxbigdig/bigdig/pkg/core"
)

// ErrDraining is returned by Submit once a drain has begun.
var ErrDraining = errors.New("runtime: draining, no new jobs accepted")

// Work is a job's executable body. It runs on a runtime goroutine, checks
// job.Cancelled() at checkpoints between externally visible steps, and
// returns core.ErrCancelled when it stops at one.
type Work func(ctx context.Context, job *core.Job) (any, error)

type submission struct {
	job  *core.Job
	work Work
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithRetry overrides the transient-error retry configuration.
func WithRetry(cfg RetryConfig) Option {
	return func(r *Runtime) { r.retry = cfg }
}

// WithNotifier sets the callback invoked for each lifecycle event. The
// callback must not block.
func WithNotifier(notify func(core.Event)) Option {
	return func(r *Runtime) { r.notify = notify }
}

// Runtime runs work units for submitted jobs.
type Runtime struct {
	logger *slog.Logger
	retry  RetryConfig
	notify func(core.Event)

	workCtx    context.Context
	workCancel context.CancelFunc

	mu       sync.Mutex
	queue    []submission
	inflight map[string]*core.Job
	draining bool

	wake     chan struct{}
	quit     chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup

	startOnce sync.Once
	quitOnce  sync.Once
}

// New creates a runtime. Call Start before submitting.
func New(opts ...Option) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		logger:     slog.Default(),
		retry:      DefaultRetryConfig(),
		workCtx:    ctx,
		workCancel: cancel,
		inflight:   make(map[string]*core.Job),
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the intake loop.
func (r *Runtime) Start() {
	r.startOnce.Do(func() { go r.loop() })
}

// Submit queues a pending job for execution. It never blocks; jobs start
// in submission order. Submissions after Drain has begun are rejected.
func (r *Runtime) Submit(job *core.Job, work Work) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return ErrDraining
	}
	r.queue = append(r.queue, submission{job: job, work: work})
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// InFlight returns the number of currently executing jobs.
func (r *Runtime) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *Runtime) loop() {
	defer close(r.loopDone)
	for {
		select {
		case <-r.quit:
			return
		case <-r.wake:
		}
		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			sub := r.queue[0]
			r.queue = r.queue[1:]
			r.mu.Unlock()

			r.wg.Add(1)
			go r.exec(sub)
		}
	}
}

func (r *Runtime) exec(sub submission) {
	defer r.wg.Done()
	job := sub.job

	if !job.Begin() {
		// Cancelled (or otherwise finalized) before we got to it. The
		// canceller already emitted the terminal event.
		return
	}

	r.mu.Lock()
	r.inflight[job.ID()] = job
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, job.ID())
		r.mu.Unlock()
	}()

	r.emit(&core.JobStarted{Job: job.Snapshot(), Timestamp: time.Now()})
	r.logger.Debug("job started", "job_id", job.ID(), "kind", job.Kind(), "session", job.Session())

	result, err := r.execute(r.workCtx, job, sub.work)
	r.settle(job, result, err)
}

// execute runs the work unit, retrying transient failures up to the
// configured attempt budget. Cancellation requested during backoff aborts
// the retry rather than waiting it out.
func (r *Runtime) execute(ctx context.Context, job *core.Job, work Work) (any, error) {
	attempt := 1
	for {
		result, err := r.invoke(ctx, job, work)
		if err == nil {
			return result, nil
		}
		if !core.IsTransient(err) || attempt >= r.retry.MaxAttempts {
			return nil, err
		}
		if job.CancelRequested() || ctx.Err() != nil {
			return nil, core.ErrCancelled
		}

		r.emit(&core.JobRetrying{Job: job.Snapshot(), Attempt: attempt, Error: err, Timestamp: time.Now()})
		r.logger.Warn("transient failure, retrying",
			"job_id", job.ID(), "kind", job.Kind(), "attempt", attempt, "error", err)

		if werr := sleepOrDone(ctx, job.Cancelled(), r.retry.backoffFor(attempt)); werr != nil {
			return nil, core.ErrCancelled
		}
		attempt++
	}
}

// invoke runs a single attempt with panic containment. A panicking work
// unit fails its own job; the runtime and its other jobs keep going.
func (r *Runtime) invoke(ctx context.Context, job *core.Job, work Work) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = core.Invariant("work unit panic: %v", rec)
			r.logger.Error("work unit panicked",
				"job_id", job.ID(), "kind", job.Kind(), "panic", rec, "stack", string(debug.Stack()))
		}
	}()
	return work(ctx, job)
}

// settle finalizes the job from the work unit's outcome. A cancellation
// requested while the work was finishing wins over its result.
func (r *Runtime) settle(job *core.Job, result any, err error) {
	now := time.Now()
	switch {
	case err == nil:
		if job.Complete(result) {
			snap := job.Snapshot()
			r.emit(&core.JobCompleted{Job: snap, Duration: snap.EndedAt.Sub(snap.StartedAt), Timestamp: now})
			r.logger.Debug("job completed", "job_id", job.ID(), "kind", job.Kind())
			return
		}
	case errors.Is(err, core.ErrCancelled), errors.Is(err, context.Canceled):
		// fall through to FinalizeCancelled below
	default:
		if job.Fail(err) {
			r.emit(&core.JobFailed{Job: job.Snapshot(), Error: err, Timestamp: now})
			r.logger.Error("job failed", "job_id", job.ID(), "kind", job.Kind(), "error", err)
			return
		}
	}

	if job.FinalizeCancelled() {
		r.emit(&core.JobCancelled{Job: job.Snapshot(), Timestamp: now})
		r.logger.Info("job cancelled", "job_id", job.ID(), "kind", job.Kind())
	}
}

// Drain stops intake, cancels queued jobs that never started, and waits
// up to grace for in-flight work to finish. Work still running when the
// grace expires has its context cancelled and its job force-finalized as
// Cancelled.
func (r *Runtime) Drain(grace time.Duration) {
	r.mu.Lock()
	r.draining = true
	queued := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, sub := range queued {
		if sub.job.Cancel() {
			r.emit(&core.JobCancelled{Job: sub.job.Snapshot(), Timestamp: time.Now()})
		}
	}

	r.quitOnce.Do(func() { close(r.quit) })
	r.Start() // ensure the loop exists so loopDone closes
	<-r.loopDone

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(grace):
	}

	r.mu.Lock()
	stragglers := make([]*core.Job, 0, len(r.inflight))
	for _, job := range r.inflight {
		stragglers = append(stragglers, job)
	}
	r.mu.Unlock()

	for _, job := range stragglers {
		job.Cancel()
	}
	r.workCancel()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
	}

	for _, job := range stragglers {
		if job.FinalizeCancelled() {
			r.emit(&core.JobCancelled{Job: job.Snapshot(), Timestamp: time.Now()})
			r.logger.Warn("job force-cancelled during drain", "job_id", job.ID(), "kind", job.Kind())
		}
	}
}

func (r *Runtime) emit(ev core.Event) {
	if r.notify != nil {
		r.notify(ev)
	}
}
