// Package dispatch provides the facade through which callers drive the
// client: session management, messaging operations, job control, and
// shutdown. Facade methods validate synchronously, dispatch a job, and
// return a handle; nothing here blocks on protocol traffic.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maxbigdig/bigdig/pkg/bridge"
	"github.com/maxbigdig/bigdig/pkg/core"
	"github.com/maxbigdig/bigdig/pkg/ratelimit"
	"github.com/maxbigdig/bigdig/pkg/registry"
	"github.com/maxbigdig/bigdig/pkg/runtime"
	"github.com/maxbigdig/bigdig/pkg/schedule"
	"github.com/maxbigdig/bigdig/pkg/session"
	"github.com/maxbigdig/bigdig/pkg/store"
	"github.com/maxbigdig/bigdig/pkg/telegram"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithRateLimit overrides operation spacing.
func WithRateLimit(cfg ratelimit.Config) Option {
	return func(d *Dispatcher) { d.limiterCfg = cfg }
}

// WithRetry overrides the runtime's transient retry configuration.
func WithRetry(cfg runtime.RetryConfig) Option {
	return func(d *Dispatcher) { d.retryCfg = cfg }
}

// WithStore enables profile persistence and the terminal-job audit trail.
func WithStore(s *store.Store) Option {
	return func(d *Dispatcher) { d.store = s }
}

// WithDrainGrace bounds how long Shutdown waits for in-flight work.
func WithDrainGrace(grace time.Duration) Option {
	return func(d *Dispatcher) { d.drainGrace = grace }
}

// WithRetention sweeps terminal job records from the in-memory registry
// on the given interval.
func WithRetention(policy registry.RetentionPolicy, every time.Duration) Option {
	return func(d *Dispatcher) {
		d.retention = policy
		d.retentionEvery = every
	}
}

// Dispatcher is the single entry point for application threads. All of
// its methods are safe for concurrent use.
type Dispatcher struct {
	logger     *slog.Logger
	limiterCfg ratelimit.Config
	retryCfg   runtime.RetryConfig
	drainGrace time.Duration

	retention      registry.RetentionPolicy
	retentionEvery time.Duration

	sessions *session.Manager
	limiter  *ratelimit.Limiter
	reg      *registry.Registry
	bridge   *bridge.Bridge
	store    *store.Store
	runner   *schedule.Runner

	mu         sync.Mutex
	responders map[string]telegram.RemoveHandler
	scheduled  map[string]func()

	auditStop    func()
	auditDone    chan struct{}
	shutdownOnce sync.Once
}

// New wires a dispatcher around the given client factory.
func New(factory telegram.Factory, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:     slog.Default(),
		limiterCfg: ratelimit.DefaultConfig(),
		retryCfg:   runtime.DefaultRetryConfig(),
		drainGrace: 10 * time.Second,
		responders: make(map[string]telegram.RemoveHandler),
		scheduled:  make(map[string]func()),
		auditDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.sessions = session.NewManager(factory, d.logger)
	d.limiter = ratelimit.New(d.limiterCfg)
	d.reg = registry.New()
	d.bridge = bridge.New(d.reg,
		bridge.WithLogger(d.logger),
		bridge.WithRetry(d.retryCfg),
	)
	d.runner = schedule.NewRunner(d.logger, d.fireScheduled)
	d.runner.Start(context.Background())

	if d.retentionEvery > 0 {
		policy := d.retention
		d.mustAddSchedule("registry-sweep", schedule.Every(d.retentionEvery), func() {
			if removed := d.reg.Sweep(policy); removed > 0 {
				d.logger.Debug("registry swept", "removed", removed)
			}
		})
	}

	if d.store != nil {
		events, stop := d.bridge.Events()
		d.auditStop = stop
		go d.auditLoop(events)
	} else {
		close(d.auditDone)
	}
	return d
}

// auditLoop persists terminal job snapshots. Audit failures are logged
// and dropped; persistence never blocks job execution.
func (d *Dispatcher) auditLoop(events <-chan core.Event) {
	defer close(d.auditDone)
	for ev := range events {
		var snap core.Snapshot
		switch e := ev.(type) {
		case *core.JobCompleted:
			snap = e.Job
		case *core.JobFailed:
			snap = e.Job
		case *core.JobCancelled:
			snap = e.Job
		default:
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.store.RecordJob(ctx, snap); err != nil {
			d.logger.Warn("job audit write failed", "job_id", snap.ID, "error", err)
		}
		cancel()
	}
}

// JobStatus returns a snapshot of the identified job.
func (d *Dispatcher) JobStatus(id string) (core.Snapshot, error) {
	return d.bridge.Poll(bridge.Handle(id))
}

// Await blocks until the job finishes or the timeout elapses. On timeout
// the job keeps running and the error is bridge.ErrAwaitTimeout.
func (d *Dispatcher) Await(ctx context.Context, id string, timeout time.Duration) (core.Snapshot, error) {
	return d.bridge.Await(ctx, bridge.Handle(id), timeout)
}

// CancelJob requests cooperative cancellation of a job.
func (d *Dispatcher) CancelJob(id string) (core.Snapshot, error) {
	return d.bridge.Cancel(bridge.Handle(id))
}

// ListJobs returns snapshots of known jobs, newest last.
func (d *Dispatcher) ListJobs(filters ...registry.Filter) []core.Snapshot {
	return d.reg.List(filters...)
}

// PurgeJob removes a terminal job's record.
func (d *Dispatcher) PurgeJob(id string) error {
	return d.reg.Purge(id)
}

// Events subscribes to job lifecycle events.
func (d *Dispatcher) Events() (<-chan core.Event, func()) {
	return d.bridge.Events()
}

// Sessions lists known session names.
func (d *Dispatcher) Sessions() []string {
	return d.sessions.List()
}

// SessionStatus returns the connection status of a named session.
func (d *Dispatcher) SessionStatus(name string) (session.Status, error) {
	sess := d.sessions.Get(name)
	if sess == nil {
		return "", core.ErrNotFound
	}
	return sess.Status(), nil
}

// AddSchedule registers a recurring operation by name. The fire function
// runs on the scheduler goroutine and should only dispatch, never block.
func (d *Dispatcher) AddSchedule(name string, s schedule.Schedule, fire func()) error {
	if fire == nil {
		return core.Invalid("schedule", "fire function required")
	}
	d.mu.Lock()
	d.scheduled[name] = fire
	d.mu.Unlock()
	d.runner.Add(name, s)
	return nil
}

// RemoveSchedule drops a recurring operation.
func (d *Dispatcher) RemoveSchedule(name string) {
	d.runner.Remove(name)
	d.mu.Lock()
	delete(d.scheduled, name)
	d.mu.Unlock()
}

func (d *Dispatcher) mustAddSchedule(name string, s schedule.Schedule, fire func()) {
	if err := d.AddSchedule(name, s, fire); err != nil {
		panic(err)
	}
}

func (d *Dispatcher) fireScheduled(name string) {
	d.mu.Lock()
	fire := d.scheduled[name]
	d.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// Shutdown stops schedules, disables auto-responders, drains in-flight
// jobs within the configured grace, and disconnects every session. It is
// idempotent.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.shutdownOnce.Do(func() {
		d.logger.Info("shutting down")
		d.runner.Stop()

		d.mu.Lock()
		for name, remove := range d.responders {
			remove()
			delete(d.responders, name)
		}
		d.mu.Unlock()

		d.bridge.Drain(d.drainGrace)
		if d.auditStop != nil {
			d.auditStop()
		}
		select {
		case <-d.auditDone:
		case <-time.After(time.Second):
		}

		d.sessions.DisconnectAll(ctx)
		d.logger.Info("shutdown complete")
	})
}
