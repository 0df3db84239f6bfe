// Package bridge is the seam between calling threads and the worker
// runtime. Callers dispatch work and get back a handle; everything they
// later learn about the job arrives as a snapshot or a lifecycle event,
// never as a reference to live mutable state.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/maxbigdig/bigdig/pkg/core"
	"github.com/maxbigdig/bigdig/pkg/registry"
	"github.com/maxbigdig/bigdig/pkg/runtime"
)

// ErrAwaitTimeout is returned by Await when the job outlives the caller's
// patience. The job itself keeps running.
var ErrAwaitTimeout = errors.New("bridge: await timed out")

// Handle identifies a dispatched job.
type Handle string

// subscriberBuffer is the per-subscriber event channel capacity. A
// subscriber that falls this far behind starts losing events.
const subscriberBuffer = 100

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge's logger, shared with its runtime.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithRetry overrides the runtime's transient-error retry configuration.
func WithRetry(cfg runtime.RetryConfig) Option {
	return func(b *Bridge) { b.retry = cfg }
}

// Bridge owns a registry and a worker runtime and fans lifecycle events
// out to subscribers.
type Bridge struct {
	logger  *slog.Logger
	retry   runtime.RetryConfig
	reg     *registry.Registry
	runtime *runtime.Runtime

	mu     sync.Mutex
	subs   map[int]chan core.Event
	nextID int
	closed bool
}

// New creates a bridge with a started runtime behind it.
func New(reg *registry.Registry, opts ...Option) *Bridge {
	b := &Bridge{
		logger: slog.Default(),
		retry:  runtime.DefaultRetryConfig(),
		reg:    reg,
		subs:   make(map[int]chan core.Event),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.runtime = runtime.New(
		runtime.WithLogger(b.logger),
		runtime.WithRetry(b.retry),
		runtime.WithNotifier(b.Emit),
	)
	b.runtime.Start()
	return b
}

// Dispatch registers a new pending job and submits its work unit. It
// returns immediately; the work runs on a runtime goroutine.
func (b *Bridge) Dispatch(kind core.JobKind, session string, work runtime.Work) (Handle, error) {
	job := core.NewJob(kind, session)
	if err := b.reg.Register(job); err != nil {
		return "", err
	}
	b.Emit(&core.JobDispatched{Job: job.Snapshot(), Timestamp: time.Now()})

	if err := b.runtime.Submit(job, work); err != nil {
		if job.Cancel() {
			b.Emit(&core.JobCancelled{Job: job.Snapshot(), Timestamp: time.Now()})
		}
		return "", err
	}
	return Handle(job.ID()), nil
}

// Poll returns the job's current snapshot.
func (b *Bridge) Poll(h Handle) (core.Snapshot, error) {
	return b.reg.Get(string(h))
}

// Await blocks until the job reaches a terminal state, the timeout
// elapses, or ctx is done. On timeout the snapshot reflects the job's
// in-flight state and the error is ErrAwaitTimeout; the job is not
// cancelled on the caller's behalf.
func (b *Bridge) Await(ctx context.Context, h Handle, timeout time.Duration) (core.Snapshot, error) {
	job, ok := b.reg.Lookup(string(h))
	if !ok {
		return core.Snapshot{}, core.ErrNotFound
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-job.Done():
		return job.Snapshot(), nil
	case <-timer.C:
		return job.Snapshot(), ErrAwaitTimeout
	case <-ctx.Done():
		return job.Snapshot(), ctx.Err()
	}
}

// Cancel requests cancellation. A pending job is terminal on return; a
// running job finalizes at its next checkpoint. Cancelling an already
// terminal job is a harmless no-op.
func (b *Bridge) Cancel(h Handle) (core.Snapshot, error) {
	job, ok := b.reg.Lookup(string(h))
	if !ok {
		return core.Snapshot{}, core.ErrNotFound
	}
	if job.Cancel() {
		// Pending jobs finalize inline; the runtime never sees them and
		// cannot emit for them.
		b.Emit(&core.JobCancelled{Job: job.Snapshot(), Timestamp: time.Now()})
	}
	return job.Snapshot(), nil
}

// Progress advances a job's progress counter and notifies subscribers.
// Work units call this between items.
func (b *Bridge) Progress(job *core.Job, current, total int) {
	job.SetProgress(current, total)
	b.Emit(&core.JobProgressed{Job: job.Snapshot(), Timestamp: time.Now()})
}

// Events subscribes to lifecycle events. Delivery preserves per-job
// ordering. The returned stop function drops the subscription and closes
// the channel.
func (b *Bridge) Events() (<-chan core.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan core.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Emit delivers ev to every subscriber. Delivery is non-blocking: a
// subscriber whose buffer is full misses the event.
func (b *Bridge) Emit(ev core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event subscriber lagging, dropping event",
				"subscriber", id, "job_id", ev.JobID())
		}
	}
}

// Registry exposes the underlying job index for listing and cleanup.
func (b *Bridge) Registry() *registry.Registry { return b.reg }

// InFlight returns the number of currently executing jobs.
func (b *Bridge) InFlight() int { return b.runtime.InFlight() }

// Drain stops intake, gives in-flight work up to grace to finish, then
// force-cancels stragglers and closes all event subscriptions.
func (b *Bridge) Drain(grace time.Duration) {
	b.runtime.Drain(grace)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
