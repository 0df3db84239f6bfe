// Package core provides the domain models shared by the runtime, bridge,
// registry, and dispatcher packages: jobs, their state machine, lifecycle
// events, and the error taxonomy.
package core

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobKind tags the operation a job performs.
type JobKind string

const (
	KindSessionCreate    JobKind = "session-create"
	KindSessionAuthorize JobKind = "session-authorize"
	KindSessionRemove    JobKind = "session-remove"
	KindSendMessage      JobKind = "send-message"
	KindListDialogs      JobKind = "list-dialogs"
	KindBulkSend         JobKind = "bulk-send"
	KindParseUsers       JobKind = "parse-users"
	KindVerifyPhone      JobKind = "verify-phone"
	KindInvite           JobKind = "invite"
	KindAutoRespond      JobKind = "auto-respond-toggle"
)

// JobState represents the current state of a job.
type JobState string

const (
	StatePending    JobState = "pending"
	StateRunning    JobState = "running"
	StateCancelling JobState = "cancelling"
	StateCancelled  JobState = "cancelled"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case StateCancelled, StateCompleted, StateFailed:
		return true
	}
	return false
}

// validTransitions defines the only permitted state machine edges.
// Attempted transitions outside this map are no-ops, not errors.
var validTransitions = map[JobState][]JobState{
	StatePending:    {StateRunning, StateCancelled},
	StateRunning:    {StateCancelling, StateCompleted, StateFailed, StateCancelled},
	StateCancelling: {StateCancelled},
}

func canTransition(from, to JobState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a trackable unit of asynchronous work. It is created by the
// dispatcher, mutated only by the worker runtime while running, and read
// by any goroutine through immutable snapshots.
type Job struct {
	mu sync.Mutex

	id        string
	kind      JobKind
	session   string
	state     JobState
	progress  int
	total     int
	result    any
	err       error
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time

	// done is closed exactly once, when the job reaches a terminal state.
	done chan struct{}
	// cancelled is closed when cancellation is requested, so work units
	// can observe it at checkpoints.
	cancelled  chan struct{}
	cancelOnce sync.Once
}

// NewJob creates a pending job. IDs are unique and never reused.
func NewJob(kind JobKind, session string) *Job {
	return &Job{
		id:        uuid.New().String(),
		kind:      kind,
		session:   session,
		state:     StatePending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

// ID returns the job's immutable identifier.
func (j *Job) ID() string { return j.id }

// Kind returns the job's operation tag.
func (j *Job) Kind() JobKind { return j.kind }

// Session returns the session name the job operates on ("" for none).
func (j *Job) Session() string { return j.session }

// Done returns a channel closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Cancelled returns a channel closed once cancellation has been requested.
// Work units select on it at checkpoints between externally visible steps.
func (j *Job) Cancelled() <-chan struct{} { return j.cancelled }

// CancelRequested reports whether cancellation has been requested.
func (j *Job) CancelRequested() bool {
	select {
	case <-j.cancelled:
		return true
	default:
		return false
	}
}

// Begin transitions Pending -> Running. Returns false if the job is no
// longer pending (e.g. it was cancelled before the runtime picked it up).
func (j *Job) Begin() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StatePending {
		return false
	}
	j.state = StateRunning
	j.startedAt = time.Now()
	return true
}

// Cancel requests cooperative cancellation. A pending job is finalized as
// Cancelled immediately and the method reports terminal=true. A running
// job moves to Cancelling and is finalized by the runtime at the next
// checkpoint. Cancelling a terminal job is a no-op.
func (j *Job) Cancel() (terminal bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case StatePending:
		j.state = StateCancelled
		j.err = ErrCancelled
		j.endedAt = time.Now()
		j.cancelOnce.Do(func() { close(j.cancelled) })
		close(j.done)
		return true
	case StateRunning:
		j.state = StateCancelling
		j.cancelOnce.Do(func() { close(j.cancelled) })
		return false
	default:
		return false
	}
}

// Complete finalizes the job with a result. Returns false if the current
// state does not permit completion.
func (j *Job) Complete(result any) bool {
	return j.finalize(StateCompleted, result, nil)
}

// Fail finalizes the job with an error.
func (j *Job) Fail(err error) bool {
	return j.finalize(StateFailed, nil, err)
}

// FinalizeCancelled finalizes a cancelling (or running, during forced
// drain) job as Cancelled.
func (j *Job) FinalizeCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canTransition(j.state, StateCancelled) {
		return false
	}
	j.state = StateCancelled
	j.err = ErrCancelled
	j.endedAt = time.Now()
	j.cancelOnce.Do(func() { close(j.cancelled) })
	close(j.done)
	return true
}

func (j *Job) finalize(to JobState, result any, err error) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canTransition(j.state, to) {
		return false
	}
	j.state = to
	j.result = result
	j.err = err
	j.endedAt = time.Now()
	close(j.done)
	return true
}

// SetProgress advances the progress counter. Progress never decreases;
// stale updates are ignored.
func (j *Job) SetProgress(current, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if current > j.progress {
		j.progress = current
	}
	if total > 0 {
		j.total = total
	}
}

// State returns the job's current state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Snapshot returns an immutable copy of the job's current state. Snapshots
// are the only job view that crosses goroutine boundaries.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:        j.id,
		Kind:      j.kind,
		Session:   j.session,
		State:     j.state,
		Progress:  j.progress,
		Total:     j.total,
		Result:    j.result,
		Err:       j.err,
		CreatedAt: j.createdAt,
		StartedAt: j.startedAt,
		EndedAt:   j.endedAt,
	}
}

// Snapshot is a point-in-time copy of a job, safe to share across
// goroutines.
type Snapshot struct {
	ID        string
	Kind      JobKind
	Session   string
	State     JobState
	Progress  int
	Total     int
	Result    any
	Err       error
	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

// Terminal reports whether the snapshot was taken in a terminal state.
func (s Snapshot) Terminal() bool { return s.State.Terminal() }
