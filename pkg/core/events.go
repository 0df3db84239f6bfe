package core

import "time"

// Event is the interface for all job lifecycle events. Delivery to
// observers preserves per-job ordering; no ordering is guaranteed across
// different jobs.
type Event interface {
	eventMarker()
	JobID() string
}

// JobDispatched is emitted when a job is accepted in Pending state.
type JobDispatched struct {
	Job       Snapshot
	Timestamp time.Time
}

func (*JobDispatched) eventMarker()    {}
func (e *JobDispatched) JobID() string { return e.Job.ID }

// JobStarted is emitted when the runtime begins executing the work unit.
type JobStarted struct {
	Job       Snapshot
	Timestamp time.Time
}

func (*JobStarted) eventMarker()    {}
func (e *JobStarted) JobID() string { return e.Job.ID }

// JobProgressed is emitted when a bulk work unit advances by one item.
type JobProgressed struct {
	Job       Snapshot
	Timestamp time.Time
}

func (*JobProgressed) eventMarker()    {}
func (e *JobProgressed) JobID() string { return e.Job.ID }

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       Snapshot
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker()    {}
func (e *JobCompleted) JobID() string { return e.Job.ID }

// JobFailed is emitted when a job fails permanently.
type JobFailed struct {
	Job       Snapshot
	Error     error
	Timestamp time.Time
}

func (*JobFailed) eventMarker()    {}
func (e *JobFailed) JobID() string { return e.Job.ID }

// JobCancelled is emitted when cooperative cancellation completes.
type JobCancelled struct {
	Job       Snapshot
	Timestamp time.Time
}

func (*JobCancelled) eventMarker()    {}
func (e *JobCancelled) JobID() string { return e.Job.ID }

// JobRetrying is emitted when a transient failure triggers a retry.
type JobRetrying struct {
	Job       Snapshot
	Attempt   int
	Error     error
	Timestamp time.Time
}

func (*JobRetrying) eventMarker()    {}
func (e *JobRetrying) JobID() string { return e.Job.ID }
