// Package registry indexes all in-flight and completed jobs by id for
// status queries, cancellation lookup, and cleanup. All mutation is
// internally synchronized; reads return snapshots, never live jobs.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/maxbigdig/bigdig/pkg/core"
)

// RetentionPolicy bounds how many terminal jobs the registry keeps.
// Zero values disable the respective bound.
type RetentionPolicy struct {
	MaxTerminal int
	MaxAge      time.Duration
}

// Registry is the in-memory job index.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*core.Job
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{jobs: make(map[string]*core.Job)}
}

// Register adds a job. A duplicate id is an invariant violation: ids are
// uuids assigned at creation and never reused.
func (r *Registry) Register(job *core.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID()]; exists {
		return core.Invariant("duplicate job id %s", job.ID())
	}
	r.jobs[job.ID()] = job
	return nil
}

// Lookup returns the live job for internal use by the bridge. External
// callers go through Get and receive snapshots.
func (r *Registry) Lookup(id string) (*core.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	return job, ok
}

// Get returns a snapshot of the identified job.
func (r *Registry) Get(id string) (core.Snapshot, error) {
	r.mu.RLock()
	job, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return core.Snapshot{}, core.ErrNotFound
	}
	return job.Snapshot(), nil
}

// Filter narrows List results.
type Filter func(core.Snapshot) bool

// ByKind keeps only jobs of the given kind.
func ByKind(kind core.JobKind) Filter {
	return func(s core.Snapshot) bool { return s.Kind == kind }
}

// ByState keeps only jobs in the given state.
func ByState(state core.JobState) Filter {
	return func(s core.Snapshot) bool { return s.State == state }
}

// BySession keeps only jobs bound to the given session.
func BySession(name string) Filter {
	return func(s core.Snapshot) bool { return s.Session == name }
}

// List returns snapshots of all jobs matching every filter, ordered by
// creation time.
func (r *Registry) List(filters ...Filter) []core.Snapshot {
	r.mu.RLock()
	jobs := make([]*core.Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		jobs = append(jobs, job)
	}
	r.mu.RUnlock()

	out := make([]core.Snapshot, 0, len(jobs))
next:
	for _, job := range jobs {
		snap := job.Snapshot()
		for _, keep := range filters {
			if !keep(snap) {
				continue next
			}
		}
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Purge removes a terminal job's record. Purging a live job is refused;
// purging an unknown id reports ErrNotFound.
func (r *Registry) Purge(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return core.ErrNotFound
	}
	if !job.State().Terminal() {
		return core.Invalid("job", "cannot purge a non-terminal job")
	}
	delete(r.jobs, id)
	return nil
}

// Sweep applies the retention policy, removing the oldest terminal jobs
// beyond MaxTerminal and any terminal job older than MaxAge. Returns the
// number of records removed.
func (r *Registry) Sweep(policy RetentionPolicy) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	type ended struct {
		id string
		at time.Time
	}
	var terminal []ended
	for id, job := range r.jobs {
		snap := job.Snapshot()
		if snap.Terminal() {
			terminal = append(terminal, ended{id: id, at: snap.EndedAt})
		}
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].at.Before(terminal[j].at) })

	removed := 0
	if policy.MaxAge > 0 {
		cutoff := time.Now().Add(-policy.MaxAge)
		kept := terminal[:0]
		for _, e := range terminal {
			if e.at.Before(cutoff) {
				delete(r.jobs, e.id)
				removed++
				continue
			}
			kept = append(kept, e)
		}
		terminal = kept
	}
	if policy.MaxTerminal > 0 && len(terminal) > policy.MaxTerminal {
		for _, e := range terminal[:len(terminal)-policy.MaxTerminal] {
			delete(r.jobs, e.id)
			removed++
		}
	}
	return removed
}

// Len returns the number of indexed jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}
