package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowtrack/internal/store"
	"github.com/rendis/flowtrack/internal/tracker"
	"github.com/rendis/flowtrack/pkg/schema"
)

// liveExecution is one registered tracker and what the service needs to
// drive it without going back to the store.
type liveExecution struct {
	tracker  *tracker.Tracker
	workflow *store.Workflow
	deadline time.Time // zero means no deadline
}

// Registry holds the trackers of executions that have not been finalized,
// keyed by execution ID. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	live map[string]*liveExecution
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[string]*liveExecution)}
}

// Add registers an execution. Registering the same ID twice is a CONFLICT.
func (r *Registry) Add(e *liveExecution) error {
	id := e.tracker.ExecutionID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is already registered", id)
	}
	r.live[id] = e
	return nil
}

// Get returns the live execution for id.
func (r *Registry) Get(id string) (*liveExecution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.live[id]
	return e, ok
}

// Remove deregisters id and returns what was registered. The second result
// is false when id was not live, so concurrent finalizers race on Remove
// and only the winner proceeds.
func (r *Registry) Remove(id string) (*liveExecution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live[id]
	if ok {
		delete(r.live, id)
	}
	return e, ok
}

// Expired returns the IDs of executions whose deadline is at or before now,
// oldest deadline first.
func (r *Registry) Expired(now time.Time) []string {
	r.mu.RLock()
	type due struct {
		id       string
		deadline time.Time
	}
	var overdue []due
	for id, e := range r.live {
		if !e.deadline.IsZero() && !e.deadline.After(now) {
			overdue = append(overdue, due{id, e.deadline})
		}
	}
	r.mu.RUnlock()

	sort.Slice(overdue, func(i, j int) bool {
		if overdue[i].deadline.Equal(overdue[j].deadline) {
			return overdue[i].id < overdue[j].id
		}
		return overdue[i].deadline.Before(overdue[j].deadline)
	})
	ids := make([]string, len(overdue))
	for i, d := range overdue {
		ids[i] = d.id
	}
	return ids
}

// Drain removes and returns every registered execution.
func (r *Registry) Drain() []*liveExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*liveExecution, 0, len(r.live))
	for id, e := range r.live {
		out = append(out, e)
		delete(r.live, id)
	}
	return out
}

// HasWorkflow reports whether any live execution runs workflowID.
func (r *Registry) HasWorkflow(workflowID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.live {
		if e.tracker.WorkflowID() == workflowID {
			return true
		}
	}
	return false
}

// Len returns the number of live executions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}
