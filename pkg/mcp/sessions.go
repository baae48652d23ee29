package mcp

import (
	"sort"
	"sync"
)

// WatchRegistry maps execution IDs to the MCP sessions watching them.
// Populated by flowtrack.watch.
type WatchRegistry struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{} // executionID → sessionIDs
}

// NewWatchRegistry creates a new empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{watchers: make(map[string]map[string]struct{})}
}

// Watch subscribes sessionID to executionID. Repeated calls are no-ops.
func (r *WatchRegistry) Watch(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[executionID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[executionID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions watching executionID, sorted.
func (r *WatchRegistry) SessionsFor(executionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.watchers[executionID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	sort.Strings(out)
	return out
}

// Unwatch drops every watcher of executionID.
func (r *WatchRegistry) Unwatch(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, executionID)
}

// UnwatchSession drops sessionID from executionID only.
func (r *WatchRegistry) UnwatchSession(executionID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[executionID]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(r.watchers, executionID)
	}
}

// RemoveSession deletes sessionID from every execution it watches.
// Called when a session disconnects.
func (r *WatchRegistry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for eid, set := range r.watchers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watchers, eid)
		}
	}
}

// Len returns the number of watched executions.
func (r *WatchRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watchers)
}
