package timetracker

import (
	"sort"
	"sync"
	"time"

	"github.com/lehigh-university-libraries/multilabelfy/internal/storage"
)

// Registry hands out one Tracker per annotator.
type Registry struct {
	mu       sync.Mutex
	store    *storage.Store
	now      Clock
	trackers map[string]*Tracker
}

func NewRegistry(store *storage.Store, now Clock) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:    store,
		now:      now,
		trackers: make(map[string]*Tracker),
	}
}

// Get returns the annotator's tracker, starting a new session on first use.
func (r *Registry) Get(username string) *Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.trackers[username]
	if !ok {
		t = New(r.store, username, r.now)
		r.trackers[username] = t
	}
	return t
}

// Finalize closes the annotator's session and forgets it, so the next Get
// starts a fresh session. It returns the written file, or "" when no session was open.
func (r *Registry) Finalize(username string) string {
	r.mu.Lock()
	t, ok := r.trackers[username]
	delete(r.trackers, username)
	r.mu.Unlock()

	if !ok {
		return ""
	}
	return t.Finalize()
}

// FinalizeAll is called on shutdown.
func (r *Registry) FinalizeAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.trackers))
	for name := range r.trackers {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		r.Finalize(name)
	}
}
