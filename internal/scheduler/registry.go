package scheduler

import (
	"sort"
	"sync"
)

// Registry holds the per-organization schedulers. It is created at
// startup and owned by the top-level process context.
type Registry struct {
	mu         sync.RWMutex
	schedulers map[string]*Scheduler
}

func NewRegistry() *Registry {
	return &Registry{schedulers: make(map[string]*Scheduler)}
}

func (r *Registry) Add(s *Scheduler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedulers[s.ID()] = s
}

func (r *Registry) Get(id string) (*Scheduler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schedulers[id]
	return s, ok
}

// List returns all schedulers ordered by id.
func (r *Registry) List() []*Scheduler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Scheduler, 0, len(r.schedulers))
	for _, s := range r.schedulers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
