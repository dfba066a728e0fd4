package agent

import "sync"

// Registry is a worker's local bookkeeping of the instances it runs. It is
// never consulted for ownership; the store claim is.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

func NewRegistry() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// Add registers in unless an instance for the same session is present.
func (r *Registry) Add(in *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[in.SessionID()]; ok {
		return false
	}
	r.instances[in.SessionID()] = in
	return true
}

func (r *Registry) Get(sessionID string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.instances[sessionID]
	return in, ok
}

// Remove drops in if it is still the registered instance for its session.
func (r *Registry) Remove(in *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.instances[in.SessionID()]; ok && cur == in {
		delete(r.instances, in.SessionID())
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func (r *Registry) All() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, in := range r.instances {
		out = append(out, in)
	}
	return out
}
