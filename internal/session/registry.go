package session

import "sync"

// SharedRegistry is the process-wide name to remote-ID map shared by every
// manager instance. It only stores the mapping, never full records; full
// records belong to exactly one manager.
//
// Every create-or-reuse decision for a name must run under that name's lock
// so two managers racing on the same name cannot both observe it absent and
// both create a remote session.
type SharedRegistry struct {
	mu       sync.Mutex
	sessions map[string]string
	locks    map[string]*sync.Mutex
}

// NewSharedRegistry creates an empty process-wide registry.
func NewSharedRegistry() *SharedRegistry {
	return &SharedRegistry{
		sessions: make(map[string]string),
		locks:    make(map[string]*sync.Mutex),
	}
}

// LockName serializes all check-then-act sequences for one session name.
// Returns the unlock function. Different names never contend.
func (r *SharedRegistry) LockName(name string) func() {
	r.mu.Lock()
	lock, ok := r.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[name] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Lookup returns the remote ID registered for the name, if any.
func (r *SharedRegistry) Lookup(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessions[name]
	return id, ok
}

// Put registers a name to remote-ID mapping.
func (r *SharedRegistry) Put(name, remoteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[name] = remoteID
}

// Delete evicts a name's mapping. Deleting an absent name is a no-op.
func (r *SharedRegistry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, name)
}

// Len reports how many sessions are registered process-wide.
func (r *SharedRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
