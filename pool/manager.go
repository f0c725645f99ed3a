package pool

import "sync"

// Manager owns a set of named pools, one per configured backend, so the
// demo command and statusapi can look pools up by name without every
// caller threading its own map around.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{pools: make(map[string]*Pool)}
}

// Add registers a pool under name, replacing any pool previously
// registered there. It does not shut down a replaced pool; callers that
// care should Shutdown it themselves first.
func (m *Manager) Add(name string, p *Pool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[name] = p
}

// Get returns the named pool, or nil and false if no pool is registered
// under that name.
func (m *Manager) Get(name string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	return p, ok
}

// Remove unregisters a pool by name without shutting it down.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, name)
}

// Pools returns a snapshot of every registered pool, keyed by name.
// Satisfies statusapi.Registry.
func (m *Manager) Pools() map[string]*Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Pool, len(m.pools))
	for name, p := range m.pools {
		out[name] = p
	}
	return out
}

// ShutdownAll shuts down every registered pool and clears the registry.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Shutdown()
	}
}
