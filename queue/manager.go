package queue

import "sync"

// Manager caps in-flight jobs per tenant. It is safe for concurrent use and
// implements Gate.
type Manager struct {
	mu        sync.Mutex
	active    map[string]int
	overrides map[string]int
}

var _ Gate = (*Manager)(nil)

// NewManager creates a Manager with no overrides.
func NewManager() *Manager {
	return &Manager{
		active:    make(map[string]int),
		overrides: make(map[string]int),
	}
}

// SetTenantLimit pins a tenant's ceiling, taking precedence over the limit
// carried by queued items. Zero removes the override.
func (m *Manager) SetTenantLimit(tenantID string, limit int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		delete(m.overrides, tenantID)
		return
	}
	m.overrides[tenantID] = limit
}

// Acquire takes a slot for tenantID if it has fewer than limit active jobs.
// A non-positive limit means unlimited. The caller MUST call Release when
// the job completes.
func (m *Manager) Acquire(tenantID string, limit int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.overrides[tenantID]; ok {
		limit = o
	}
	if limit > 0 && m.active[tenantID] >= limit {
		return false
	}
	m.active[tenantID]++
	return true
}

// Release returns a slot.
func (m *Manager) Release(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch n := m.active[tenantID]; {
	case n > 1:
		m.active[tenantID] = n - 1
	case n == 1:
		delete(m.active, tenantID)
	}
}

// ActiveCount returns the number of slots held by a tenant.
func (m *Manager) ActiveCount(tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[tenantID]
}

// Snapshot returns the active slot count of every tenant holding one.
func (m *Manager) Snapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.active))
	for k, v := range m.active {
		out[k] = v
	}
	return out
}
