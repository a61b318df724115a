package driver

import (
	"fmt"
	"sort"
	"sync"
)

// ReservedTransportName is excluded from enumeration: that transport is
// handled by a dedicated driver implementation outside this registry and
// listing it here would offer the same hardware twice.
const ReservedTransportName = "JACK"

// Manager is an explicit process-wide registry of backend types. It exists as
// a real object (instead of implicit package init state) so its lifetime is
// testable: Shutdown tears it down deterministically.
type Manager struct {
	mu    sync.RWMutex
	types map[string]Type
}

// NewManager returns an empty registry.
func NewManager() *Manager {
	return &Manager{types: make(map[string]Type)}
}

// Register adds a backend type. Registering the reserved transport name or a
// duplicate name is an error.
func (m *Manager) Register(t Type) error {
	name := t.Name()
	if name == "" {
		return fmt.Errorf("driver type has an empty name")
	}
	if name == ReservedTransportName {
		return fmt.Errorf("driver name %q is reserved", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.types[name]; exists {
		return fmt.Errorf("driver %q is already registered", name)
	}
	m.types[name] = t
	return nil
}

// TypeNames lists registered backend names in sorted order.
func (m *Manager) TypeNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.types))
	for name := range m.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the backend registered under name.
func (m *Manager) Get(name string) (Type, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.types[name]
	return t, ok
}

// First returns the first backend in name order, for callers that did not
// pick one explicitly.
func (m *Manager) First() (Type, bool) {
	names := m.TypeNames()
	if len(names) == 0 {
		return nil, false
	}
	return m.Get(names[0])
}

// Shutdown drops all registrations.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = make(map[string]Type)
}

// Default process-wide manager, created on first use.
var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns the process-wide registry.
func Default() *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager()
	}
	return defaultManager
}

// Register adds a backend type to the process-wide registry.
func Register(t Type) error { return Default().Register(t) }

// TypeNames lists backend names in the process-wide registry.
func TypeNames() []string { return Default().TypeNames() }

// Get returns a backend from the process-wide registry.
func Get(name string) (Type, bool) { return Default().Get(name) }

// Shutdown tears down the process-wide registry. Call once at process exit;
// a later Default call starts fresh.
func Shutdown() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager != nil {
		defaultManager.Shutdown()
		defaultManager = nil
	}
}
