// Package health aggregates component liveness probes. The bootstrap
// registers one probe per venue adapter plus the trip switch; the
// diagnostics server reads the aggregate for its /health endpoint.
package health

import (
	"sync"

	"funding_keeper/internal/core"
)

// Probe reports nil while the component is usable.
type Probe func() error

// Manager holds the registered probes and evaluates them on demand.
// Probes run inside the caller's request, so they must be cheap reads
// of in-memory state, never network calls.
type Manager struct {
	logger core.ILogger

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewManager creates an empty health manager. A nil logger is accepted
// so tests can construct one bare.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{probes: make(map[string]Probe)}
	if logger != nil {
		m.logger = logger.WithField("component", "health")
	}
	return m
}

// Register adds or replaces the probe for a component.
func (m *Manager) Register(component string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[component] = probe
}

// Status evaluates every probe and returns per-component verdicts.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.probes))
	for component, probe := range m.probes {
		if err := probe(); err != nil {
			status[component] = "unhealthy: " + err.Error()
			if m.logger != nil {
				m.logger.Warn("Component unhealthy", "check", component, "error", err.Error())
			}
		} else {
			status[component] = "healthy"
		}
	}
	return status
}

// Healthy reports whether every registered probe passes. An empty
// manager is healthy; before any component registers there is nothing
// to be wrong yet.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, probe := range m.probes {
		if err := probe(); err != nil {
			return false
		}
	}
	return true
}
