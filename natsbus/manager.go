package natsbus

import (
	"errors"
	"sync"

	"batchhmi/config"
	"batchhmi/metrics"
	"batchhmi/notify"
)

// Manager manages multiple NATS publishers.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex
}

// NewManager creates a new NATS manager.
func NewManager() *Manager {
	return &Manager{}
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.NATSConfig, namespace string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range cfgs {
		m.publishers = append(m.publishers, NewPublisher(&cfgs[i], namespace))
	}
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Publisher, len(m.publishers))
	copy(out, m.publishers)
	return out
}

// StartAll starts all enabled publishers and returns how many started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled {
			continue
		}
		if err := pub.Start(); err != nil {
			debugLog("Failed to start NATS %s: %v", pub.Name(), err)
			continue
		}
		debugLog("Started NATS %s at %s", pub.Name(), pub.URL())
		started++
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// PublishEvent publishes an alarm event to all running publishers.
func (m *Manager) PublishEvent(e notify.AlarmEvent) error {
	var errs []error
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.PublishEvent(e); err != nil {
			debugLog("NATS publish error (%s): %v", pub.Name(), err)
			metrics.IncPublishError("nats")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
