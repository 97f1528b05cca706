package valkey

import (
	"errors"
	"sync"
	"time"

	"batchhmi/config"
	"batchhmi/metrics"
	"batchhmi/notify"
	"batchhmi/tag"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex

	// Shared callbacks
	writeHandler      WriteHandler
	writeValidator    func(tagName string) bool
	kindLookup        func(tagName string) tag.DataKind
	onConnectCallback func()
}

// NewManager creates a new Valkey manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
	}
}

// LoadFromConfig loads publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig, namespace string, defaultTTL time.Duration) {
	for i := range configs {
		m.Add(NewPublisher(&configs[i], namespace, defaultTTL))
	}
}

// Add adds a publisher and applies the shared callbacks.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pub.SetWriteHandler(m.writeHandler)
	pub.SetWriteValidator(m.writeValidator)
	pub.SetKindLookup(m.kindLookup)
	pub.SetOnConnectCallback(m.onConnectCallback)
	m.publishers = append(m.publishers, pub)
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled {
			if err := pub.Start(); err != nil {
				debugLog("Failed to start Valkey %s: %v", pub.config.Name, err)
			} else {
				debugLog("Started Valkey %s at %s", pub.config.Name, pub.Address())
				started++
			}
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// Publish publishes a tag value to all running publishers.
func (m *Manager) Publish(tagName, address, typeName string, value interface{}, writable bool) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.Publish(tagName, address, typeName, value, writable); err != nil {
			debugLog("Valkey publish error (%s): %v", pub.config.Name, err)
			metrics.IncPublishError("valkey")
		}
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
			debugLog("Valkey event error (%s): %v", pub.config.Name, err)
			metrics.IncPublishError("valkey")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishHealth publishes provider health to all running publishers.
func (m *Manager) PublishHealth(mode string, online bool, status, errMsg string) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.PublishHealth(mode, online, status, errMsg); err != nil {
			debugLog("Valkey health publish error (%s): %v", pub.config.Name, err)
		}
	}
}

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeHandler = handler
	for _, pub := range m.publishers {
		pub.SetWriteHandler(handler)
	}
}

// SetWriteValidator sets the write validator for all publishers.
func (m *Manager) SetWriteValidator(validator func(tagName string) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeValidator = validator
	for _, pub := range m.publishers {
		pub.SetWriteValidator(validator)
	}
}

// SetKindLookup sets the tag kind lookup for all publishers.
func (m *Manager) SetKindLookup(lookup func(tagName string) tag.DataKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.kindLookup = lookup
	for _, pub := range m.publishers {
		pub.SetKindLookup(lookup)
	}
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.onConnectCallback = callback
	for _, pub := range m.publishers {
		pub.SetOnConnectCallback(callback)
	}
}
