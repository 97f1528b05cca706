package mqtt

import (
	"errors"
	"sync"

	"batchhmi/config"
	"batchhmi/metrics"
	"batchhmi/notify"
)

// Manager manages multiple MQTT publishers. It is also a notify.Surface
// that shows popups on every running publisher with popups enabled.
type Manager struct {
	publishers     map[string]*Publisher
	order          []string
	mu             sync.RWMutex
	writeHandler   WriteHandler
	writeValidator WriteValidator
	kindLookup     KindLookup
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher to the manager.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	if _, exists := m.publishers[pub.Name()]; !exists {
		m.order = append(m.order, pub.Name())
	}
	m.publishers[pub.Name()] = pub
	handler := m.writeHandler
	validator := m.writeValidator
	lookup := m.kindLookup
	m.mu.Unlock()

	// Apply current settings to new publisher
	if handler != nil {
		pub.SetWriteHandler(handler)
	}
	if validator != nil {
		pub.SetWriteValidator(validator)
	}
	if lookup != nil {
		pub.SetKindLookup(lookup)
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers in the order they were added.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.order))
	for _, name := range m.order {
		result = append(result, m.publishers[name])
	}
	return result
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], namespace))
	}
}

// StartAll starts all publishers that are configured as enabled.
// Returns the number of publishers successfully started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
			} else {
				logMQTT("Successfully started %s (%s)", pub.Name(), pub.Address())
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

func (m *Manager) running() []*Publisher {
	var out []*Publisher
	for _, pub := range m.List() {
		if pub.IsRunning() {
			out = append(out, pub)
		}
	}
	return out
}

// Publish publishes a value to all running publishers.
func (m *Manager) Publish(tagName, typeName string, value interface{}, force bool) {
	m.mu.RLock()
	validator := m.writeValidator
	m.mu.RUnlock()

	writable := validator != nil && validator(tagName)
	for _, pub := range m.running() {
		pub.Publish(tagName, typeName, value, writable, force)
	}
}

// PublishEvent publishes an alarm event to all running publishers.
func (m *Manager) PublishEvent(e notify.AlarmEvent) error {
	var errs []error
	for _, pub := range m.running() {
		if err := pub.PublishEvent(e); err != nil {
			logMQTT("%s: publish %s event: %v", pub.Name(), e.Type, err)
			metrics.IncPublishError("mqtt")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) popupTargets() []*Publisher {
	var out []*Publisher
	for _, pub := range m.running() {
		if pub.config.Popups {
			out = append(out, pub)
		}
	}
	return out
}

// Show implements notify.Surface.
func (m *Manager) Show(h notify.Handle, title, message string) error {
	var errs []error
	for _, pub := range m.popupTargets() {
		errs = append(errs, pub.Show(h, title, message))
	}
	return errors.Join(errs...)
}

// Update implements notify.Surface.
func (m *Manager) Update(h notify.Handle, display string) error {
	var errs []error
	for _, pub := range m.popupTargets() {
		errs = append(errs, pub.Update(h, display))
	}
	return errors.Join(errs...)
}

// Close implements notify.Surface.
func (m *Manager) Close(h notify.Handle) error {
	var errs []error
	for _, pub := range m.popupTargets() {
		errs = append(errs, pub.Close(h))
	}
	return errors.Join(errs...)
}

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()
	for _, pub := range m.List() {
		pub.SetWriteHandler(handler)
	}
}

// SetWriteValidator sets the write validator for all publishers.
func (m *Manager) SetWriteValidator(validator WriteValidator) {
	m.mu.Lock()
	m.writeValidator = validator
	m.mu.Unlock()
	for _, pub := range m.List() {
		pub.SetWriteValidator(validator)
	}
}

// SetKindLookup sets the tag kind lookup for all publishers.
func (m *Manager) SetKindLookup(lookup KindLookup) {
	m.mu.Lock()
	m.kindLookup = lookup
	m.mu.Unlock()
	for _, pub := range m.List() {
		pub.SetKindLookup(lookup)
	}
}
