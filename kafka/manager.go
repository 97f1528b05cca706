package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"batchhmi/config"
	"batchhmi/logging"
	"batchhmi/metrics"
	"batchhmi/namespace"
	"batchhmi/notify"
)

// EventMessage is the JSON structure published for alarm events.
type EventMessage struct {
	Namespace string `json:"namespace"`
	notify.AlarmEvent
}

// HealthMessage is the JSON structure published when the provider mode changes.
type HealthMessage struct {
	Namespace string `json:"namespace"`
	Mode      string `json:"mode"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// publishJob is a pending Kafka publish.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	desc     string
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 4

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager manages multiple Kafka producers. Publishing enqueues onto a
// bounded worker pool so callers never wait on a broker.
type Manager struct {
	producers []*Producer
	namespace string
	names     *namespace.Builder
	mu        sync.RWMutex

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// NewManager creates a new Kafka manager.
func NewManager() *Manager {
	return &Manager{
		names:        namespace.New("", ""),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

// startWorkers starts the publish workers once.
func (m *Manager) startWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(m.publishQueue, m.stopChan)
	}
}

func (m *Manager) publishWorker(queue <-chan publishJob, stop <-chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := job.producer.ProduceWithRetry(ctx, job.topic, job.key, job.payload); err != nil {
				logKafka("Failed to publish %s to %s: %v", job.desc, job.producer.Name(), err)
				metrics.IncPublishError("kafka")
			}
			cancel()
		}
	}
}

// LoadFromConfig creates a producer per configured cluster.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig, ns string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespace = ns
	m.names = namespace.New(ns, "")
	for _, cfg := range cfgs {
		m.producers = append(m.producers, NewProducer(cfg))
	}
}

// Add registers a producer.
func (m *Manager) Add(p *Producer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.producers = append(m.producers, p)
}

// Get returns the producer for the named cluster.
func (m *Manager) Get(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.producers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all producers.
func (m *Manager) List() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Producer, len(m.producers))
	copy(out, m.producers)
	return out
}

// Topic returns the event topic of a producer.
func (m *Manager) Topic(p *Producer) string {
	if t := p.Config().Topic; t != "" {
		return t
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.names.KafkaEventTopic()
}

// StartAll connects all enabled clusters and returns how many connected.
func (m *Manager) StartAll() int {
	m.startWorkers()
	connected := 0
	for _, p := range m.List() {
		if !p.Config().Enabled {
			continue
		}
		if err := p.Connect(); err != nil {
			logKafka("Failed to connect Kafka %s: %v", p.Name(), err)
			continue
		}
		connected++
	}
	return connected
}

// StopAll stops the workers and disconnects every cluster. Queued jobs
// are dropped.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.started {
		close(m.stopChan)
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logKafka("Timeout waiting for publish workers to stop")
	}

	for _, p := range m.List() {
		p.Disconnect()
	}
}

// AnyConnected returns true if any cluster is connected.
func (m *Manager) AnyConnected() bool {
	for _, p := range m.List() {
		if p.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

// eventKey keys alarm events by index and threshold events by watch name
// so each source stays ordered within a partition.
func eventKey(e notify.AlarmEvent) []byte {
	if e.Type == notify.ThresholdTriggered || e.Type == notify.ThresholdCleared {
		return []byte("threshold." + e.Name)
	}
	return []byte("alarm." + strconv.Itoa(e.Index))
}

// PublishEvent queues an alarm event for every connected cluster.
func (m *Manager) PublishEvent(e notify.AlarmEvent) error {
	m.mu.RLock()
	ns := m.namespace
	m.mu.RUnlock()

	payload, err := json.Marshal(EventMessage{Namespace: ns, AlarmEvent: e})
	if err != nil {
		return err
	}
	key := eventKey(e)
	for _, p := range m.List() {
		if p.GetStatus() != StatusConnected {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    m.Topic(p),
			key:      key,
			payload:  payload,
			desc:     fmt.Sprintf("%s %s", e.Type, key),
		})
	}
	return nil
}

// PublishHealth queues a health message on <topic>.health for every
// connected cluster.
func (m *Manager) PublishHealth(mode string, online bool, status, errMsg string) {
	m.mu.RLock()
	ns := m.namespace
	names := m.names
	m.mu.RUnlock()

	payload, err := json.Marshal(HealthMessage{
		Namespace: ns,
		Mode:      mode,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	for _, p := range m.List() {
		if p.GetStatus() != StatusConnected {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    names.KafkaHealthTopic(m.Topic(p)),
			key:      []byte(ns),
			payload:  payload,
			desc:     "health",
		})
	}
}

// enqueue drops the job if the queue is full.
func (m *Manager) enqueue(job publishJob) {
	m.startWorkers()
	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()
	select {
	case queue <- job:
	default:
		logKafka("Publish queue full, dropping %s", job.desc)
		metrics.IncPublishError("kafka")
	}
}
