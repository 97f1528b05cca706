// Package mqtt publishes live values, alarm events and operator popups to
// MQTT brokers and accepts tag write requests.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"batchhmi/config"
	"batchhmi/logging"
	"batchhmi/metrics"
	"batchhmi/namespace"
	"batchhmi/notify"
	"batchhmi/tag"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// ErrNotConnected is returned by surface calls on a stopped publisher.
var ErrNotConnected = errors.New("mqtt: not connected")

// writeJob represents a pending write operation.
type writeJob struct {
	client    pahomqtt.Client
	rootTopic string
	tagName   string
	value     interface{}
	converted tag.Value
	err       error // set for error-only responses
	handler   WriteHandler
}

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

// Publisher handles one broker connection.
type Publisher struct {
	config    *config.MQTTConfig
	names     *namespace.Builder
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	// Track last published values to detect changes
	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	// Open popups by handle, so Update can republish the full message
	popups  map[notify.Handle]PopupMessage
	popupMu sync.Mutex

	writeHandler   WriteHandler
	writeValidator WriteValidator
	kindLookup     KindLookup

	// Worker pool for bounded write goroutines
	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// TagMessage is the JSON structure published for a tag value.
type TagMessage struct {
	Topic     string      `json:"topic"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// PopupMessage is the retained state of one operator notification.
type PopupMessage struct {
	Handle    notify.Handle `json:"handle"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Display   string        `json:"display,omitempty"`
	Timestamp string        `json:"timestamp"`
}

// WriteRequest is the JSON structure for incoming write requests.
type WriteRequest struct {
	Topic string      `json:"topic,omitempty"`
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON structure for write responses.
type WriteResponse struct {
	Topic     string      `json:"topic"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler performs a tag write.
type WriteHandler func(tagName string, value tag.Value) error

// WriteValidator reports whether a tag exists and is write-enabled.
type WriteValidator func(tagName string) bool

// KindLookup returns the data kind of a tag, or 0 if unknown.
type KindLookup func(tagName string) tag.DataKind

// NewPublisher creates a publisher for one broker. Topics are rooted at
// namespace, plus the configured selector if any.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	return &Publisher{
		config:     cfg,
		names:      namespace.New(ns, cfg.Selector),
		lastValues: make(map[string]interface{}),
		popups:     make(map[notify.Handle]PopupMessage),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// RootTopic returns the topic prefix.
func (p *Publisher) RootTopic() string {
	return p.names.MQTTBase()
}

// Start connects to the MQTT broker.
func (p *Publisher) Start() error {
	// Quick check if already running
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	// Build options WITHOUT holding the lock
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	client := pahomqtt.NewClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("MQTT connection error: %v", token.Error())
		return token.Error()
	}
	logMQTT("Successfully connected to MQTT broker %s", p.Address())

	if !p.attach(client) {
		client.Disconnect(100)
	}
	return nil
}

// attach installs a connected client, starts the write workers and
// subscribes the write topic. It returns false if already running.
func (p *Publisher) attach(client pahomqtt.Client) bool {
	p.mu.Lock()
	// Double-check we're not already running (race condition check)
	if p.running {
		p.mu.Unlock()
		return false
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Clear last values to force republish of all values
	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	p.startWriteWorkers()

	// Subscribe outside p.mu, the handler takes it
	p.subscribeWriteTopic()
	return true
}

func (p *Publisher) startWriteWorkers() {
	p.mu.RLock()
	stop := p.stopChan
	queue := p.writeQueue
	p.mu.RUnlock()
	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(stop, queue)
	}
}

// writeWorker processes write jobs from the queue.
func (p *Publisher) writeWorker(stop <-chan struct{}, queue <-chan writeJob) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			writeErr := job.err
			if writeErr == nil {
				if job.handler == nil {
					writeErr = fmt.Errorf("no write handler configured")
				} else {
					logMQTT("Executing write: %s = %v", job.tagName, job.converted)
					writeErr = job.handler(job.tagName, job.converted)
					if writeErr != nil {
						logMQTT("Write error: %v", writeErr)
					}
				}
			}
			p.publishWriteResponse(job.client, job.rootTopic, job.tagName, job.value, writeErr)
		}
	}
}

// Stop disconnects from the MQTT broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}

	p.running = false
	client := p.client
	p.client = nil

	// Save old channels and create new ones while holding lock
	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	// Wait for workers to finish (with timeout)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for write workers to stop")
	}

	// Disconnect OUTSIDE the lock to prevent blocking
	client.Disconnect(500)
}

// TagTopic returns the topic of a tag value.
func (p *Publisher) TagTopic(tagName string) string {
	return p.names.MQTTTagTopic(tagName)
}

// EventTopic returns the topic alarm events are published on.
func (p *Publisher) EventTopic() string {
	return p.names.MQTTEventTopic()
}

// ActiveTopic returns the retained topic of an active alarm.
func (p *Publisher) ActiveTopic(index int) string {
	return p.names.MQTTActiveTopic(index)
}

// PopupTopic returns the retained topic of a popup.
func (p *Publisher) PopupTopic(h notify.Handle) string {
	return p.names.MQTTPopupTopic(string(h))
}

func (p *Publisher) connected() pahomqtt.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}
	return p.client
}

// send publishes with QoS 1 and a bounded wait.
func (p *Publisher) send(client pahomqtt.Client, topic string, retained bool, payload []byte) error {
	token := client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}

// Publish sends a tag value if it has changed since the last publish.
func (p *Publisher) Publish(tagName, typeName string, value interface{}, writable, force bool) bool {
	client := p.connected()
	if client == nil {
		return false
	}

	if !force && !p.changed(tagName, value) {
		return false
	}

	msg := TagMessage{
		Topic:     p.RootTopic(),
		Tag:       tagName,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if err := p.send(client, p.TagTopic(tagName), true, payload); err != nil {
		logMQTT("publish %s: %v", tagName, err)
		metrics.IncPublishError("mqtt")
		return false
	}

	p.lastMu.Lock()
	p.lastValues[tagName] = value
	p.lastMu.Unlock()
	return true
}

func (p *Publisher) changed(tagName string, value interface{}) bool {
	p.lastMu.RLock()
	last, exists := p.lastValues[tagName]
	p.lastMu.RUnlock()
	return !exists || fmt.Sprintf("%v", last) != fmt.Sprintf("%v", value)
}

// PublishEvent sends an alarm event and maintains the retained active
// alarm topics for alarm-array transitions.
func (p *Publisher) PublishEvent(e notify.AlarmEvent) error {
	client := p.connected()
	if client == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := p.send(client, p.EventTopic(), false, payload); err != nil {
		return err
	}
	switch e.Type {
	case notify.Triggered:
		return p.send(client, p.ActiveTopic(e.Index), true, payload)
	case notify.Cleared:
		// An empty retained payload deletes the retained message
		return p.send(client, p.ActiveTopic(e.Index), true, nil)
	}
	return nil
}

// Show publishes a new retained popup.
func (p *Publisher) Show(h notify.Handle, title, message string) error {
	msg := PopupMessage{Handle: h, Title: title, Message: message}
	p.popupMu.Lock()
	p.popups[h] = msg
	p.popupMu.Unlock()
	return p.publishPopup(msg)
}

// Update republishes a popup with new display text.
func (p *Publisher) Update(h notify.Handle, display string) error {
	p.popupMu.Lock()
	msg, ok := p.popups[h]
	if ok {
		msg.Display = display
		p.popups[h] = msg
	}
	p.popupMu.Unlock()
	if !ok {
		return fmt.Errorf("mqtt: unknown popup %s", h)
	}
	return p.publishPopup(msg)
}

// Close retracts a popup by clearing its retained message.
func (p *Publisher) Close(h notify.Handle) error {
	p.popupMu.Lock()
	delete(p.popups, h)
	p.popupMu.Unlock()
	client := p.connected()
	if client == nil {
		return ErrNotConnected
	}
	return p.send(client, p.PopupTopic(h), true, nil)
}

func (p *Publisher) publishPopup(msg PopupMessage) error {
	client := p.connected()
	if client == nil {
		return ErrNotConnected
	}
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.send(client, p.PopupTopic(msg.Handle), true, payload)
}

// Address returns the broker address string.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// SetWriteHandler sets the callback for handling write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator WriteValidator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetKindLookup sets the callback for looking up tag kinds.
func (p *Publisher) SetKindLookup(lookup KindLookup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kindLookup = lookup
}

// WriteTopic returns the topic write requests are accepted on.
func (p *Publisher) WriteTopic() string {
	return p.names.MQTTWriteTopic()
}

func (p *Publisher) subscribeWriteTopic() {
	client := p.connected()
	if client == nil {
		logMQTT("subscribeWriteTopic: client is nil")
		return
	}
	topic := p.WriteTopic()
	logMQTT("Subscribing to write topic: %s", topic)
	token := client.Subscribe(topic, 1, p.handleWriteMessage)
	if !token.WaitTimeout(2 * time.Second) {
		logMQTT("Subscribe timeout for %s", topic)
		return
	}
	if token.Error() != nil {
		logMQTT("Subscribe error for %s: %v", topic, token.Error())
	}
}

// handleWriteMessage processes incoming write requests.
func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Received write request on topic: %s", msg.Topic())

	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	lookup := p.kindLookup
	p.mu.RUnlock()
	rootTopic := p.RootTopic()

	var req WriteRequest
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		logMQTT("JSON parse error: %v", err)
		p.queueErrorResponse(client, rootTopic, "", nil, fmt.Errorf("invalid JSON: %v", err))
		return
	}
	if req.Topic != "" && req.Topic != rootTopic {
		p.queueErrorResponse(client, rootTopic, req.Tag, req.Value,
			fmt.Errorf("topic mismatch: expected %s, got %s", rootTopic, req.Topic))
		return
	}
	if validator != nil && !validator(req.Tag) {
		p.queueErrorResponse(client, rootTopic, req.Tag, req.Value,
			fmt.Errorf("tag not writable: %s", req.Tag))
		return
	}

	var kind tag.DataKind
	if lookup != nil {
		kind = lookup(req.Tag)
	}
	if kind == 0 {
		p.queueErrorResponse(client, rootTopic, req.Tag, req.Value,
			fmt.Errorf("unknown tag type: %s", req.Tag))
		return
	}
	converted, err := tag.FromJSON(req.Value, kind)
	if err != nil {
		logMQTT("Value conversion error: %v", err)
		p.queueErrorResponse(client, rootTopic, req.Tag, req.Value, err)
		return
	}

	p.enqueue(writeJob{
		client:    client,
		rootTopic: rootTopic,
		tagName:   req.Tag,
		value:     req.Value,
		converted: converted,
		handler:   handler,
	}, true)
}

// queueErrorResponse queues an error response through the worker pool.
func (p *Publisher) queueErrorResponse(client pahomqtt.Client, rootTopic, tagName string, value interface{}, err error) {
	p.enqueue(writeJob{
		client:    client,
		rootTopic: rootTopic,
		tagName:   tagName,
		value:     value,
		err:       err,
	}, false)
}

func (p *Publisher) enqueue(job writeJob, respondWhenFull bool) {
	p.mu.RLock()
	queue := p.writeQueue
	p.mu.RUnlock()
	select {
	case queue <- job:
	default:
		logMQTT("Write queue full, rejecting write for %s", job.tagName)
		if respondWhenFull {
			go p.publishWriteResponse(job.client, job.rootTopic, job.tagName, job.value,
				fmt.Errorf("write queue full, try again later"))
		}
	}
}

// publishWriteResponse publishes a write response to MQTT.
func (p *Publisher) publishWriteResponse(client pahomqtt.Client, rootTopic, tagName string, value interface{}, err error) {
	resp := WriteResponse{
		Topic:     rootTopic,
		Tag:       tagName,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}
	payload, _ := json.Marshal(resp)
	token := client.Publish(p.names.MQTTWriteResponseTopic(), 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}
