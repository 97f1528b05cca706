// Package valkey mirrors live values and the active alarm set into
// Valkey/Redis and accepts tag writes from a list.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"batchhmi/config"
	"batchhmi/logging"
	"batchhmi/namespace"
	"batchhmi/notify"
	"batchhmi/tag"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// TagMessage represents a tag value stored in Valkey.
type TagMessage struct {
	Namespace string      `json:"namespace"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address,omitempty"` // S7 address
	Value     interface{} `json:"value"`
	Type      string      `json:"type"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteRequest represents a write request from the write queue.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse represents a response to a write request.
type WriteResponse struct {
	Namespace string      `json:"namespace"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage represents the provider health stored in Valkey.
type HealthMessage struct {
	Namespace string    `json:"namespace"`
	Mode      string    `json:"mode"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WriteHandler performs a tag write.
type WriteHandler func(tagName string, value tag.Value) error

// Publisher handles publishing to one Valkey server.
type Publisher struct {
	config     *config.ValkeyConfig
	namespace  string
	names      *namespace.Builder
	defaultTTL time.Duration
	client     *redis.Client
	running    bool
	mu         sync.RWMutex

	// Callbacks
	writeHandler      WriteHandler
	writeValidator    func(tagName string) bool
	kindLookup        func(tagName string) tag.DataKind
	onConnectCallback func()

	// Write-back processing
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher. defaultTTL applies to value
// keys when the config sets none, so values of a dead link expire.
func NewPublisher(cfg *config.ValkeyConfig, ns string, defaultTTL time.Duration) *Publisher {
	return &Publisher{
		config:     cfg,
		namespace:  ns,
		names:      namespace.New(ns, cfg.Selector),
		defaultTTL: defaultTTL,
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Prefix returns the key prefix, namespace plus selector.
func (p *Publisher) Prefix() string {
	return p.names.ValkeyPrefix()
}

func (p *Publisher) ttl() time.Duration {
	if p.config.KeyTTL > 0 {
		return p.config.KeyTTL
	}
	return p.defaultTTL
}

// TagKey returns the key of a tag value.
func (p *Publisher) TagKey(tagName string) string {
	return p.names.ValkeyTagKey(tagName)
}

// ActiveAlarmsKey returns the hash of active alarms, field = alarm index.
func (p *Publisher) ActiveAlarmsKey() string {
	return p.names.ValkeyActiveAlarmsKey()
}

// ActiveThresholdsKey returns the hash of latched watches, field = watch name.
func (p *Publisher) ActiveThresholdsKey() string {
	return p.names.ValkeyActiveThresholdsKey()
}

// EventChannel returns the Pub/Sub channel of alarm events.
func (p *Publisher) EventChannel() string {
	return p.names.ValkeyEventChannel()
}

// WriteQueueKey returns the list write requests are popped from.
func (p *Publisher) WriteQueueKey() string {
	return p.names.ValkeyWriteQueue()
}

// WriteResponseChannel returns the channel write responses go to.
func (p *Publisher) WriteResponseChannel() string {
	return p.names.ValkeyWriteResponseChannel()
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	// Check if already running (quick check with lock)
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	// Create client and test connection WITHOUT holding the lock
	client := redis.NewClient(opts)

	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)",
		p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}

	// The active sets are rebuilt from the running engine, drop leftovers
	// of a previous run.
	if err := client.Del(ctx, p.ActiveAlarmsKey(), p.ActiveThresholdsKey()).Err(); err != nil {
		debugLog("Valkey clear active sets: %v", err)
	}

	debugLog("Successfully connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check we're not already running (race condition check)
	if p.running {
		client.Close()
		return nil
	}

	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}

	// Call on-connect callback to publish initial state
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}

	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}

	p.running = false
	close(p.stopChan)

	client := p.client
	p.client = nil
	p.mu.Unlock()

	// writebackListener uses a 1s BLPop timeout
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) connected() *redis.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}
	return p.client
}

// Publish stores a tag value with the key TTL.
func (p *Publisher) Publish(tagName, address, typeName string, value interface{}, writable bool) error {
	client := p.connected()
	if client == nil {
		return nil
	}

	msg := TagMessage{
		Namespace: p.namespace,
		Tag:       tagName,
		Address:   strings.ToUpper(address),
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal tag value: %w", err)
	}

	// Use a short timeout to prevent blocking
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.TagKey(tagName), data, p.ttl()).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	if p.config.PublishChanges {
		client.Publish(ctx, p.names.ValkeyChangesChannel(), data)
	}
	return nil
}

// PublishEvent publishes an alarm event and updates the active sets.
func (p *Publisher) PublishEvent(e notify.AlarmEvent) error {
	client := p.connected()
	if client == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch e.Type {
		case notify.Triggered:
			pipe.HSet(ctx, p.ActiveAlarmsKey(), strconv.Itoa(e.Index), data)
		case notify.Cleared:
			pipe.HDel(ctx, p.ActiveAlarmsKey(), strconv.Itoa(e.Index))
		case notify.ThresholdTriggered:
			pipe.HSet(ctx, p.ActiveThresholdsKey(), e.Name, data)
		case notify.ThresholdCleared:
			pipe.HDel(ctx, p.ActiveThresholdsKey(), e.Name)
		}
		pipe.Publish(ctx, p.EventChannel(), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishHealth publishes provider health.
func (p *Publisher) PublishHealth(mode string, online bool, status, errMsg string) error {
	client := p.connected()
	if client == nil {
		return nil
	}

	msg := HealthMessage{
		Namespace: p.namespace,
		Mode:      mode,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := p.names.ValkeyHealthKey()
	if err := client.Set(ctx, key, data, p.ttl()).Err(); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}
	if p.config.PublishChanges {
		client.Publish(ctx, key, data)
	}
	return nil
}

// SetWriteHandler sets the callback for processing write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator func(tagName string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetKindLookup sets the callback for looking up tag kinds.
func (p *Publisher) SetKindLookup(lookup func(tagName string) tag.DataKind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kindLookup = lookup
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// writebackListener pops write requests off the write queue.
func (p *Publisher) writebackListener(client *redis.Client, stop <-chan struct{}) {
	defer p.wg.Done()

	queueKey := p.WriteQueueKey()
	for {
		select {
		case <-stop:
			return
		default:
		}

		// Block waiting for write requests (with timeout for checking stop)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, time.Second, queueKey).Result()
		cancel()

		if err != nil {
			if !errors.Is(err, redis.Nil) {
				select {
				case <-stop:
					return
				default:
				}
				debugLog("Valkey write queue error: %v", err)
				time.Sleep(100 * time.Millisecond)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req WriteRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			debugLog("Failed to parse write request: %v", err)
			continue
		}
		p.processWriteRequest(client, req)
	}
}

// processWriteRequest handles a single write request.
func (p *Publisher) processWriteRequest(client *redis.Client, req WriteRequest) {
	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	lookup := p.kindLookup
	p.mu.RUnlock()

	response := WriteResponse{
		Namespace: p.namespace,
		Tag:       req.Tag,
		Value:     req.Value,
		Timestamp: time.Now().UTC(),
	}

	var kind tag.DataKind
	if lookup != nil {
		kind = lookup(req.Tag)
	}

	switch {
	case validator != nil && !validator(req.Tag):
		response.Error = "tag is not writable"
	case handler == nil:
		response.Error = "no write handler configured"
	case kind == 0:
		response.Error = "unknown tag type"
	default:
		v, err := tag.FromJSON(req.Value, kind)
		if err == nil {
			err = handler(req.Tag, v)
		}
		if err != nil {
			response.Error = err.Error()
		} else {
			response.Success = true
		}
	}

	data, _ := json.Marshal(response)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client.Publish(ctx, p.WriteResponseChannel(), data)

	debugLog("Valkey write %s = %v -> success=%v", req.Tag, req.Value, response.Success)
}
