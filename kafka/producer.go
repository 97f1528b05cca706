package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"batchhmi/config"
	"batchhmi/logging"
)

// ErrNotConnected is returned when producing on a disconnected cluster.
var ErrNotConnected = errors.New("kafka: cluster not connected")

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes messages to one Kafka cluster, one writer per topic.
// Writes are synchronous so a returned nil means the broker acknowledged.
type Producer struct {
	config  config.KafkaConfig
	writers map[string]messageWriter
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	// dial and newWriter are replaced in tests.
	dial      func(ctx context.Context) error
	newWriter func(topic string) (messageWriter, error)

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(cfg config.KafkaConfig) *Producer {
	p := &Producer{
		config:  withDefaults(cfg),
		writers: make(map[string]messageWriter),
		status:  StatusDisconnected,
	}
	p.dial = p.dialBroker
	p.newWriter = p.createWriter
	return p
}

// Name returns the cluster name.
func (p *Producer) Name() string {
	return p.config.Name
}

// Config returns the producer's effective configuration.
func (p *Producer) Config() config.KafkaConfig {
	return p.config
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

// Connect verifies the first broker is reachable.
func (p *Producer) Connect() error {
	p.mu.Lock()
	p.status = StatusConnecting
	p.lastErr = nil
	p.mu.Unlock()

	logging.DebugLog("kafka", "CONNECT %s: connecting to brokers %v", p.config.Name, p.config.Brokers)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultDialTimeout)
	defer cancel()

	if err := p.dial(ctx); err != nil {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = fmt.Errorf("failed to connect: %w", err)
		err = p.lastErr
		p.mu.Unlock()
		logging.DebugLog("kafka", "CONNECT %s: FAILED - %v", p.config.Name, err)
		return err
	}

	p.mu.Lock()
	p.status = StatusConnected
	p.mu.Unlock()

	logging.DebugLog("kafka", "CONNECT %s: connected", p.config.Name)
	return nil
}

func (p *Producer) dialBroker(ctx context.Context) error {
	dialer, err := p.createDialer()
	if err != nil {
		return err
	}
	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	logging.DebugLog("kafka", "DISCONNECT %s: closing %d topic writers", p.config.Name, len(p.writers))
	for topic, w := range p.writers {
		w.Close()
		delete(p.writers, topic)
	}
	p.status = StatusDisconnected
	p.lastErr = nil
}

// Produce sends one message and blocks until it is acknowledged.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	start := time.Now()

	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	err = writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})
	if err != nil {
		p.mu.Lock()
		p.messagesError++
		p.lastErr = err
		p.mu.Unlock()
		if strings.Contains(err.Error(), "Unknown Topic") {
			logging.DebugLog("kafka", "TOPIC %s: topic '%s' not found on broker", p.config.Name, topic)
		}
		logging.DebugLog("kafka", "PRODUCE %s: FAILED topic '%s' after %v: %v", p.config.Name, topic, time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	if d := time.Since(start); d > 100*time.Millisecond {
		logging.DebugLog("kafka", "PRODUCE %s: topic '%s' took %v", p.config.Name, topic, d)
	}

	p.mu.Lock()
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// ProduceWithRetry retries Produce with linear backoff using the configured
// retry count. It returns after a successful send or when retries run out.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte) error {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.config.RetryBackoff * time.Duration(attempt)):
			}
		}
		err := p.Produce(ctx, topic, key, value)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotConnected) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", p.config.MaxRetries+1, lastErr)
}

// getWriter returns or creates the writer for a topic.
func (p *Producer) getWriter(topic string) (messageWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, p.config.Name)
	}
	if w, ok := p.writers[topic]; ok {
		return w, nil
	}

	w, err := p.newWriter(topic)
	if err != nil {
		return nil, err
	}
	p.writers[topic] = w
	logging.DebugLog("kafka", "TOPIC %s: created writer for topic '%s'", p.config.Name, topic)
	return w, nil
}

func (p *Producer) createWriter(topic string) (messageWriter, error) {
	transport, err := p.createTransport()
	if err != nil {
		return nil, err
	}
	return &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{},
		Transport: transport,

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		Async:        false,
		MaxAttempts:  p.config.MaxRetries,

		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: true,
	}, nil
}

// createDialer creates a Kafka dialer with auth and TLS.
func (p *Producer) createDialer() (*kafka.Dialer, error) {
	mechanism, err := saslMechanism(&p.config)
	if err != nil {
		return nil, fmt.Errorf("sasl: %w", err)
	}
	return &kafka.Dialer{
		Timeout:       DefaultDialTimeout,
		DualStack:     true,
		TLS:           tlsConfig(&p.config),
		SASLMechanism: mechanism,
	}, nil
}

// createTransport creates a Kafka transport with auth and TLS.
func (p *Producer) createTransport() (*kafka.Transport, error) {
	mechanism, err := saslMechanism(&p.config)
	if err != nil {
		return nil, fmt.Errorf("sasl: %w", err)
	}
	return &kafka.Transport{
		DialTimeout: DefaultDialTimeout,
		TLS:         tlsConfig(&p.config),
		SASL:        mechanism,
	}, nil
}
