package natsbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"batchhmi/config"
	"batchhmi/logging"
	"batchhmi/namespace"
	"batchhmi/notify"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("nats", format, args...)
}

// Publisher publishes alarm events to one NATS deployment. Events go to
// <subject>.<event type>, e.g. batchhmi.alarms.triggered.
type Publisher struct {
	config *config.NATSConfig
	names  *namespace.Builder

	mu       sync.RWMutex
	conn     *nats.Conn
	js       nats.JetStreamContext
	embedded *Server
	running  bool
}

// NewPublisher creates a publisher.
func NewPublisher(cfg *config.NATSConfig, ns string) *Publisher {
	return &Publisher{config: cfg, names: namespace.New(ns, "")}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Subject returns the base subject.
func (p *Publisher) Subject() string {
	if p.config.Subject != "" {
		return p.config.Subject
	}
	return p.names.NATSSubject()
}

// SubjectFor returns the subject of one event type.
func (p *Publisher) SubjectFor(t notify.EventType) string {
	return p.names.NATSEventSubject(p.Subject(), t.String())
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// URL returns the server URL, which for an embedded server is only known
// once it runs.
func (p *Publisher) URL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.embedded != nil {
		return p.embedded.ClientURL()
	}
	if p.config.URL == "" {
		return nats.DefaultURL
	}
	return p.config.URL
}

// Start connects, starting the embedded server first if configured, and
// ensures the JetStream stream exists.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	var embedded *Server
	if p.config.Embedded {
		port := p.config.Port
		if port == 0 {
			port = nats.DefaultPort
		}
		var err error
		embedded, err = StartServer("127.0.0.1", port, p.config.StoreDir)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		p.mu.Lock()
		p.embedded = embedded
		p.mu.Unlock()
	}

	opts := []nats.Option{
		nats.Name("batchhmi-" + p.config.Name),
		nats.Timeout(3 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			debugLog("%s disconnected: %v", p.config.Name, err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			debugLog("%s reconnected to %s", p.config.Name, c.ConnectedUrl())
		}),
	}
	if p.config.Username != "" {
		opts = append(opts, nats.UserInfo(p.config.Username, p.config.Password))
	}
	if p.config.Token != "" {
		opts = append(opts, nats.Token(p.config.Token))
	}

	url := p.URL()
	debugLog("connecting %s to %s", p.config.Name, url)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		p.shutdownEmbedded()
		return fmt.Errorf("connect nats %s: %w", url, err)
	}

	var js nats.JetStreamContext
	if p.config.Stream != "" {
		js, err = p.ensureStream(conn)
		if err != nil {
			conn.Close()
			p.shutdownEmbedded()
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		conn.Close()
		return nil
	}
	p.conn = conn
	p.js = js
	p.running = true
	return nil
}

func (p *Publisher) ensureStream(conn *nats.Conn) (nats.JetStreamContext, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	info, err := js.StreamInfo(p.config.Stream)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return nil, fmt.Errorf("stream info %s: %w", p.config.Stream, err)
	}
	if info != nil {
		return js, nil
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     p.config.Stream,
		Subjects: []string{p.Subject() + ".>"},
	})
	if err != nil {
		return nil, fmt.Errorf("add stream %s: %w", p.config.Stream, err)
	}
	debugLog("created stream %s for %s.>", p.config.Stream, p.Subject())
	return js, nil
}

func (p *Publisher) shutdownEmbedded() {
	p.mu.Lock()
	embedded := p.embedded
	p.embedded = nil
	p.mu.Unlock()
	if embedded != nil {
		embedded.Shutdown()
	}
}

// Stop drains the connection and shuts down an embedded server.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	conn := p.conn
	p.conn = nil
	p.js = nil
	p.mu.Unlock()

	if err := conn.Drain(); err != nil {
		conn.Close()
	}
	p.shutdownEmbedded()
}

// PublishEvent publishes one event. With a stream configured the publish
// waits for the JetStream ack.
func (p *Publisher) PublishEvent(e notify.AlarmEvent) error {
	p.mu.RLock()
	running, conn, js := p.running, p.conn, p.js
	p.mu.RUnlock()
	if !running {
		return nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	subject := p.SubjectFor(e.Type)
	if js != nil {
		_, err = js.Publish(subject, data)
		return err
	}
	return conn.Publish(subject, data)
}
