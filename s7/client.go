package s7

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robinson/gos7"

	"batchhmi/logging"
)

// Client is a connection-scoped handle to one S7 CPU.
type Client struct {
	handler   *gos7.TCPClientHandler
	client    gos7.Client
	address   string
	rack      int
	slot      int
	timeout   time.Duration
	connected bool
	mu        sync.Mutex
}

type options struct {
	rack    int
	slot    int
	timeout time.Duration
}

// Option is a functional option for Connect.
type Option func(*options)

// WithRackSlot configures the rack and slot numbers for the PLC.
// Default is rack 0, slot 0 for S7-1200/1500.
// For S7-300/400, use rack 0, slot 2.
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
	}
}

// WithTimeout configures the connection and request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// Connect establishes a connection to an S7 PLC at the given address.
func Connect(address string, opts ...Option) (*Client, error) {
	cfg := &options{timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := gos7.NewTCPClientHandler(address, cfg.rack, cfg.slot)
	handler.Timeout = cfg.timeout
	handler.IdleTimeout = cfg.timeout

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("Connect: %w", err)
	}

	return &Client{
		handler:   handler,
		client:    gos7.NewClient(handler),
		address:   address,
		rack:      cfg.rack,
		slot:      cfg.slot,
		timeout:   cfg.timeout,
		connected: true,
	}, nil
}

// Close releases the connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.handler != nil {
		c.handler.Close()
	}
}

// IsConnected returns true if the last operation did not break the link.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ConnectionMode returns a human-readable description of the connection.
func (c *Client) ConnectionMode() string {
	if c == nil {
		return "Not connected"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return fmt.Sprintf("S7 %s (Rack %d, Slot %d)", c.address, c.rack, c.slot)
	}
	return "Disconnected"
}

// ReadBytes reads size bytes starting at addr in one request.
func (c *Client) ReadBytes(addr Address, size int) ([]byte, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("ReadBytes: nil client")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, size)
	var err error
	switch addr.Area {
	case AreaDB:
		err = c.client.AGReadDB(addr.DBNumber, addr.Offset, size, buf)
	case AreaI:
		err = c.client.AGReadEB(addr.Offset, size, buf)
	case AreaQ:
		err = c.client.AGReadAB(addr.Offset, size, buf)
	case AreaM:
		err = c.client.AGReadMB(addr.Offset, size, buf)
	default:
		return nil, fmt.Errorf("unsupported area: %v", addr.Area)
	}
	if err != nil {
		if isConnectionError(err) {
			c.connected = false
		}
		return nil, err
	}
	logging.DebugRX("s7", buf)
	return buf, nil
}

// WriteBytes writes data starting at addr in one request.
func (c *Client) WriteBytes(addr Address, data []byte) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("WriteBytes: nil client")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(addr, data)
}

func (c *Client) writeLocked(addr Address, data []byte) error {
	logging.DebugTX("s7", data)
	var err error
	switch addr.Area {
	case AreaDB:
		err = c.client.AGWriteDB(addr.DBNumber, addr.Offset, len(data), data)
	case AreaI:
		err = c.client.AGWriteEB(addr.Offset, len(data), data)
	case AreaQ:
		err = c.client.AGWriteAB(addr.Offset, len(data), data)
	case AreaM:
		err = c.client.AGWriteMB(addr.Offset, len(data), data)
	default:
		return fmt.Errorf("unsupported area: %v", addr.Area)
	}
	if err != nil && isConnectionError(err) {
		c.connected = false
	}
	return err
}

// WriteBit sets one discrete bit with a read-modify-write of its byte.
// The byte is held under the client lock for the whole exchange.
func (c *Client) WriteBit(addr Address, on bool) error {
	if !addr.IsBit() {
		return fmt.Errorf("WriteBit: %s is not a bit address", addr)
	}
	if c == nil || c.client == nil {
		return fmt.Errorf("WriteBit: nil client")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, 1)
	var err error
	switch addr.Area {
	case AreaDB:
		err = c.client.AGReadDB(addr.DBNumber, addr.Offset, 1, buf)
	case AreaI:
		err = c.client.AGReadEB(addr.Offset, 1, buf)
	case AreaQ:
		err = c.client.AGReadAB(addr.Offset, 1, buf)
	case AreaM:
		err = c.client.AGReadMB(addr.Offset, 1, buf)
	}
	if err != nil {
		if isConnectionError(err) {
			c.connected = false
		}
		return fmt.Errorf("failed to read byte for bit write: %w", err)
	}

	if on {
		buf[0] |= 1 << uint(addr.BitNum)
	} else {
		buf[0] &^= 1 << uint(addr.BitNum)
	}
	return c.writeLocked(addr, buf)
}

// isConnectionError checks if an error indicates the TCP connection is broken.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "eof") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "closed")
}
