package logging

import (
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006-01-02 15:04:05.000"

// Subsystems accepted by SetFilter. Packages pass one of these as the first
// argument of DebugLog.
var knownProtocols = []string{
	"plc", "s7",
	"acquire",
	"alarm", "threshold", "notify", "history",
	"publish", "mqtt", "kafka", "valkey", "nats",
	"api", "api-sse",
}

// relatedProtocols widens a filter entry to the subsystems it drives.
var relatedProtocols = map[string][]string{
	"plc":     {"s7"},
	"alarm":   {"notify", "history"},
	"publish": {"mqtt", "kafka", "valkey", "nats"},
	"api":     {"api-sse"},
}

// KnownProtocols returns the subsystem names accepted by SetFilter.
func KnownProtocols() []string {
	out := make([]string, len(knownProtocols))
	copy(out, knownProtocols)
	return out
}

// subsystemFilter is the set of enabled subsystems. An empty set enables all.
type subsystemFilter map[string]bool

func parseFilter(filter string) subsystemFilter {
	f := make(subsystemFilter)
	for _, p := range strings.Split(filter, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		f[p] = true
		for _, r := range relatedProtocols[p] {
			f[r] = true
		}
	}
	return f
}

func (f subsystemFilter) allows(subsystem string) bool {
	if len(f) == 0 {
		return true
	}
	s := strings.ToLower(subsystem)
	// Session header and footer lines always pass.
	return s == "debug" || f[s]
}

func (f subsystemFilter) String() string {
	names := make([]string, 0, len(f))
	for p := range f {
		names = append(names, p)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// DebugLogger writes verbose per-subsystem diagnostics to a dedicated file.
// It is meant for chasing PLC link problems, missed alarm transitions and
// publisher failures, and is off unless --log-debug is given.
type DebugLogger struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
	filter subsystemFilter
}

var (
	globalDebugLogger *DebugLogger
	globalDebugMu     sync.RWMutex
)

// NewDebugLogger creates a debug logger writing to path. The file is
// truncated so each session starts clean.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}
	l := &DebugLogger{file: file}
	l.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return l, nil
}

// SetFilter restricts logging to a comma-separated list of subsystems.
// Group names (plc, alarm, publish, api) enable their members too. An empty
// filter logs everything.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.filter = parseFilter(filter)
	if len(l.filter) > 0 {
		l.writeLocked("DEBUG", "Filtering enabled for: "+l.filter.String())
	}
}

// writeLocked appends one line. Must be called with l.mu held.
func (l *DebugLogger) writeLocked(subsystem, msg string) {
	if l.closed || !l.filter.allows(subsystem) {
		return
	}
	fmt.Fprintf(l.file, "%s [%s] %s\n", time.Now().Format(timeLayout), subsystem, msg)
}

// Log writes a formatted line tagged with subsystem.
func (l *DebugLogger) Log(subsystem, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeLocked(subsystem, fmt.Sprintf(format, args...))
}

// LogFrame logs a PDU payload with a hex dump. direction is TX or RX.
func (l *DebugLogger) LogFrame(subsystem, direction string, data []byte) {
	if l == nil {
		return
	}
	dump := "(empty)"
	if len(data) > 0 {
		dump = strings.TrimSuffix(hex.Dump(data), "\n")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeLocked(subsystem, fmt.Sprintf("%s (%d bytes):\n%s", direction, len(data), dump))
}

// Close writes the footer and closes the file.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.writeLocked("DEBUG", "Debug logging ended")
	l.closed = true
	return l.file.Close()
}

// SetGlobalDebugLogger installs the logger used by the package-level helpers.
// nil disables debug logging.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the installed logger, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// DebugLog logs a message if debug logging is enabled.
func DebugLog(subsystem, format string, args ...interface{}) {
	GetGlobalDebugLogger().Log(subsystem, format, args...)
}

// DebugTX logs a sent PDU payload.
func DebugTX(subsystem string, data []byte) {
	GetGlobalDebugLogger().LogFrame(subsystem, "TX", data)
}

// DebugRX logs a received PDU payload.
func DebugRX(subsystem string, data []byte) {
	GetGlobalDebugLogger().LogFrame(subsystem, "RX", data)
}

// DebugConnect logs a connection attempt.
func DebugConnect(subsystem, address string) {
	DebugLog(subsystem, "CONNECT to %s", address)
}

// DebugConnectSuccess logs an established connection.
func DebugConnectSuccess(subsystem, address, details string) {
	DebugLog(subsystem, "CONNECTED to %s - %s", address, details)
}

// DebugConnectError logs a failed connection attempt.
func DebugConnectError(subsystem, address string, err error) {
	DebugLog(subsystem, "CONNECT FAILED to %s: %v", address, err)
}

// DebugDisconnect logs a closed connection.
func DebugDisconnect(subsystem, address, reason string) {
	DebugLog(subsystem, "DISCONNECT from %s: %s", address, reason)
}
