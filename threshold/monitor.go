// Package threshold watches single continuous values (tank weights, pressures)
// against a hard upper limit.
package threshold

import (
	"context"
	"fmt"
	"sync"
	"time"

	"batchhmi/livestore"
	"batchhmi/logging"
	"batchhmi/metrics"
	"batchhmi/notify"
	"batchhmi/tag"
)

// DefaultGrace is how long a cleared notification stays up showing
// "resolved" before it is retracted.
const DefaultGrace = 2 * time.Second

// Config describes one watch.
type Config struct {
	Name  string
	Tag   string // live store tag feeding the watch
	Limit float32
	Grace time.Duration
	Index int // notification key index, unique per watch
}

// Watch is a snapshot of a monitor's state.
type Watch struct {
	Name    string  `json:"name"`
	Tag     string  `json:"tag"`
	Limit   float32 `json:"limit"`
	Active  bool    `json:"active"`
	Current float32 `json:"current"`
	Display string  `json:"display,omitempty"`
}

// Monitor latches when its value exceeds the limit and clears when the value
// returns to or below it. There is no hysteresis band.
type Monitor struct {
	cfg    Config
	key    notify.Key
	fanout *notify.FanOut
	bus    *notify.Bus

	mu      sync.Mutex
	active  bool
	current float32
	display string
	logFn   func(format string, args ...interface{})
}

// New creates a monitor. fanout and bus may be nil.
func New(cfg Config, fanout *notify.FanOut, bus *notify.Bus) *Monitor {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	return &Monitor{
		cfg:    cfg,
		key:    notify.Key{Source: notify.SourceThreshold, Index: cfg.Index},
		fanout: fanout,
		bus:    bus,
	}
}

// SetLogFunc sets the logging callback.
func (m *Monitor) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logFn = fn
}

// Name returns the watch name.
func (m *Monitor) Name() string { return m.cfg.Name }

// Tag returns the tag feeding the watch.
func (m *Monitor) Tag() string { return m.cfg.Tag }

// Key returns the notification key of the watch.
func (m *Monitor) Key() notify.Key { return m.key }

func formatValue(v float32) string {
	return fmt.Sprintf("%.1f", v)
}

// Observe feeds one sample.
func (m *Monitor) Observe(v float32) {
	m.mu.Lock()
	wasActive := m.active
	m.current = v
	var (
		event   notify.EventType
		display string
	)
	switch {
	case !wasActive && v > m.cfg.Limit:
		m.active = true
		event = notify.ThresholdTriggered
		display = formatValue(v)
	case wasActive && v <= m.cfg.Limit:
		m.active = false
		event = notify.ThresholdCleared
		display = "resolved: " + formatValue(v)
	case wasActive:
		display = formatValue(v)
	default:
		m.mu.Unlock()
		return
	}
	m.display = display
	logFn := m.logFn
	m.mu.Unlock()

	switch event {
	case notify.ThresholdTriggered:
		m.trigger(v, display, logFn)
	case notify.ThresholdCleared:
		m.clear(v, display, logFn)
	default:
		if m.fanout != nil {
			m.fanout.Update(m.key, display)
		}
	}
}

func (m *Monitor) trigger(v float32, display string, logFn func(string, ...interface{})) {
	logging.DebugLog("threshold", "%s triggered at %s (limit %s)", m.cfg.Name, formatValue(v), formatValue(m.cfg.Limit))
	metrics.IncAlarmTransition(notify.ThresholdTriggered.String())
	metrics.SetThresholdActive(m.cfg.Name, true)
	if logFn != nil {
		logFn("%s above limit: %s > %s", m.cfg.Name, formatValue(v), formatValue(m.cfg.Limit))
	}

	if m.bus != nil {
		m.bus.Publish(notify.AlarmEvent{
			Type:     notify.ThresholdTriggered,
			Index:    m.cfg.Index,
			Name:     m.cfg.Name,
			Severity: "Alarm",
			Value:    float64(v),
		})
	}
	if m.fanout == nil {
		return
	}
	// A re-trigger during the grace period keeps the resolved notification.
	if _, ok := m.fanout.CancelClose(m.key); ok {
		m.fanout.Update(m.key, display)
		return
	}
	m.fanout.Show(m.key, m.cfg.Name,
		fmt.Sprintf("%s exceeds limit %s", formatValue(v), formatValue(m.cfg.Limit)))
	m.fanout.Update(m.key, display)
}

func (m *Monitor) clear(v float32, display string, logFn func(string, ...interface{})) {
	logging.DebugLog("threshold", "%s cleared at %s", m.cfg.Name, formatValue(v))
	metrics.IncAlarmTransition(notify.ThresholdCleared.String())
	metrics.SetThresholdActive(m.cfg.Name, false)
	if logFn != nil {
		logFn("%s back within limit: %s", m.cfg.Name, formatValue(v))
	}

	if m.bus != nil {
		m.bus.Publish(notify.AlarmEvent{
			Type:     notify.ThresholdCleared,
			Index:    m.cfg.Index,
			Name:     m.cfg.Name,
			Severity: "Alarm",
			Value:    float64(v),
		})
	}
	if m.fanout != nil {
		m.fanout.Update(m.key, display)
		m.fanout.CloseAfter(m.key, m.cfg.Grace)
	}
}

// ObserveValue feeds a typed sample. Non-numeric and error values are
// ignored.
func (m *Monitor) ObserveValue(v tag.Value) bool {
	f, ok := v.Float64()
	if !ok {
		return false
	}
	m.Observe(float32(f))
	return true
}

// Watch returns the current state.
func (m *Monitor) Watch() Watch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Watch{
		Name:    m.cfg.Name,
		Tag:     m.cfg.Tag,
		Limit:   m.cfg.Limit,
		Active:  m.active,
		Current: m.current,
		Display: m.display,
	}
}

// Reset drops the latch and retracts any notification immediately.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.active = false
	m.display = ""
	m.mu.Unlock()
	metrics.SetThresholdActive(m.cfg.Name, false)
	if m.fanout != nil {
		m.fanout.Close(m.key)
	}
}

// Set evaluates a group of monitors against the live value store.
type Set struct {
	store    *livestore.Store
	monitors []*Monitor
}

// NewSet builds monitors for cfgs, assigning each a distinct key index.
func NewSet(store *livestore.Store, cfgs []Config, fanout *notify.FanOut, bus *notify.Bus) *Set {
	s := &Set{store: store}
	for i, c := range cfgs {
		c.Index = i
		s.monitors = append(s.monitors, New(c, fanout, bus))
	}
	return s
}

// SetLogFunc sets the logging callback of every monitor.
func (s *Set) SetLogFunc(fn func(format string, args ...interface{})) {
	for _, m := range s.monitors {
		m.SetLogFunc(fn)
	}
}

// Evaluate feeds every monitor the current value of its tag. Stale or
// missing values are skipped so a dead link cannot clear a latched watch.
// Its signature matches acquire.Scheduler.AfterCycle.
func (s *Set) Evaluate(ctx context.Context) {
	for _, m := range s.monitors {
		if ctx.Err() != nil {
			return
		}
		rec, ok := s.store.Get(m.cfg.Tag)
		if !ok || !s.store.Fresh(m.cfg.Tag) {
			continue
		}
		m.ObserveValue(rec.Value)
	}
}

// Watches returns the state of every monitor.
func (s *Set) Watches() []Watch {
	out := make([]Watch, len(s.monitors))
	for i, m := range s.monitors {
		out[i] = m.Watch()
	}
	return out
}

// Monitors returns the monitors in configuration order.
func (s *Set) Monitors() []*Monitor {
	out := make([]*Monitor, len(s.monitors))
	copy(out, s.monitors)
	return out
}

// Reset resets every monitor.
func (s *Set) Reset() {
	for _, m := range s.monitors {
		m.Reset()
	}
}
