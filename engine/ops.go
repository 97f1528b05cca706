package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"batchhmi/acquire"
	"batchhmi/alarm"
	"batchhmi/config"
	"batchhmi/history"
	"batchhmi/livestore"
	"batchhmi/metrics"
	"batchhmi/notify"
	"batchhmi/provider"
	"batchhmi/tag"
	"batchhmi/threshold"
)

// resolve maps a tag name or element name (Name[i]) to its address.
func (e *Engine) resolve(name string) (tag.Address, error) {
	if t, ok := e.byName[name]; ok {
		if t.Length > 0 {
			return tag.Address{}, fmt.Errorf("%w: %s is an array, address an element", ErrInvalidInput, name)
		}
		return e.address(t), nil
	}
	base, i, indexed := tag.SplitElement(name)
	t, ok := e.byName[base]
	if !indexed || !ok || t.Length == 0 {
		return tag.Address{}, fmt.Errorf("%w: tag %s", ErrNotFound, name)
	}
	if err := tag.ValidateIndex(base, i, t.Length); err != nil {
		return tag.Address{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return e.address(t).At(i), nil
}

// KindOf returns the data kind of a tag or element, or 0 if unknown.
func (e *Engine) KindOf(name string) tag.DataKind {
	addr, err := e.resolve(name)
	if err != nil {
		return 0
	}
	return addr.Kind
}

// IsWritable reports whether name may be written.
func (e *Engine) IsWritable(name string) bool {
	base, _, _ := tag.SplitElement(name)
	t, ok := e.byName[name]
	if !ok {
		t, ok = e.byName[base]
	}
	return ok && t.Writable
}

// WriteTag writes one value through the active provider. Single flags of
// packed arrays cannot be written.
func (e *Engine) WriteTag(ctx context.Context, name string, v tag.Value) error {
	addr, err := e.resolve(name)
	if err != nil {
		return err
	}
	if !e.IsWritable(name) {
		return fmt.Errorf("%w: %s", ErrNotWritable, name)
	}
	v, err = tag.Coerce(v, addr.Kind)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := tag.CheckWrite(addr, v); err != nil {
		return err
	}
	if err := e.switcher.Write(ctx, addr, v); err != nil {
		e.logFn("Write %s = %s failed: %v", name, v, err)
		return err
	}
	e.logFn("Wrote %s = %s", name, v)
	return nil
}

// GetLiveValue returns the latest record of a tag or element.
func (e *Engine) GetLiveValue(name string) (livestore.Record, bool) {
	return e.store.Get(name)
}

// Fresh reports whether name holds a value younger than the freshness window.
func (e *Engine) Fresh(name string) bool {
	return e.store.Fresh(name)
}

// Values returns every record in the live store.
func (e *Engine) Values() []livestore.Record {
	return e.store.Snapshot()
}

// SubscribeAlarmEvents streams alarm and threshold events until cancel is
// called. Slow readers lose events rather than blocking detection.
func (e *Engine) SubscribeAlarmEvents() (<-chan notify.AlarmEvent, func()) {
	return e.bus.SubscribeChan(64)
}

// ActiveAlarmCount returns the number of active alarms.
func (e *Engine) ActiveAlarmCount() int {
	if e.alarms == nil {
		return 0
	}
	return e.alarms.ActiveCount()
}

// ActiveAlarmIndices returns the active alarm indices in ascending order.
func (e *Engine) ActiveAlarmIndices() []int {
	if e.alarms == nil {
		return nil
	}
	return e.alarms.ActiveIndices()
}

// AlarmStates returns the active alarms, or every alarm when all is true.
func (e *Engine) AlarmStates(all bool) []alarm.State {
	if e.alarms == nil {
		return nil
	}
	return e.alarms.States(all)
}

// Watches returns the state of every threshold watch.
func (e *Engine) Watches() []threshold.Watch {
	return e.thresholds.Watches()
}

// Mode returns the active provider mode.
func (e *Engine) Mode() provider.Mode {
	return e.switcher.Mode()
}

// SetProviderMode switches the provider. Switching to the active mode is a
// no-op. In-flight cycles finish on the old provider; alarm and threshold
// state is reset before the new one is installed.
func (e *Engine) SetProviderMode(ctx context.Context, mode provider.Mode) error {
	if mode != provider.ModeLive && mode != provider.ModeSimulated {
		return fmt.Errorf("%w: provider mode %d", ErrInvalidInput, mode)
	}
	before := e.switcher.Mode()
	if err := e.switcher.SetMode(ctx, mode); err != nil {
		return err
	}
	if before != mode {
		metrics.SetProviderMode(mode.String(), provider.ModeLive.String(), provider.ModeSimulated.String())
		e.logFn("Provider mode changed from %s to %s", before, mode)
		e.publishHealth()
	}
	return nil
}

// AcknowledgeAlarm marks a history record acknowledged.
func (e *Engine) AcknowledgeAlarm(ctx context.Context, key history.Key) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	err := e.sink.Acknowledge(ctx, key, e.store.Now())
	if errors.Is(err, history.ErrNotFound) {
		return fmt.Errorf("%w: alarm event %s", ErrNotFound, key)
	}
	if err == nil {
		e.logFn("Alarm %s acknowledged", key)
	}
	return err
}

// AcknowledgeActive acknowledges the current occurrence of active alarm i.
func (e *Engine) AcknowledgeActive(ctx context.Context, i int) (history.Key, error) {
	if e.alarms == nil {
		return history.Key{}, ErrNoAlarms
	}
	key, ok := e.alarms.ActiveKey(i)
	if !ok {
		return history.Key{}, fmt.Errorf("%w: alarm %d is not active", ErrNotFound, i)
	}
	return key, e.AcknowledgeAlarm(ctx, key)
}

// History returns up to limit alarm events, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]history.Event, error) {
	return e.sink.List(ctx, limit)
}

// Health summarises the provider state for publishing.
type Health struct {
	Mode   string `json:"mode"`
	Online bool   `json:"online"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Health reports live mode with a clean last cycle as online. Running on
// the simulator after the startup probe failed is reported as degraded.
func (e *Engine) Health() Health {
	mode := e.switcher.Mode()
	stats := e.scheduler.GetStats()
	h := Health{Mode: mode.String()}
	if stats.LastError != nil {
		h.Error = stats.LastError.Error()
	}
	switch {
	case mode == provider.ModeSimulated && strings.ToLower(e.cfg.Mode) != config.ModeSimulated:
		h.Status = "degraded"
	case mode == provider.ModeSimulated:
		h.Status = "simulated"
	case stats.Failures > 0:
		h.Status = "errors"
	default:
		h.Online = true
		h.Status = "ok"
	}
	return h
}

// Status is a snapshot of the engine for diagnostics.
type Status struct {
	Namespace    string
	Health       Health
	Acquisition  acquire.Stats
	Alarms       alarm.Stats
	ActiveAlarms int
	Outstanding  int
	Dropped      uint64
}

// Status returns the current diagnostics snapshot.
func (e *Engine) Status() Status {
	s := Status{
		Namespace:    e.cfg.Namespace,
		Health:       e.Health(),
		Acquisition:  e.scheduler.GetStats(),
		ActiveAlarms: e.ActiveAlarmCount(),
		Outstanding:  e.fanout.Count(),
		Dropped:      e.bus.Dropped(),
	}
	if e.alarms != nil {
		s.Alarms = e.alarms.GetStats()
	}
	return s
}
