package alarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"batchhmi/history"
	"batchhmi/logging"
	"batchhmi/metrics"
	"batchhmi/notify"
	"batchhmi/provider"
	"batchhmi/tag"
)

// DefaultPeriod is the alarm poll period.
const DefaultPeriod = 500 * time.Millisecond

// persistTimeout bounds one history insert.
const persistTimeout = 2 * time.Second

// Source hands out the active provider for the duration of one cycle.
type Source interface {
	Acquire() (provider.Provider, func())
}

// Config describes the packed alarm array.
type Config struct {
	Words       tag.Address // base of the packed Int32 word array
	Count       int         // number of alarm bits
	Definitions []Definition
	Period      time.Duration
	ChunkSize   int
}

// State is the current state of one alarm index.
type State struct {
	Index  int       `json:"index"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
	Since  time.Time `json:"since,omitempty"`
}

// Stats describes the monitor's most recent cycle.
type Stats struct {
	Cycles          uint64
	Overruns        uint64
	LastCycle       time.Time
	LastDuration    time.Duration
	DegradedWords   int
	Triggered       uint64
	Cleared         uint64
	PersistFailures uint64
	LastError       error
}

type transition struct {
	def    Definition
	rising bool
	at     time.Time
	key    history.Key
}

// Monitor polls the packed alarm words on its own period and converts level
// changes into Triggered and Cleared transitions. Each index is a two-state
// machine; a word that could not be read leaves its indices untouched for
// that cycle.
type Monitor struct {
	source    Source
	words     tag.Address
	table     *Table
	period    time.Duration
	chunkSize int

	fanout *notify.FanOut
	bus    *notify.Bus
	sink   history.Sink

	cycleMu sync.Mutex

	// state
	mu     sync.RWMutex
	active []bool
	since  []time.Time
	keys   map[int]history.Key
	now    func() time.Time
	logFn  func(format string, args ...interface{})

	// lastTrigger survives Reset so a re-trigger never reuses a history key.
	lastTrigger map[int]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	runMu  sync.Mutex

	statsMu sync.RWMutex
	stats   Stats
}

// NewMonitor creates a monitor. fanout, bus and sink may be nil.
func NewMonitor(cfg Config, source Source, fanout *notify.FanOut, bus *notify.Bus, sink history.Sink) (*Monitor, error) {
	table, err := NewTable(cfg.Count, cfg.Definitions)
	if err != nil {
		return nil, err
	}
	if cfg.Words.Name == "" {
		return nil, &tag.ConfigError{Field: "alarms.word_tag", Reason: "required"}
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = tag.DefaultChunkSize
	}
	words := cfg.Words
	words.Kind = tag.KindBool
	words.Packed = true
	return &Monitor{
		source:    source,
		words:     words,
		table:     table,
		period:    cfg.Period,
		chunkSize: cfg.ChunkSize,
		fanout:    fanout,
		bus:       bus,
		sink:      sink,
		active:    make([]bool, cfg.Count),
		since:     make([]time.Time, cfg.Count),
		keys:        make(map[int]history.Key),
		lastTrigger: make(map[int]time.Time),
		now:         time.Now,
	}, nil
}

// SetLogFunc sets the logging callback.
func (m *Monitor) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logFn = fn
}

// SetClock replaces the time source used to stamp transitions.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Monitor) log(format string, args ...interface{}) {
	m.mu.RLock()
	fn := m.logFn
	m.mu.RUnlock()
	if fn != nil {
		fn(format, args...)
	}
}

// Definitions returns the alarm table.
func (m *Monitor) Definitions() *Table { return m.table }

// Period returns the poll period.
func (m *Monitor) Period() time.Duration { return m.period }

// Start begins polling in a background goroutine.
func (m *Monitor) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.ctx != nil {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.pollLoop(m.ctx)
}

// Stop halts polling and waits for the running cycle.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel := m.cancel
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()

	m.runMu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.runMu.Unlock()
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs one alarm cycle: one chunked read of all packed words,
// edge detection against the previous snapshot, then notification of every
// transition.
func (m *Monitor) RunOnce(ctx context.Context) Stats {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := time.Now()
	degraded, rises, falls, persistFails, err := m.cycle(ctx)
	elapsed := time.Since(start)

	m.statsMu.Lock()
	m.stats.Cycles++
	if elapsed > m.period {
		m.stats.Overruns++
	}
	m.stats.LastCycle = start
	m.stats.LastDuration = elapsed
	m.stats.DegradedWords = degraded
	m.stats.Triggered += uint64(rises)
	m.stats.Cleared += uint64(falls)
	m.stats.PersistFailures += uint64(persistFails)
	m.stats.LastError = err
	stats := m.stats
	m.statsMu.Unlock()

	metrics.ObserveCycle("alarm", elapsed, err != nil)
	if elapsed > m.period {
		metrics.IncOverrun("alarm")
		m.log("Alarm cycle took %v, longer than period %v", elapsed, m.period)
	}
	return stats
}

// GetStats returns the stats of the last cycle.
func (m *Monitor) GetStats() Stats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.stats
}

// cycle holds the provider for its whole duration so a provider swap waits
// for the snapshot and its notifications to be committed.
func (m *Monitor) cycle(ctx context.Context) (degraded, rises, falls, persistFails int, err error) {
	p, release := m.source.Acquire()
	defer release()
	if p == nil {
		return 0, 0, 0, 0, fmt.Errorf("no active provider")
	}

	count := m.table.Len()
	block := provider.ReadWords(ctx, p, m.words, count, m.chunkSize)
	words := block.Words()
	if !block.Complete() {
		for _, d := range block.Degraded {
			degraded += d.Count
		}
		metrics.AddDegradedChunks(m.words.Name, len(block.Degraded))
		metrics.IncReadError(provider.KindOf(block.Degraded[0].Err).String())
		err = block.Err()
		m.log("Alarm word read degraded, %d words keep their previous state: %v", degraded, err)
	}

	var changes []transition

	m.mu.Lock()
	now := m.now()
	for i := 0; i < count; i++ {
		if block.Stale(tag.WordIndex(i)) {
			continue
		}
		cur, derr := tag.DecodeIndex(words, i)
		if derr != nil {
			continue
		}
		prev := m.active[i]
		if prev == cur {
			continue
		}
		def, _ := m.table.Get(i)
		t := transition{def: def, rising: cur, at: now}
		m.active[i] = cur
		if cur {
			m.since[i] = now
			t.at = m.triggerTime(i, now)
			t.key = history.NewKey(i, t.at)
			m.keys[i] = t.key
		} else {
			m.since[i] = time.Time{}
			t.key = m.keys[i]
			delete(m.keys, i)
		}
		changes = append(changes, t)
	}
	activeCount := len(m.keys)
	m.mu.Unlock()

	for _, t := range changes {
		if t.rising {
			rises++
			if !m.trigger(ctx, t) {
				persistFails++
			}
		} else {
			falls++
			m.clear(t)
		}
	}
	metrics.SetActiveAlarms(activeCount)
	return degraded, rises, falls, persistFails, err
}

// triggerTime returns the identity time of a new occurrence of alarm i: now
// at key resolution, moved past the previous occurrence if they would collide.
// Must be called with m.mu held.
func (m *Monitor) triggerTime(i int, now time.Time) time.Time {
	at := now.Truncate(time.Millisecond)
	if last, ok := m.lastTrigger[i]; ok && !at.After(last) {
		at = last.Add(time.Millisecond)
	}
	m.lastTrigger[i] = at
	return at
}

// trigger reports whether the history insert succeeded. The notification is
// shown either way.
func (m *Monitor) trigger(ctx context.Context, t transition) bool {
	d := t.def
	logging.DebugLog("alarm", "alarm %d %q triggered", d.Index, d.Name)
	metrics.IncAlarmTransition(notify.Triggered.String())

	if m.bus != nil {
		m.bus.Publish(notify.AlarmEvent{
			Type:     notify.Triggered,
			Index:    d.Index,
			Name:     d.Name,
			Severity: d.Severity.String(),
			At:       t.at,
		})
	}

	ok := true
	if m.sink != nil {
		pctx, cancel := context.WithTimeout(ctx, persistTimeout)
		err := m.sink.Insert(pctx, history.NewEvent(d.Index, d.Name, d.Severity.String(), t.at))
		cancel()
		if err != nil {
			ok = false
			metrics.IncPersistFailure()
			m.log("Alarm %d history insert failed: %v", d.Index, err)
		}
	}

	if m.fanout != nil {
		title := fmt.Sprintf("%s %d", d.Severity, d.Index)
		m.fanout.Show(notify.AlarmKey(d.Index), title, d.Name)
	}
	return ok
}

func (m *Monitor) clear(t transition) {
	d := t.def
	logging.DebugLog("alarm", "alarm %d %q cleared", d.Index, d.Name)
	metrics.IncAlarmTransition(notify.Cleared.String())

	if m.bus != nil {
		m.bus.Publish(notify.AlarmEvent{
			Type:     notify.Cleared,
			Index:    d.Index,
			Name:     d.Name,
			Severity: d.Severity.String(),
			At:       t.at,
		})
	}
	if m.fanout != nil {
		m.fanout.Close(notify.AlarmKey(d.Index))
	}
}

// Reset clears every active alarm, retracting its notification and
// publishing Cleared. It is run when the provider is replaced; the next
// cycle re-triggers whatever the new provider reports active.
func (m *Monitor) Reset() {
	m.mu.Lock()
	now := m.now()
	var changes []transition
	for i, on := range m.active {
		if !on {
			continue
		}
		def, _ := m.table.Get(i)
		changes = append(changes, transition{def: def, at: now, key: m.keys[i]})
		m.active[i] = false
		m.since[i] = time.Time{}
	}
	m.keys = make(map[int]history.Key)
	m.mu.Unlock()

	for _, t := range changes {
		m.clear(t)
	}
	metrics.SetActiveAlarms(0)
	if len(changes) > 0 {
		m.log("Alarm state reset, %d active alarms cleared", len(changes))
	}
}

// ActiveCount returns the number of active alarms.
func (m *Monitor) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// ActiveIndices returns the active alarm indices in ascending order.
func (m *Monitor) ActiveIndices() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0, len(m.keys))
	for i, on := range m.active {
		if on {
			out = append(out, i)
		}
	}
	return out
}

// IsActive reports whether alarm i is active.
func (m *Monitor) IsActive(i int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return i >= 0 && i < len(m.active) && m.active[i]
}

// ActiveKey returns the history key of active alarm i.
func (m *Monitor) ActiveKey(i int) (history.Key, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[i]
	return k, ok
}

// States returns the state of every active alarm, or of every alarm when
// all is true.
func (m *Monitor) States(all bool) []State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []State
	for i, on := range m.active {
		if !on && !all {
			continue
		}
		def, _ := m.table.Get(i)
		out = append(out, State{Index: i, Name: def.Name, Active: on, Since: m.since[i]})
	}
	return out
}
