// Package engine assembles acquisition, alarm detection, notification and
// publishing into one running process and exposes the operations the
// REST API and the binary use.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"batchhmi/acquire"
	"batchhmi/alarm"
	"batchhmi/config"
	"batchhmi/history"
	"batchhmi/kafka"
	"batchhmi/livestore"
	"batchhmi/metrics"
	"batchhmi/mqtt"
	"batchhmi/natsbus"
	"batchhmi/notify"
	"batchhmi/provider"
	"batchhmi/tag"
	"batchhmi/threshold"
	"batchhmi/valkey"
)

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...interface{})

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string
	LogFunc    LogFunc

	// Factory builds providers. Nil builds an S7 provider for live mode and
	// a simulator declaring the configured tags for simulated mode.
	Factory provider.Factory
	// Sink stores alarm history. Nil opens Postgres when enabled, else an
	// in-memory sink.
	Sink history.Sink
}

// Engine owns every long-running component.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc

	tags    []acquire.Tag
	byName  map[string]config.TagConfig
	factory provider.Factory

	store      *livestore.Store
	switcher   *provider.Switcher
	scheduler  *acquire.Scheduler
	alarms     *alarm.Monitor
	thresholds *threshold.Set
	fanout     *notify.FanOut
	bus        *notify.Bus
	sink       history.Sink
	ownsSink   bool

	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager
	natsMgr   *natsbus.Manager

	values   chan livestore.Record
	stopChan chan struct{}
	wg       sync.WaitGroup

	// startMu serialises Start so a failed attempt can be retried.
	startMu sync.Mutex
	mu      sync.Mutex
	started bool
	stopped bool
}

const (
	// valueQueueSize bounds the value publish queue between acquisition and
	// the publishers.
	valueQueueSize = 1024
	// memoryHistoryLimit caps the in-memory alarm history.
	memoryHistoryLimit = 10000
	healthInterval     = 10 * time.Second
)

// New builds the engine. It opens the history database when configured but
// does not touch the PLC; Start does.
func New(ctx context.Context, c Config) (*Engine, error) {
	cfg := c.AppConfig
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}

	e := &Engine{
		cfg:        cfg,
		configPath: c.ConfigPath,
		logFn:      logFn,
		byName:     make(map[string]config.TagConfig, len(cfg.Tags)),
		store:      livestore.New(cfg.FreshnessWindow),
		bus:        notify.NewBus(),
		mqttMgr:    mqtt.NewManager(),
		valkeyMgr:  valkey.NewManager(),
		kafkaMgr:   kafka.NewManager(),
		natsMgr:    natsbus.NewManager(),
		values:     make(chan livestore.Record, valueQueueSize),
		stopChan:   make(chan struct{}),
	}
	for _, t := range cfg.Tags {
		e.byName[t.Name] = t
		e.tags = append(e.tags, acquire.Tag{Name: t.Name, Addr: e.address(t), Length: t.Length})
	}

	e.factory = c.Factory
	if e.factory == nil {
		e.factory = e.buildProvider
	}

	e.sink = c.Sink
	if e.sink == nil {
		if cfg.Postgres.Enabled {
			pg, err := history.OpenPostgres(ctx, cfg.Postgres.DSN)
			if err != nil {
				return nil, fmt.Errorf("open alarm history: %w", err)
			}
			if err := pg.EnsureSchema(ctx); err != nil {
				pg.Close()
				return nil, fmt.Errorf("alarm history schema: %w", err)
			}
			e.sink = pg
			e.ownsSink = true
		} else {
			e.sink = history.NewMemorySink(memoryHistoryLimit)
		}
	}

	e.mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)
	e.valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace, cfg.FreshnessWindow)
	e.kafkaMgr.LoadFromConfig(cfg.Kafka, cfg.Namespace)
	e.natsMgr.LoadFromConfig(cfg.NATS, cfg.Namespace)

	e.fanout = notify.NewFanOut(notify.MultiSurface{
		notify.LogSurface{LogFunc: logFn},
		e.mqttMgr,
	})
	e.fanout.SetLogFunc(logFn)

	e.switcher = provider.NewSwitcher(nil, e.factory)
	e.switcher.SetLogFunc(logFn)

	e.scheduler = acquire.New(e.switcher, e.store, e.tags, cfg.PollRate)
	e.scheduler.SetChunkSize(cfg.ChunkSize)
	e.scheduler.SetLogFunc(logFn)

	thCfgs := make([]threshold.Config, len(cfg.Thresholds))
	for i, th := range cfg.Thresholds {
		thCfgs[i] = threshold.Config{Name: th.Name, Tag: th.Tag, Limit: th.Limit, Grace: th.Grace, Index: i}
	}
	e.thresholds = threshold.NewSet(e.store, thCfgs, e.fanout, e.bus)
	e.thresholds.SetLogFunc(logFn)
	e.scheduler.AfterCycle(e.thresholds.Evaluate)

	if cfg.Alarms.Count > 0 {
		defs, err := alarmDefinitions(cfg.Alarms)
		if err != nil {
			e.closeSink()
			return nil, err
		}
		e.alarms, err = alarm.NewMonitor(alarm.Config{
			Words:       e.alarmWords(),
			Count:       cfg.Alarms.Count,
			Definitions: defs,
			Period:      cfg.AlarmPollRate,
			ChunkSize:   cfg.ChunkSize,
		}, e.switcher, e.fanout, e.bus, e.sink)
		if err != nil {
			e.closeSink()
			return nil, err
		}
		e.alarms.SetLogFunc(logFn)
		e.switcher.OnReset(e.alarms.Reset)
	}
	e.switcher.OnReset(e.thresholds.Reset)

	e.wirePublishers()
	return e, nil
}

// address builds the base address of a configured tag.
func (e *Engine) address(t config.TagConfig) tag.Address {
	kind, _ := tag.ParseKind(t.Type)
	return tag.Address{
		Name:    t.Name,
		Kind:    kind,
		Packed:  t.Packed,
		Gateway: e.cfg.PLC.Gateway,
		Path:    e.cfg.PLC.Path,
	}
}

func (e *Engine) alarmWords() tag.Address {
	return tag.Address{
		Name:    e.cfg.Alarms.WordTag,
		Kind:    tag.KindBool,
		Packed:  true,
		Gateway: e.cfg.PLC.Gateway,
		Path:    e.cfg.PLC.Path,
	}
}

// alarmDefinitions merges the definitions file with inline definitions;
// inline entries win for the same index.
func alarmDefinitions(ac config.AlarmConfig) ([]alarm.Definition, error) {
	byIndex := make(map[int]alarm.Definition)
	var order []int
	add := func(d alarm.Definition) {
		if _, ok := byIndex[d.Index]; !ok {
			order = append(order, d.Index)
		}
		byIndex[d.Index] = d
	}

	if ac.DefinitionsFile != "" {
		fromFile, err := alarm.LoadDefinitionsFile(ac.DefinitionsFile)
		if err != nil {
			return nil, &tag.ConfigError{Field: "alarms.definitions_file", Reason: err.Error()}
		}
		for _, d := range fromFile {
			add(d)
		}
	}
	for _, d := range ac.Definitions {
		sev, err := alarm.ParseSeverity(d.Severity)
		if err != nil {
			return nil, &tag.ConfigError{Field: fmt.Sprintf("alarms.definitions[%d].severity", d.Index), Reason: err.Error()}
		}
		add(alarm.Definition{Index: d.Index, Name: d.Name, Severity: sev})
	}

	out := make([]alarm.Definition, 0, len(order))
	for _, i := range order {
		out = append(out, byIndex[i])
	}
	return out, nil
}

// Start installs the initial provider and starts every loop and publisher.
// In auto mode the PLC is probed once; if it does not answer the engine
// starts degraded on the simulator.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if started {
		return nil
	}

	mode, err := e.initialMode(ctx)
	if err != nil {
		return err
	}
	if err := e.switcher.SetMode(ctx, mode); err != nil {
		return err
	}
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	metrics.SetProviderMode(mode.String(), provider.ModeLive.String(), provider.ModeSimulated.String())

	e.startPumps()

	if n := e.mqttMgr.StartAll(); n > 0 {
		e.logFn("Started %d MQTT publishers", n)
		e.forcePublishAllValuesToMQTT()
	}
	if n := e.valkeyMgr.StartAll(); n > 0 {
		e.logFn("Started %d Valkey publishers", n)
	}
	if n := e.kafkaMgr.StartAll(); n > 0 {
		e.logFn("Connected %d Kafka clusters", n)
	}
	if n := e.natsMgr.StartAll(); n > 0 {
		e.logFn("Started %d NATS publishers", n)
	}

	e.scheduler.Start()
	if e.alarms != nil {
		e.alarms.Start()
	}

	e.wg.Add(1)
	go e.publishHealthLoop()

	e.logFn("Engine started in %s mode: %d tags, %d alarms, %d thresholds",
		mode, len(e.tags), e.cfg.Alarms.Count, len(e.cfg.Thresholds))
	return nil
}

func (e *Engine) initialMode(ctx context.Context) (provider.Mode, error) {
	switch strings.ToLower(e.cfg.Mode) {
	case config.ModeLive:
		return provider.ModeLive, nil
	case config.ModeSimulated:
		return provider.ModeSimulated, nil
	}
	if err := e.probe(ctx); err != nil {
		e.logFn("PLC probe failed, starting degraded on the simulator: %v", err)
		return provider.ModeSimulated, nil
	}
	return provider.ModeLive, nil
}

// Stop shuts everything down. Loops stop before the publishers so the last
// events still go out.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	e.mu.Unlock()

	e.scheduler.Stop()
	if e.alarms != nil {
		e.alarms.Stop()
	}

	close(e.stopChan)
	e.wg.Wait()

	e.mqttMgr.StopAll()
	e.valkeyMgr.StopAll()
	e.kafkaMgr.StopAll()
	e.natsMgr.StopAll()

	if err := e.switcher.Close(); err != nil {
		e.logFn("Closing provider: %v", err)
	}
	e.closeSink()
}

func (e *Engine) closeSink() {
	if !e.ownsSink {
		return
	}
	if c, ok := e.sink.(interface{ Close() error }); ok {
		c.Close()
	}
}

// RunOnce runs one acquisition cycle and one alarm cycle synchronously.
func (e *Engine) RunOnce(ctx context.Context) {
	e.scheduler.RunOnce(ctx)
	if e.alarms != nil {
		e.alarms.RunOnce(ctx)
	}
}

func (e *Engine) GetConfig() *config.Config          { return e.cfg }
func (e *Engine) GetConfigPath() string              { return e.configPath }
func (e *Engine) GetStore() *livestore.Store         { return e.store }
func (e *Engine) GetBus() *notify.Bus                { return e.bus }
func (e *Engine) GetFanOut() *notify.FanOut          { return e.fanout }
func (e *Engine) GetMQTTMgr() *mqtt.Manager          { return e.mqttMgr }
func (e *Engine) GetValkeyMgr() *valkey.Manager      { return e.valkeyMgr }
func (e *Engine) GetKafkaMgr() *kafka.Manager        { return e.kafkaMgr }
func (e *Engine) GetNATSMgr() *natsbus.Manager       { return e.natsMgr }
func (e *Engine) GetAlarmMonitor() *alarm.Monitor    { return e.alarms }
func (e *Engine) GetThresholds() *threshold.Set      { return e.thresholds }
func (e *Engine) GetScheduler() *acquire.Scheduler   { return e.scheduler }
func (e *Engine) GetSwitcher() *provider.Switcher    { return e.switcher }
func (e *Engine) GetHistory() history.Sink           { return e.sink }
