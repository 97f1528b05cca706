package engine

import (
	"context"
	"fmt"
	"time"

	"batchhmi/livestore"
	"batchhmi/logging"
	"batchhmi/provider"
	"batchhmi/tag"
)

// buildProvider is the default provider factory.
func (e *Engine) buildProvider(ctx context.Context, mode provider.Mode) (provider.Provider, error) {
	switch mode {
	case provider.ModeLive:
		t, err := provider.NewS7Transport(e.cfg.PLC.Gateway, e.cfg.PLC.Path, e.cfg.Symbols(), e.cfg.PLC.Timeout)
		if err != nil {
			return nil, err
		}
		return provider.NewLive(t, e.cfg.PLC.Timeout), nil
	case provider.ModeSimulated:
		sim := provider.NewSimulated(e.simConfig())
		for _, t := range e.tags {
			sim.Declare(t.Addr, t.Length)
		}
		if e.alarms != nil {
			sim.Declare(e.alarmWords(), e.cfg.Alarms.Count)
		}
		return sim, nil
	}
	return nil, fmt.Errorf("%w: provider mode %d", ErrInvalidInput, mode)
}

// simConfig fills unset simulation settings from the defaults.
func (e *Engine) simConfig() provider.SimConfig {
	sc := provider.DefaultSimConfig()
	c := e.cfg.Simulation
	if c.Max > c.Min {
		sc.Min, sc.Max = c.Min, c.Max
	}
	if c.Step > 0 {
		sc.Step = c.Step
	}
	if c.ExcursionProb > 0 {
		sc.ExcursionProb = c.ExcursionProb
	}
	if c.ExcursionLevel != 0 {
		sc.ExcursionLevel = c.ExcursionLevel
	}
	if c.BitFlipProb > 0 {
		sc.BitFlipProb = c.BitFlipProb
	}
	if c.Seed != 0 {
		sc.Seed = c.Seed
	}
	return sc
}

// probeAddress picks the address read by the startup probe: the configured
// probe tag, else the first acquired tag, else the first alarm word.
func (e *Engine) probeAddress() (tag.Address, bool) {
	name := e.cfg.PLC.ProbeTag
	if name == "" && len(e.tags) > 0 {
		name = e.tags[0].Name
	}
	if name != "" {
		if addr, err := e.resolve(name); err == nil {
			return addr.WordAddress(), true
		}
		if t, ok := e.byName[name]; ok {
			return e.address(t).At(0).WordAddress(), true
		}
	}
	if e.alarms != nil {
		return e.alarmWords().At(0).WordAddress(), true
	}
	return tag.Address{}, false
}

// probe reads one tag through a throwaway live provider.
func (e *Engine) probe(ctx context.Context) error {
	addr, ok := e.probeAddress()
	if !ok {
		return fmt.Errorf("nothing to probe")
	}
	p, err := e.factory(ctx, provider.ModeLive)
	if err != nil {
		return err
	}
	defer p.Close()

	timeout := e.cfg.PLC.Timeout
	if timeout <= 0 {
		timeout = provider.DefaultTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if live, ok := p.(*provider.Live); ok {
		return live.Probe(pctx, addr)
	}
	_, err = p.Read(pctx, addr)
	return err
}

// wirePublishers connects the live store, the alarm bus and the write paths
// to the publishers.
func (e *Engine) wirePublishers() {
	// Observers run on the acquisition goroutine; hand off so a slow broker
	// never stretches a cycle.
	e.store.Observe(func(r livestore.Record) {
		select {
		case e.values <- r:
		default:
			logging.DebugLog("publish", "value queue full, dropping %s", r.Name)
		}
	})

	writeHandler := func(name string, v tag.Value) error {
		ctx, cancel := context.WithTimeout(context.Background(), e.writeTimeout())
		defer cancel()
		return e.WriteTag(ctx, name, v)
	}
	e.mqttMgr.SetWriteHandler(writeHandler)
	e.mqttMgr.SetWriteValidator(e.IsWritable)
	e.mqttMgr.SetKindLookup(e.KindOf)
	e.valkeyMgr.SetWriteHandler(writeHandler)
	e.valkeyMgr.SetWriteValidator(e.IsWritable)
	e.valkeyMgr.SetKindLookup(e.KindOf)

	e.valkeyMgr.SetOnConnectCallback(e.forcePublishAllValuesToValkey)
}

func (e *Engine) writeTimeout() time.Duration {
	if e.cfg.PLC.Timeout > 0 {
		return e.cfg.PLC.Timeout + time.Second
	}
	return 3 * time.Second
}

// startPumps starts the goroutines draining the value queue and the alarm
// event stream into the publishers.
func (e *Engine) startPumps() {
	events, cancel := e.bus.SubscribeChan(256)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.stopChan:
				return
			case r := <-e.values:
				e.publishValue(r, false)
			}
		}
	}()
	go func() {
		defer e.wg.Done()
		defer cancel()
		for {
			select {
			case <-e.stopChan:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				e.mqttMgr.PublishEvent(ev)
				e.valkeyMgr.PublishEvent(ev)
				e.kafkaMgr.PublishEvent(ev)
				e.natsMgr.PublishEvent(ev)
			}
		}
	}()
}

func (e *Engine) publishValue(r livestore.Record, force bool) {
	if r.Value.IsError() {
		return
	}
	typeName := r.Value.Kind().String()
	value := r.Value.GoValue()
	if e.mqttMgr.AnyRunning() {
		e.mqttMgr.Publish(r.Name, typeName, value, force)
	}
	if e.valkeyMgr.AnyRunning() {
		e.valkeyMgr.Publish(r.Name, e.symbolOf(r.Name), typeName, value, e.IsWritable(r.Name))
	}
}

// symbolOf returns the S7 address of a tag's base, if configured.
func (e *Engine) symbolOf(name string) string {
	base, _, _ := tag.SplitElement(name)
	if t, ok := e.byName[base]; ok {
		return t.Address
	}
	return ""
}

func (e *Engine) forcePublishAllValuesToMQTT() {
	values := e.store.Snapshot()
	e.logFn("Publishing %d values to MQTT", len(values))
	for _, r := range values {
		if r.Value.IsError() {
			continue
		}
		e.mqttMgr.Publish(r.Name, r.Value.Kind().String(), r.Value.GoValue(), true)
	}
}

func (e *Engine) forcePublishAllValuesToValkey() {
	values := e.store.Snapshot()
	e.logFn("Publishing %d values to Valkey", len(values))
	for _, r := range values {
		if r.Value.IsError() {
			continue
		}
		e.valkeyMgr.Publish(r.Name, e.symbolOf(r.Name), r.Value.Kind().String(), r.Value.GoValue(), e.IsWritable(r.Name))
	}
}

// publishHealthLoop publishes the provider health every healthInterval.
func (e *Engine) publishHealthLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	e.publishHealth()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.publishHealth()
		}
	}
}

func (e *Engine) publishHealth() {
	h := e.Health()
	e.valkeyMgr.PublishHealth(h.Mode, h.Online, h.Status, h.Error)
	e.kafkaMgr.PublishHealth(h.Mode, h.Online, h.Status, h.Error)
}
