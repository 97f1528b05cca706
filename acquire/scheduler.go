// Package acquire runs the fixed-period poll cycle that feeds the live value
// store.
package acquire

import (
	"context"
	"fmt"
	"sync"
	"time"

	"batchhmi/livestore"
	"batchhmi/logging"
	"batchhmi/metrics"
	"batchhmi/provider"
	"batchhmi/tag"
)

// DefaultPeriod is the general process tag poll period.
const DefaultPeriod = time.Second

// Tag is one acquisition target. Arrays (Length > 0) are read with chunked
// block reads and stored element by element as Name[i].
type Tag struct {
	Name   string
	Addr   tag.Address
	Length int
}

// Source hands out the active provider for the duration of one cycle.
type Source interface {
	Acquire() (provider.Provider, func())
}

// Stats describes the most recent cycle.
type Stats struct {
	Cycles         uint64
	Overruns       uint64
	LastCycle      time.Time
	LastDuration   time.Duration
	TagsRead       int
	Failures       int
	DegradedBlocks int
	LastError      error
}

// Scheduler polls the configured tags on a fixed period. Cycles never
// overlap: the loop is a single goroutine, ticks that arrive while a cycle is
// running are dropped, and RunOnce waits for any running cycle.
type Scheduler struct {
	source    Source
	store     *livestore.Store
	tags      []Tag
	period    time.Duration
	chunkSize int

	cycleMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	afterCycle []func(ctx context.Context)
	logFn      func(format string, args ...interface{})

	stats   Stats
	statsMu sync.RWMutex
}

// New creates a scheduler. A non-positive period uses DefaultPeriod.
func New(source Source, store *livestore.Store, tags []Tag, period time.Duration) *Scheduler {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Scheduler{
		source:    source,
		store:     store,
		tags:      tags,
		period:    period,
		chunkSize: tag.DefaultChunkSize,
	}
}

// SetChunkSize sets the block read chunk size.
func (s *Scheduler) SetChunkSize(n int) {
	if n > 0 {
		s.chunkSize = n
	}
}

// SetLogFunc sets the logging callback.
func (s *Scheduler) SetLogFunc(fn func(format string, args ...interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logFn = fn
}

func (s *Scheduler) log(format string, args ...interface{}) {
	s.mu.RLock()
	fn := s.logFn
	s.mu.RUnlock()
	if fn != nil {
		fn(format, args...)
	}
}

// AfterCycle registers fn to run on the scheduler goroutine after every
// cycle, once the provider has been released.
func (s *Scheduler) AfterCycle(fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterCycle = append(s.afterCycle, fn)
}

// Period returns the poll period.
func (s *Scheduler) Period() time.Duration { return s.period }

// Start begins polling in a background goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pollLoop(ctx)
}

// Stop halts polling and waits for the running cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()
}

// GetStats returns the stats of the last cycle.
func (s *Scheduler) GetStats() Stats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one full cycle and returns its stats.
func (s *Scheduler) RunOnce(ctx context.Context) Stats {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := time.Now()
	read, failures, degraded, lastErr := s.cycle(ctx)
	elapsed := time.Since(start)

	s.mu.RLock()
	hooks := make([]func(context.Context), len(s.afterCycle))
	copy(hooks, s.afterCycle)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx)
	}

	s.statsMu.Lock()
	s.stats.Cycles++
	if elapsed > s.period {
		s.stats.Overruns++
	}
	s.stats.LastCycle = start
	s.stats.LastDuration = elapsed
	s.stats.TagsRead = read
	s.stats.Failures = failures
	s.stats.DegradedBlocks = degraded
	s.stats.LastError = lastErr
	stats := s.stats
	s.statsMu.Unlock()

	metrics.ObserveCycle("acquire", elapsed, failures > 0 || degraded > 0)
	if elapsed > s.period {
		metrics.IncOverrun("acquire")
		s.log("Acquisition cycle took %v, longer than period %v; next tick skipped", elapsed, s.period)
	}
	logging.DebugLog("acquire", "cycle: %d tags, %d failures, %d degraded blocks in %v", read, failures, degraded, elapsed)
	return stats
}

// cycle reads every tag once. A failing tag never stops the others.
func (s *Scheduler) cycle(ctx context.Context) (read, failures, degraded int, lastErr error) {
	p, release := s.source.Acquire()
	defer release()
	if p == nil {
		return 0, len(s.tags), 0, fmt.Errorf("no active provider")
	}

	for _, t := range s.tags {
		if ctx.Err() != nil {
			break
		}
		var (
			f   int
			deg bool
			err error
		)
		switch {
		case t.Length > 0 && t.Addr.Packed && t.Addr.Kind == tag.KindBool:
			f, deg, err = s.readPacked(ctx, p, t)
		case t.Length > 0:
			f, deg, err = s.readArray(ctx, p, t)
		default:
			err = s.readScalar(ctx, p, t)
			if err != nil {
				f = 1
			}
		}
		read++
		failures += f
		if deg {
			degraded++
		}
		if err != nil {
			lastErr = err
		}
	}
	return read, failures, degraded, lastErr
}

func (s *Scheduler) readScalar(ctx context.Context, p provider.Provider, t Tag) error {
	v, err := p.Read(ctx, t.Addr)
	if err != nil {
		s.fail(t.Name, err)
		return err
	}
	s.store.Put(t.Name, v, s.store.Now())
	return nil
}

func (s *Scheduler) readArray(ctx context.Context, p provider.Provider, t Tag) (int, bool, error) {
	block := tag.ReadBlock(ctx, p, t.Addr, t.Length, s.chunkSize)
	now := s.store.Now()
	failures := 0
	for i, v := range block.Values {
		name := tag.ElementName(t.Name, i)
		if block.Stale(i) {
			failures++
			err := chunkErr(block, i)
			s.store.Fail(name, provider.KindOf(err), err)
			continue
		}
		s.store.Put(name, v, now)
	}
	if !block.Complete() {
		metrics.AddDegradedChunks(t.Name, len(block.Degraded))
		metrics.IncReadError(provider.KindOf(block.Degraded[0].Err).String())
		s.log("Block read %s degraded: %v", t.Name, block.Err())
		return failures, true, block.Err()
	}
	return 0, false, nil
}

func (s *Scheduler) readPacked(ctx context.Context, p provider.Provider, t Tag) (int, bool, error) {
	block := provider.ReadWords(ctx, p, t.Addr, t.Length, s.chunkSize)
	words := block.Words()
	now := s.store.Now()
	failures := 0
	for i := 0; i < t.Length; i++ {
		name := tag.ElementName(t.Name, i)
		w := tag.WordIndex(i)
		if block.Stale(w) {
			failures++
			err := chunkErr(block, w)
			s.store.Fail(name, provider.KindOf(err), err)
			continue
		}
		b, err := tag.DecodeIndex(words, i)
		if err != nil {
			failures++
			s.store.Fail(name, tag.ErrorTypeMismatch, err)
			continue
		}
		s.store.Put(name, tag.BoolValue(b), now)
	}
	if !block.Complete() {
		metrics.AddDegradedChunks(t.Name, len(block.Degraded))
		s.log("Packed read %s degraded: %v", t.Name, block.Err())
		return failures, true, block.Err()
	}
	return failures, false, nil
}

func (s *Scheduler) fail(name string, err error) {
	kind := provider.KindOf(err)
	s.store.Fail(name, kind, err)
	metrics.IncReadError(kind.String())
	s.log("Read %s failed: %v", name, err)
}

// chunkErr returns the error of the chunk holding element i.
func chunkErr(b tag.Block, i int) error {
	for _, d := range b.Degraded {
		if i >= d.Start && i < d.Start+d.Count {
			return d
		}
	}
	return nil
}
