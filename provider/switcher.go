package provider

import (
	"context"
	"fmt"
	"sync"

	"batchhmi/logging"
	"batchhmi/tag"
)

// Factory builds a provider for a mode.
type Factory func(ctx context.Context, mode Mode) (Provider, error)

// Switcher owns the active provider. Cycles hold it shared through Acquire;
// SetMode takes it exclusively, so a swap waits for in-flight cycles to
// drain and no cycle starts until the new provider is installed.
type Switcher struct {
	cycles  sync.RWMutex
	mu      sync.RWMutex
	current Provider
	factory Factory
	resets  []func()
	logFn   func(format string, args ...interface{})
}

// NewSwitcher installs initial as the active provider.
func NewSwitcher(initial Provider, factory Factory) *Switcher {
	return &Switcher{current: initial, factory: factory}
}

// SetLogFunc sets the logging callback.
func (s *Switcher) SetLogFunc(fn func(format string, args ...interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logFn = fn
}

func (s *Switcher) log(format string, args ...interface{}) {
	s.mu.RLock()
	fn := s.logFn
	s.mu.RUnlock()
	if fn != nil {
		fn(format, args...)
	}
	logging.DebugLog("plc", format, args...)
}

// OnReset registers a hook run after the old provider is closed and before
// the new one is installed. Components with provider-derived state (the
// alarm snapshot) clear it here.
func (s *Switcher) OnReset(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets = append(s.resets, fn)
}

// Acquire returns the active provider and a release func. The provider
// stays installed until release is called.
func (s *Switcher) Acquire() (Provider, func()) {
	s.cycles.RLock()
	s.mu.RLock()
	p := s.current
	s.mu.RUnlock()
	return p, s.cycles.RUnlock
}

// Mode returns the active provider's mode, or 0 if none is installed.
func (s *Switcher) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return 0
	}
	return s.current.Mode()
}

// SetMode swaps to a provider of the given mode. It is a no-op when that mode
// is already active. The new provider is built before the swap; if that
// fails the old one stays active.
func (s *Switcher) SetMode(ctx context.Context, mode Mode) error {
	if s.Mode() == mode {
		return nil
	}
	if s.factory == nil {
		return fmt.Errorf("no provider factory")
	}
	next, err := s.factory(ctx, mode)
	if err != nil {
		return fmt.Errorf("build %s provider: %w", mode, err)
	}

	s.cycles.Lock()
	defer s.cycles.Unlock()

	s.mu.Lock()
	old := s.current
	if old != nil && old.Mode() == mode {
		s.mu.Unlock()
		next.Close()
		return nil
	}
	s.current = nil
	resets := make([]func(), len(s.resets))
	copy(resets, s.resets)
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.log("closing %s provider: %v", old.Mode(), err)
		}
	}
	for _, fn := range resets {
		fn()
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	s.log("provider switched to %s", mode)
	return nil
}

// Write performs an administrative write through the active provider.
func (s *Switcher) Write(ctx context.Context, addr tag.Address, v tag.Value) error {
	p, release := s.Acquire()
	defer release()
	if p == nil {
		return ErrUnreachable
	}
	return p.Write(ctx, addr, v)
}

// Close tears down the active provider.
func (s *Switcher) Close() error {
	s.cycles.Lock()
	defer s.cycles.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	return err
}
