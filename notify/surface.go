// Package notify delivers alarm and threshold transitions to operator-facing
// surfaces and to in-process subscribers.
package notify

import (
	"errors"
	"fmt"
)

// Handle identifies one outstanding operator notification.
type Handle string

// Key is the identity a notification belongs to. Each key owns at most one
// outstanding handle.
type Key struct {
	Source string
	Index  int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Source, k.Index)
}

// Sources used by the monitors.
const (
	SourceAlarm     = "alarm"
	SourceThreshold = "threshold"
)

// AlarmKey returns the key of alarm index i.
func AlarmKey(i int) Key { return Key{Source: SourceAlarm, Index: i} }

// Surface is an operator notification surface (popup, dashboard banner).
type Surface interface {
	Show(h Handle, title, message string) error
	Update(h Handle, display string) error
	Close(h Handle) error
}

// LogSurface writes notifications to a log callback. It is the fallback
// surface when no operator UI is connected.
type LogSurface struct {
	LogFunc func(format string, args ...interface{})
}

func (s LogSurface) log(format string, args ...interface{}) {
	if s.LogFunc != nil {
		s.LogFunc(format, args...)
	}
}

func (s LogSurface) Show(h Handle, title, message string) error {
	s.log("[%s] %s: %s", h, title, message)
	return nil
}

func (s LogSurface) Update(h Handle, display string) error {
	s.log("[%s] %s", h, display)
	return nil
}

func (s LogSurface) Close(h Handle) error {
	s.log("[%s] closed", h)
	return nil
}

// MultiSurface forwards every call to all of its surfaces. A failing surface
// does not stop delivery to the rest.
type MultiSurface []Surface

func (m MultiSurface) Show(h Handle, title, message string) error {
	var errs []error
	for _, s := range m {
		if err := s.Show(h, title, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSurface) Update(h Handle, display string) error {
	var errs []error
	for _, s := range m {
		if err := s.Update(h, display); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSurface) Close(h Handle) error {
	var errs []error
	for _, s := range m {
		if err := s.Close(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
