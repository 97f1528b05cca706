// Package livestore holds the latest value of every acquired tag.
//
// One acquisition cycle writes, any number of readers read. Readers always
// get copies; freshness is derived from the record age at read time.
package livestore

import (
	"sort"
	"sync"
	"time"

	"batchhmi/tag"
)

// DefaultFreshnessWindow is the age after which a value is stale.
const DefaultFreshnessWindow = 5 * time.Second

// Record is the last good value of a tag plus its most recent error.
type Record struct {
	Name        string
	Value       tag.Value
	LastUpdated time.Time
	LastError   error
	ErrorKind   tag.ErrorKind
}

// Fresh reports whether the record is younger than window at now.
func (r Record) Fresh(now time.Time, window time.Duration) bool {
	if r.LastUpdated.IsZero() {
		return false
	}
	return now.Sub(r.LastUpdated) < window
}

// Age returns how old the value is at now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.LastUpdated)
}

// Observer is notified after every successful Put.
type Observer func(r Record)

// Store is the shared live value table. Entries are created on the first
// successful read and never deleted.
type Store struct {
	mu        sync.RWMutex
	records   map[string]Record
	failures  map[string]Record // errors of tags never read successfully
	window    time.Duration
	now       func() time.Time
	observers []Observer
}

// New creates a store. A non-positive window uses DefaultFreshnessWindow.
func New(window time.Duration) *Store {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &Store{
		records:  make(map[string]Record),
		failures: make(map[string]Record),
		window:   window,
		now:      time.Now,
	}
}

// SetClock replaces the clock used for freshness, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// Window returns the freshness window.
func (s *Store) Window() time.Duration { return s.window }

// Observe registers fn for value updates. Observers run in registration
// order on the writer's goroutine, outside the store lock.
func (s *Store) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Put records a successfully read value.
func (s *Store) Put(name string, v tag.Value, at time.Time) {
	r := Record{Name: name, Value: v, LastUpdated: at}

	s.mu.Lock()
	s.records[name] = r
	delete(s.failures, name)
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(r)
	}
}

// Fail records a read error. The previous value stays in place and turns
// stale as it ages.
func (s *Store) Fail(name string, kind tag.ErrorKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[name]; ok {
		r.LastError = err
		r.ErrorKind = kind
		s.records[name] = r
		return
	}
	s.failures[name] = Record{Name: name, Value: tag.ErrorValue(kind), LastError: err, ErrorKind: kind}
}

// Get returns a copy of the record for name. ok is false until the tag has
// been read successfully once.
func (s *Store) Get(name string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[name]
	return r, ok
}

// Fresh reports whether name holds a value younger than the window.
func (s *Store) Fresh(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[name]
	return ok && r.Fresh(s.now(), s.window)
}

// LastError returns the most recent read error of name, read or not.
func (s *Store) LastError(name string) (tag.ErrorKind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[name]; ok {
		return r.ErrorKind, r.LastError
	}
	if r, ok := s.failures[name]; ok {
		return r.ErrorKind, r.LastError
	}
	return tag.ErrorNone, nil
}

// Snapshot returns copies of all records, including tags that have only
// ever failed (with an error Value and zero LastUpdated).
func (s *Store) Snapshot() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records)+len(s.failures))
	for _, r := range s.records {
		out = append(out, r)
	}
	for _, r := range s.failures {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
