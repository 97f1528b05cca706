package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"batchhmi/logging"
	"batchhmi/metrics"
)

// FanOut tracks the outstanding notification of every key and forwards
// show/update/close requests to a Surface. A key never has more than one
// outstanding handle: showing a key that already has one retracts the old
// handle first.
//
// Surface calls are made outside the lock so a slow surface never blocks
// readers of Outstanding.
type FanOut struct {
	surface Surface

	mu      sync.Mutex
	entries map[Key]*entry
	seq     uint64
	logFn   func(format string, args ...interface{})
}

type entry struct {
	handle   Handle
	timer    *time.Timer
	closeSeq uint64 // nonzero while a delayed close is pending
}

// NewFanOut creates a fan-out delivering to surface.
func NewFanOut(surface Surface) *FanOut {
	if surface == nil {
		surface = LogSurface{}
	}
	return &FanOut{
		surface: surface,
		entries: make(map[Key]*entry),
	}
}

// SetLogFunc sets the logging callback for surface failures.
func (f *FanOut) SetLogFunc(fn func(format string, args ...interface{})) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logFn = fn
}

// Show opens a notification for key and returns its handle.
func (f *FanOut) Show(key Key, title, message string) Handle {
	h := Handle(uuid.NewString())

	f.mu.Lock()
	old, had := f.entries[key]
	if had {
		f.stopTimer(old)
	}
	f.entries[key] = &entry{handle: h}
	f.mu.Unlock()

	if had {
		f.deliver("close", key, f.surface.Close(old.handle))
	}
	f.deliver("show", key, f.surface.Show(h, title, message))
	return h
}

// Update changes the displayed value of key's notification. It reports
// false if key has no outstanding handle.
func (f *FanOut) Update(key Key, display string) bool {
	f.mu.Lock()
	e, ok := f.entries[key]
	f.mu.Unlock()
	if !ok {
		return false
	}
	f.deliver("update", key, f.surface.Update(e.handle, display))
	return true
}

// Close retracts key's notification immediately.
func (f *FanOut) Close(key Key) bool {
	f.mu.Lock()
	e, ok := f.entries[key]
	if ok {
		f.stopTimer(e)
		delete(f.entries, key)
	}
	f.mu.Unlock()
	if !ok {
		return false
	}
	f.deliver("close", key, f.surface.Close(e.handle))
	return true
}

// CloseAfter retracts key's notification once d has elapsed. The handle
// stays outstanding until then; Show, Close or CancelClose supersede it.
func (f *FanOut) CloseAfter(key Key, d time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return false
	}
	f.stopTimer(e)
	f.seq++
	seq := f.seq
	e.closeSeq = seq
	e.timer = time.AfterFunc(d, func() { f.expire(key, e, seq) })
	return true
}

// CancelClose cancels a pending delayed close and returns the handle that
// remains outstanding for key.
func (f *FanOut) CancelClose(key Key) (Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return "", false
	}
	f.stopTimer(e)
	return e.handle, true
}

// ClosePending reports whether key's notification is scheduled to close.
func (f *FanOut) ClosePending(key Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	return ok && e.closeSeq != 0
}

// Handle returns key's outstanding handle.
func (f *FanOut) Handle(key Key) (Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	if !ok {
		return "", false
	}
	return e.handle, true
}

// Outstanding returns a copy of the key to handle map.
func (f *FanOut) Outstanding() map[Key]Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[Key]Handle, len(f.entries))
	for k, e := range f.entries {
		out[k] = e.handle
	}
	return out
}

// Count returns the number of outstanding handles.
func (f *FanOut) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// stopTimer must be called with f.mu held.
func (f *FanOut) stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.closeSeq = 0
}

func (f *FanOut) expire(key Key, e *entry, seq uint64) {
	f.mu.Lock()
	if f.entries[key] != e || e.closeSeq != seq {
		f.mu.Unlock()
		return
	}
	delete(f.entries, key)
	f.mu.Unlock()
	f.deliver("close", key, f.surface.Close(e.handle))
}

func (f *FanOut) deliver(op string, key Key, err error) {
	if err == nil {
		logging.DebugLog("notify", "%s %s", op, key)
		return
	}
	metrics.IncPublishError("surface")
	f.mu.Lock()
	fn := f.logFn
	f.mu.Unlock()
	if fn != nil {
		fn("Notification %s for %s failed: %v", op, key, err)
	}
}
