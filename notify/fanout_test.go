package notify

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type call struct {
	op      string
	handle  Handle
	title   string
	display string
}

// recordingSurface keeps every call and the set of open handles.
type recordingSurface struct {
	mu    sync.Mutex
	calls []call
	open  map[Handle]bool
	err   error
}

func newRecording() *recordingSurface {
	return &recordingSurface{open: make(map[Handle]bool)}
}

func (s *recordingSurface) Show(h Handle, title, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{op: "show", handle: h, title: title})
	s.open[h] = true
	return s.err
}

func (s *recordingSurface) Update(h Handle, display string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{op: "update", handle: h, display: display})
	return s.err
}

func (s *recordingSurface) Close(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call{op: "close", handle: h})
	delete(s.open, h)
	return s.err
}

func (s *recordingSurface) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func (s *recordingSurface) ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.op
	}
	return out
}

func TestShowReplacesExistingHandle(t *testing.T) {
	surface := newRecording()
	f := NewFanOut(surface)
	key := AlarmKey(7)

	first := f.Show(key, "Alarm 7", "Agitator overload")
	second := f.Show(key, "Alarm 7", "Agitator overload")

	if first == second {
		t.Fatal("expected a fresh handle")
	}
	if f.Count() != 1 {
		t.Errorf("outstanding = %d, want 1", f.Count())
	}
	if got, _ := f.Handle(key); got != second {
		t.Errorf("handle = %s, want %s", got, second)
	}
	if surface.openCount() != 1 {
		t.Errorf("surface shows %d notifications, want 1", surface.openCount())
	}
	ops := surface.ops()
	want := []string{"show", "close", "show"}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
}

func TestUpdateAndClose(t *testing.T) {
	surface := newRecording()
	f := NewFanOut(surface)
	key := Key{Source: SourceThreshold, Index: 0}

	if f.Update(key, "520.0") {
		t.Error("update without a handle should report false")
	}
	h := f.Show(key, "Tank weight", "over limit")
	if !f.Update(key, "520.0") {
		t.Error("update failed")
	}
	if !f.Close(key) {
		t.Error("close failed")
	}
	if f.Close(key) {
		t.Error("second close should report false")
	}
	if _, ok := f.Handle(key); ok {
		t.Error("handle still outstanding")
	}

	surface.mu.Lock()
	defer surface.mu.Unlock()
	if surface.calls[1].handle != h || surface.calls[1].display != "520.0" {
		t.Errorf("update call = %+v", surface.calls[1])
	}
}

func TestCloseAfter(t *testing.T) {
	surface := newRecording()
	f := NewFanOut(surface)
	key := AlarmKey(1)

	f.Show(key, "t", "m")
	if !f.CloseAfter(key, 20*time.Millisecond) {
		t.Fatal("CloseAfter failed")
	}
	if !f.ClosePending(key) {
		t.Error("close not pending")
	}
	if f.Count() != 1 {
		t.Error("handle retracted before the grace period")
	}

	deadline := time.Now().Add(time.Second)
	for f.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.Count() != 0 {
		t.Fatal("handle not retracted after grace period")
	}
	if surface.openCount() != 0 {
		t.Error("surface still open")
	}
}

func TestCancelCloseKeepsHandle(t *testing.T) {
	surface := newRecording()
	f := NewFanOut(surface)
	key := AlarmKey(2)

	h := f.Show(key, "t", "m")
	f.CloseAfter(key, 20*time.Millisecond)
	got, ok := f.CancelClose(key)
	if !ok || got != h {
		t.Fatalf("CancelClose = %s, %v", got, ok)
	}
	time.Sleep(50 * time.Millisecond)

	if _, ok := f.Handle(key); !ok {
		t.Error("cancelled close still retracted the handle")
	}
	if f.ClosePending(key) {
		t.Error("close still pending")
	}
}

func TestShowSupersedesPendingClose(t *testing.T) {
	surface := newRecording()
	f := NewFanOut(surface)
	key := AlarmKey(3)

	f.Show(key, "t", "m")
	f.CloseAfter(key, 20*time.Millisecond)
	h := f.Show(key, "t", "m")
	time.Sleep(50 * time.Millisecond)

	if got, ok := f.Handle(key); !ok || got != h {
		t.Error("new handle retracted by the old timer")
	}
}

func TestSurfaceErrorsAreLogged(t *testing.T) {
	surface := newRecording()
	surface.err = errors.New("broker down")
	f := NewFanOut(surface)

	var logged int
	f.SetLogFunc(func(string, ...interface{}) { logged++ })

	key := AlarmKey(4)
	f.Show(key, "t", "m")
	if _, ok := f.Handle(key); !ok {
		t.Error("surface failure must not lose the handle")
	}
	if logged != 1 {
		t.Errorf("logged %d, want 1", logged)
	}
}

func TestMultiSurface(t *testing.T) {
	a, b := newRecording(), newRecording()
	a.err = errors.New("a down")
	m := MultiSurface{a, b}

	if err := m.Show("h1", "t", "m"); err == nil {
		t.Error("expected joined error")
	}
	if b.openCount() != 1 {
		t.Error("failing surface stopped delivery")
	}
	if err := m.Close("h1"); err == nil {
		t.Error("expected joined error on close")
	}
	if b.openCount() != 0 {
		t.Error("close not delivered")
	}
}
