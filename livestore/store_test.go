package livestore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"batchhmi/tag"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func TestFreshnessDerivedOnRead(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: base}
	s := New(5 * time.Second)
	s.SetClock(clock.Now)

	s.Put("TankWeight", tag.Float32Value(412), base)

	tests := []struct {
		offset time.Duration
		fresh  bool
	}{
		{0, true},
		{4 * time.Second, true},
		{4999 * time.Millisecond, true},
		{5 * time.Second, false},
		{6 * time.Second, false},
	}
	for _, tc := range tests {
		clock.Set(base.Add(tc.offset))
		if got := s.Fresh("TankWeight"); got != tc.fresh {
			t.Errorf("Fresh at T+%v = %v, want %v", tc.offset, got, tc.fresh)
		}
		r, _ := s.Get("TankWeight")
		if got := r.Fresh(clock.Now(), s.Window()); got != tc.fresh {
			t.Errorf("Record.Fresh at T+%v = %v, want %v", tc.offset, got, tc.fresh)
		}
	}
}

func TestFailKeepsPreviousValue(t *testing.T) {
	s := New(0)
	at := time.Now()
	s.Put("Level", tag.Float32Value(10), at)

	boom := errors.New("gateway unreachable")
	s.Fail("Level", tag.ErrorUnreachable, boom)

	r, ok := s.Get("Level")
	if !ok {
		t.Fatal("record missing")
	}
	if f, _ := r.Value.Float32(); f != 10 {
		t.Errorf("value = %v, want 10", r.Value)
	}
	if !r.LastUpdated.Equal(at) {
		t.Error("failure moved LastUpdated")
	}
	if r.ErrorKind != tag.ErrorUnreachable || r.LastError != boom {
		t.Errorf("last error = %v/%v", r.ErrorKind, r.LastError)
	}

	// A later success replaces the record.
	s.Put("Level", tag.Float32Value(11), at.Add(time.Second))
	r, _ = s.Get("Level")
	if r.LastError != nil {
		t.Error("success should replace the record")
	}
}

func TestFailBeforeFirstRead(t *testing.T) {
	s := New(0)
	s.Fail("Ghost", tag.ErrorNotFound, errors.New("no symbol"))

	if _, ok := s.Get("Ghost"); ok {
		t.Error("record created without a successful read")
	}
	if kind, err := s.LastError("Ghost"); kind != tag.ErrorNotFound || err == nil {
		t.Errorf("LastError = %v, %v", kind, err)
	}
	snap := s.Snapshot()
	if len(snap) != 1 || !snap[0].Value.IsError() {
		t.Errorf("snapshot = %+v", snap)
	}

	s.Put("Ghost", tag.Int32Value(1), time.Now())
	if len(s.Snapshot()) != 1 {
		t.Error("failure entry not replaced by first read")
	}
}

func TestObserversInOrder(t *testing.T) {
	s := New(0)
	var order []int
	s.Observe(func(r Record) { order = append(order, 1) })
	s.Observe(func(r Record) {
		order = append(order, 2)
		// Observers run outside the lock.
		if _, ok := s.Get(r.Name); !ok {
			t.Error("record not visible to observer")
		}
	})

	s.Put("A", tag.BoolValue(true), time.Now())
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v", order)
	}
}

func TestConcurrentReaders(t *testing.T) {
	s := New(0)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if r, ok := s.Get("Counter"); ok {
					if _, valid := r.Value.Int32(); !valid {
						t.Error("reader saw a half-written record")
						return
					}
				}
				s.Snapshot()
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		s.Put("Counter", tag.Int32Value(int32(i)), time.Now())
	}
	close(stop)
	wg.Wait()
}
