package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"batchhmi/tag"
)

// fakeTransport serves values from a map and can be told to fail or stall.
// A stalled read returns when the stall channel is closed or the transport
// is closed.
type fakeTransport struct {
	mu       sync.Mutex
	values   map[string]tag.Value
	connects int
	closes   int
	closed   bool
	shut     chan struct{}
	reads    int
	failNext error
	stall    chan struct{}
	writes   map[string]tag.Value
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		values: make(map[string]tag.Value),
		writes: make(map[string]tag.Value),
		shut:   make(chan struct{}),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.closed {
		f.closed = false
		f.shut = make(chan struct{})
	}
	return nil
}

func (f *fakeTransport) take() (chan struct{}, chan struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	err := f.failNext
	f.failNext = nil
	return f.stall, f.shut, err
}

func (f *fakeTransport) setStall(ch chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stall = ch
}

func (f *fakeTransport) set(name string, v tag.Value) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = v
}

func (f *fakeTransport) snapshot() (reads, connects, closes int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads, f.connects, f.closes, f.closed
}

func (f *fakeTransport) Read(ctx context.Context, addr tag.Address) (tag.Value, error) {
	stall, shut, err := f.take()
	if stall != nil {
		select {
		case <-stall:
		case <-shut:
			return tag.Value{}, errors.New("use of closed network connection")
		}
	}
	if err != nil {
		return tag.Value{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[addr.PhysicalName()]
	if !ok {
		return tag.Value{}, &PlcError{Kind: tag.ErrorNotFound}
	}
	return v, nil
}

func (f *fakeTransport) ReadRange(ctx context.Context, base tag.Address, start, count int) ([]tag.Value, error) {
	out := make([]tag.Value, count)
	for i := range out {
		v, err := f.Read(ctx, base.At(start+i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeTransport) Write(ctx context.Context, addr tag.Address, v tag.Value) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[addr.PhysicalName()] = v
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if !f.closed {
		f.closed = true
		close(f.shut)
	}
	return nil
}

func TestLiveRead(t *testing.T) {
	ft := newFakeTransport()
	ft.values["Level"] = tag.Float32Value(321.5)
	live := NewLive(ft, time.Second)

	v, err := live.Read(context.Background(), tag.Address{Name: "Level", Kind: tag.KindFloat32})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f, _ := v.Float32(); f != 321.5 {
		t.Errorf("value = %v, want 321.5", v)
	}

	// Handle is reused.
	live.Read(context.Background(), tag.Address{Name: "Level", Kind: tag.KindFloat32})
	if ft.connects != 1 {
		t.Errorf("connects = %d, want 1", ft.connects)
	}
}

func TestLiveErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		fail error
		want tag.ErrorKind
	}{
		{"unreachable", errors.New("connection refused"), tag.ErrorUnreachable},
		{"not found", &PlcError{Kind: tag.ErrorNotFound}, tag.ErrorNotFound},
		{"decode", &tag.DecodeError{Reason: "bad"}, tag.ErrorTypeMismatch},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ft := newFakeTransport()
			ft.values["A"] = tag.Int32Value(1)
			ft.failNext = tc.fail
			live := NewLive(ft, time.Second)

			v, err := live.Read(context.Background(), tag.Address{Name: "A", Kind: tag.KindInt32})
			if KindOf(err) != tc.want {
				t.Fatalf("KindOf = %v, want %v (err %v)", KindOf(err), tc.want, err)
			}
			if v.Err() != tc.want {
				t.Errorf("error value kind = %v, want %v", v.Err(), tc.want)
			}
			var pe *PlcError
			if !errors.As(err, &pe) || pe.Tag == "" {
				t.Errorf("expected PlcError naming the tag, got %v", err)
			}
		})
	}
}

func TestLiveReconnectsAfterUnreachable(t *testing.T) {
	ft := newFakeTransport()
	ft.values["A"] = tag.Int32Value(1)
	ft.failNext = errors.New("broken pipe")
	live := NewLive(ft, time.Second)
	addr := tag.Address{Name: "A", Kind: tag.KindInt32}

	if _, err := live.Read(context.Background(), addr); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected Unreachable, got %v", err)
	}
	if _, err := live.Read(context.Background(), addr); err != nil {
		t.Fatalf("second read: %v", err)
	}
	if ft.connects != 2 {
		t.Errorf("connects = %d, want 2", ft.connects)
	}
}

func TestLiveTimeout(t *testing.T) {
	ft := newFakeTransport()
	ft.values["A"] = tag.Int32Value(1)
	ft.stall = make(chan struct{})
	defer close(ft.stall)
	live := NewLive(ft, 50*time.Millisecond)

	start := time.Now()
	_, err := live.Read(context.Background(), tag.Address{Name: "A", Kind: tag.KindInt32})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected Timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("read blocked for %v", elapsed)
	}
	waitFor(t, func() bool {
		_, _, closes, _ := ft.snapshot()
		return closes == 1
	})
}

// A timed-out call must not leave the transport unusable: the call after it
// reconnects and reads the current value.
func TestLiveRecoversAfterTimeout(t *testing.T) {
	addr := tag.Address{Name: "A", Kind: tag.KindInt32}

	tests := []struct {
		name    string
		timeout time.Duration
	}{
		{"short deadline", 50 * time.Millisecond},
		{"long deadline", 300 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ft := newFakeTransport()
			ft.set("A", tag.Int32Value(1))
			live := NewLive(ft, tc.timeout)
			ctx := context.Background()

			if v, err := live.Read(ctx, addr); err != nil || !v.Equal(tag.Int32Value(1)) {
				t.Fatalf("first read = %v, %v", v, err)
			}

			// Never released: only closing the transport ends this read.
			ft.setStall(make(chan struct{}))
			if _, err := live.Read(ctx, addr); !errors.Is(err, ErrTimeout) {
				t.Fatalf("stalled read = %v, want Timeout", err)
			}

			ft.setStall(nil)
			ft.set("A", tag.Int32Value(2))
			start := time.Now()
			v, err := live.Read(ctx, addr)
			if err != nil {
				t.Fatalf("read after timeout: %v", err)
			}
			if !v.Equal(tag.Int32Value(2)) || v.Err() != tag.ErrorNone {
				t.Errorf("read after timeout = %v, want fresh 2", v)
			}
			if elapsed := time.Since(start); elapsed > tc.timeout {
				t.Errorf("read after timeout waited %v", elapsed)
			}
			if _, connects, _, _ := ft.snapshot(); connects != 2 {
				t.Errorf("connects = %d, want 2", connects)
			}
		})
	}
}

func TestLiveCloseWaitsForCall(t *testing.T) {
	ft := newFakeTransport()
	ft.set("A", tag.Int32Value(1))
	stall := make(chan struct{})
	ft.setStall(stall)
	live := NewLive(ft, 2*time.Second)

	readErr := make(chan error, 1)
	go func() {
		_, err := live.Read(context.Background(), tag.Address{Name: "A", Kind: tag.KindInt32})
		readErr <- err
	}()
	waitFor(t, func() bool {
		reads, _, _, _ := ft.snapshot()
		return reads == 1
	})

	closed := make(chan error, 1)
	go func() { closed <- live.Close() }()

	time.Sleep(50 * time.Millisecond)
	if _, _, closes, _ := ft.snapshot(); closes != 0 {
		t.Fatal("transport closed under an in-flight call")
	}

	close(stall)
	if err := <-readErr; err != nil {
		t.Errorf("in-flight read failed: %v", err)
	}
	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	if _, _, closes, _ := ft.snapshot(); closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
	if _, err := live.Read(context.Background(), tag.Address{Name: "A", Kind: tag.KindInt32}); !errors.Is(err, ErrUnreachable) {
		t.Errorf("read after Close = %v, want Unreachable", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 1s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLiveRejectsPackedBitWrite(t *testing.T) {
	ft := newFakeTransport()
	live := NewLive(ft, time.Second)
	addr := tag.Address{Name: "AlarmWords", Kind: tag.KindBool, Packed: true}.At(5)

	err := live.Write(context.Background(), addr, tag.BoolValue(true))
	if !errors.Is(err, tag.ErrPackedBitWrite) {
		t.Fatalf("expected ErrPackedBitWrite, got %v", err)
	}
	if !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected TypeMismatch kind, got %v", err)
	}
	if len(ft.writes) != 0 {
		t.Errorf("transport saw %d writes", len(ft.writes))
	}

	if err := live.Write(context.Background(), addr.WordAddress(), tag.Int32Value(0x20)); err != nil {
		t.Fatalf("word write: %v", err)
	}
	if v := ft.writes["AlarmWords[0]"]; !v.Equal(tag.Int32Value(0x20)) {
		t.Errorf("word write = %v", v)
	}
}

func TestReadWordsChunked(t *testing.T) {
	sim := NewSimulated(SimConfig{Min: 100, Max: 600, Step: 5, Seed: 3})
	array := tag.Address{Name: "AlarmWords", Kind: tag.KindBool, Packed: true}
	sim.Declare(array, 900)
	sim.SetWord("AlarmWords", 28, 1<<3)

	block := ReadWords(context.Background(), sim, array, 900, 10)
	if !block.Complete() {
		t.Fatalf("degraded: %v", block.Degraded)
	}
	if len(block.Values) != 29 {
		t.Fatalf("words = %d, want 29", len(block.Values))
	}
	flags, err := tag.DecodeWords(block.Words(), 900)
	if err != nil {
		t.Fatal(err)
	}
	for i, on := range flags {
		if on != (i == 899) {
			t.Fatalf("flag %d = %v", i, on)
		}
	}
}

func TestSimulatedBounded(t *testing.T) {
	sim := NewSimulated(SimConfig{Min: 100, Max: 600, Step: 5, Seed: 42})
	addr := tag.Address{Name: "TankWeight", Kind: tag.KindFloat32}
	sim.Declare(addr, 0)

	prev, _ := sim.Read(context.Background(), addr)
	p, _ := prev.Float32()
	for i := 0; i < 2000; i++ {
		v, err := sim.Read(context.Background(), addr)
		if err != nil {
			t.Fatal(err)
		}
		f, _ := v.Float32()
		if f < 100 || f > 600 {
			t.Fatalf("value %v outside [100,600]", f)
		}
		if d := f - p; d > 5.0001 || d < -5.0001 {
			t.Fatalf("step %v exceeds 5", d)
		}
		p = f
	}
}

func TestSimulatedExcursion(t *testing.T) {
	sim := NewSimulated(SimConfig{Min: 100, Max: 600, Step: 5, ExcursionProb: 1, ExcursionLevel: 500, Seed: 1})
	addr := tag.Address{Name: "TankWeight", Kind: tag.KindFloat32}
	sim.Declare(addr, 0)

	v, _ := sim.Read(context.Background(), addr)
	if f, _ := v.Float32(); f < 500 {
		t.Errorf("excursion value %v below 500", f)
	}
}

func TestSimulatedUnknownTag(t *testing.T) {
	sim := NewSimulated(DefaultSimConfig())
	_, err := sim.Read(context.Background(), tag.Address{Name: "Nope", Kind: tag.KindFloat32})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

type countingProvider struct {
	*Simulated
	mode   Mode
	closed atomic.Bool
}

func (c *countingProvider) Mode() Mode { return c.mode }
func (c *countingProvider) Close() error {
	c.closed.Store(true)
	return nil
}

func TestSwitcherIdempotent(t *testing.T) {
	builds := 0
	initial := &countingProvider{Simulated: NewSimulated(DefaultSimConfig()), mode: ModeSimulated}
	sw := NewSwitcher(initial, func(ctx context.Context, m Mode) (Provider, error) {
		builds++
		return &countingProvider{Simulated: NewSimulated(DefaultSimConfig()), mode: m}, nil
	})

	if err := sw.SetMode(context.Background(), ModeSimulated); err != nil {
		t.Fatal(err)
	}
	if builds != 0 || initial.closed.Load() {
		t.Errorf("same-mode switch rebuilt provider (builds=%d)", builds)
	}
}

func TestSwitcherDrainsInFlightCycle(t *testing.T) {
	initial := &countingProvider{Simulated: NewSimulated(DefaultSimConfig()), mode: ModeSimulated}
	var resets atomic.Int32
	sw := NewSwitcher(initial, func(ctx context.Context, m Mode) (Provider, error) {
		return &countingProvider{Simulated: NewSimulated(DefaultSimConfig()), mode: m}, nil
	})
	sw.OnReset(func() {
		if !initial.closed.Load() {
			t.Error("reset ran before old provider closed")
		}
		resets.Add(1)
	})

	p, release := sw.Acquire()
	if p != initial {
		t.Fatal("unexpected provider")
	}

	done := make(chan error)
	go func() { done <- sw.SetMode(context.Background(), ModeLive) }()

	select {
	case <-done:
		t.Fatal("swap completed while a cycle held the provider")
	case <-time.After(50 * time.Millisecond):
	}
	if initial.closed.Load() {
		t.Fatal("old provider closed during in-flight cycle")
	}

	release()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !initial.closed.Load() {
		t.Error("old provider not closed")
	}
	if resets.Load() != 1 {
		t.Errorf("reset hooks ran %d times, want 1", resets.Load())
	}
	if sw.Mode() != ModeLive {
		t.Errorf("mode = %v, want live", sw.Mode())
	}
}

func TestSwitcherFactoryFailureKeepsOld(t *testing.T) {
	initial := &countingProvider{Simulated: NewSimulated(DefaultSimConfig()), mode: ModeSimulated}
	sw := NewSwitcher(initial, func(ctx context.Context, m Mode) (Provider, error) {
		return nil, errors.New("gateway down")
	})
	if err := sw.SetMode(context.Background(), ModeLive); err == nil {
		t.Fatal("expected error")
	}
	if sw.Mode() != ModeSimulated || initial.closed.Load() {
		t.Error("failed swap disturbed the active provider")
	}
}

func TestParseRackSlot(t *testing.T) {
	tests := []struct {
		in         string
		rack, slot int
		ok         bool
	}{
		{"", 0, 0, true},
		{"0,1", 0, 1, true},
		{" 0 , 2 ", 0, 2, true},
		{"1", 0, 0, false},
		{"a,b", 0, 0, false},
	}
	for _, tc := range tests {
		r, s, err := ParseRackSlot(tc.in)
		if (err == nil) != tc.ok || r != tc.rack || s != tc.slot {
			t.Errorf("ParseRackSlot(%q) = %d,%d,%v", tc.in, r, s, err)
		}
		var cfgErr *tag.ConfigError
		if !tc.ok && !errors.As(err, &cfgErr) {
			t.Errorf("ParseRackSlot(%q) error %v is not ConfigError", tc.in, err)
		}
	}
}

func TestS7TransportResolve(t *testing.T) {
	tr, err := NewS7Transport("10.0.0.5", "0,1", map[string]string{
		"Weights":    "DB10.DBD0",
		"AlarmWords": "DB20.0",
		"Valves":     "DB30.DBX0.0",
		"Short":      "DB1.DBW0",
	}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if tr.gateway != "10.0.0.5:102" {
		t.Errorf("gateway = %q", tr.gateway)
	}

	a, err := tr.resolve(tag.Address{Name: "Weights", Kind: tag.KindFloat32}, 120)
	if err != nil || a.Offset != 480 {
		t.Errorf("Weights[120] = %+v, %v", a, err)
	}
	a, err = tr.resolve(tag.Address{Name: "Valves", Kind: tag.KindBool}, 9)
	if err != nil || a.Offset != 1 || a.BitNum != 1 {
		t.Errorf("Valves[9] = %+v, %v", a, err)
	}
	if _, err := tr.resolve(tag.Address{Name: "Short", Kind: tag.KindInt32}, 0); !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("expected TypeMismatch for word address, got %v", err)
	}
	if _, err := tr.resolve(tag.Address{Name: "Missing", Kind: tag.KindInt32}, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
	if _, err := tr.ReadRange(context.Background(), tag.Address{Name: "Weights", Kind: tag.KindFloat32}, 0, 1); !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected Unreachable before connect, got %v", err)
	}
}
