package notify

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeAndPublish(t *testing.T) {
	bus := NewBus()
	var received []AlarmEvent

	bus.Subscribe(func(e AlarmEvent) {
		received = append(received, e)
	})

	bus.Publish(AlarmEvent{Type: Triggered, Index: 7, Name: "Agitator overload"})
	bus.Publish(AlarmEvent{Type: Cleared, Index: 7})

	if len(received) != 2 {
		t.Fatalf("expected 2 events, got %d", len(received))
	}
	if received[0].Type != Triggered {
		t.Errorf("expected Triggered, got %v", received[0].Type)
	}
	if received[1].Type != Cleared {
		t.Errorf("expected Cleared, got %v", received[1].Type)
	}
}

func TestSubscribeTypes(t *testing.T) {
	bus := NewBus()
	var received []AlarmEvent

	bus.SubscribeTypes(func(e AlarmEvent) {
		received = append(received, e)
	}, ThresholdTriggered, ThresholdCleared)

	bus.Publish(AlarmEvent{Type: ThresholdTriggered, Name: "TankWeight", Value: 520})
	bus.Publish(AlarmEvent{Type: Triggered, Index: 3}) // filtered
	bus.Publish(AlarmEvent{Type: ThresholdCleared, Name: "TankWeight", Value: 480})

	if len(received) != 2 {
		t.Fatalf("expected 2 filtered events, got %d", len(received))
	}
	if received[0].Value != 520 || received[1].Value != 480 {
		t.Errorf("unexpected values %v, %v", received[0].Value, received[1].Value)
	}
}

func TestRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var order []string

	bus.Subscribe(func(AlarmEvent) { order = append(order, "history") })
	bus.Subscribe(func(AlarmEvent) { order = append(order, "mqtt") })
	bus.Subscribe(func(AlarmEvent) { order = append(order, "sse") })

	bus.Publish(AlarmEvent{Type: Triggered})

	want := []string{"history", "mqtt", "sse"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	count := 0

	id := bus.Subscribe(func(e AlarmEvent) {
		count++
	})

	bus.Publish(AlarmEvent{Type: Triggered})
	if count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}

	bus.Unsubscribe(id)
	bus.Publish(AlarmEvent{Type: Triggered})
	if count != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", count)
	}

	// Should not panic
	bus.Unsubscribe(999)
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	bus := NewBus()
	var id int
	second := 0

	id = bus.Subscribe(func(AlarmEvent) { bus.Unsubscribe(id) })
	bus.Subscribe(func(AlarmEvent) { second++ })

	bus.Publish(AlarmEvent{Type: Triggered})
	bus.Publish(AlarmEvent{Type: Triggered})

	if second != 2 {
		t.Errorf("second subscriber called %d times, want 2", second)
	}
	if bus.Len() != 1 {
		t.Errorf("expected 1 subscription left, got %d", bus.Len())
	}
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := NewBus()
	var received AlarmEvent

	bus.Subscribe(func(e AlarmEvent) {
		received = e
	})

	bus.Publish(AlarmEvent{Type: Triggered})
	if received.At.IsZero() {
		t.Error("expected non-zero timestamp")
	}

	at := time.Date(2024, 5, 2, 14, 30, 0, 0, time.UTC)
	bus.Publish(AlarmEvent{Type: Cleared, At: at})
	if !received.At.Equal(at) {
		t.Errorf("timestamp overwritten: %v", received.At)
	}
}

func TestSubscribeChanDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.SubscribeChan(2)
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(AlarmEvent{Type: Triggered, Index: i})
	}

	if got := bus.Dropped(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
	first := <-ch
	second := <-ch
	if first.Index != 0 || second.Index != 1 {
		t.Errorf("got indices %d, %d", first.Index, second.Index)
	}
}

func TestSubscribeChanCancel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.SubscribeChan(1)

	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Error("channel not closed after cancel")
	}
	// Publishing after cancel must not panic.
	bus.Publish(AlarmEvent{Type: Triggered})
	if bus.Len() != 0 {
		t.Errorf("subscription left after cancel")
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e AlarmEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(AlarmEvent{Type: Triggered})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 100 {
		t.Errorf("expected 100, got %d", count)
	}
}

func TestEventTypeText(t *testing.T) {
	for _, typ := range []EventType{Triggered, Cleared, ThresholdTriggered, ThresholdCleared} {
		b, _ := typ.MarshalText()
		var back EventType
		if err := back.UnmarshalText(b); err != nil || back != typ {
			t.Errorf("%v: round trip gave %v, %v", typ, back, err)
		}
	}
	var bad EventType
	if err := bad.UnmarshalText([]byte("exploded")); err == nil {
		t.Error("expected error for unknown type")
	}
}
