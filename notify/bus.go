package notify

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies an alarm transition.
type EventType int

const (
	Triggered EventType = iota + 1
	Cleared
	ThresholdTriggered
	ThresholdCleared
)

func (t EventType) String() string {
	switch t {
	case Triggered:
		return "triggered"
	case Cleared:
		return "cleared"
	case ThresholdTriggered:
		return "threshold_triggered"
	case ThresholdCleared:
		return "threshold_cleared"
	default:
		return "unknown"
	}
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	for _, c := range []EventType{Triggered, Cleared, ThresholdTriggered, ThresholdCleared} {
		if c.String() == string(b) {
			*t = c
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", b)
}

// Rising reports whether t opens a notification.
func (t EventType) Rising() bool {
	return t == Triggered || t == ThresholdTriggered
}

// AlarmEvent is one alarm or threshold transition. Index is the alarm index
// for alarm events and zero for threshold events; Value carries the sample
// that caused a threshold transition.
type AlarmEvent struct {
	Type     EventType `json:"type"`
	Index    int       `json:"index"`
	Name     string    `json:"name"`
	Severity string    `json:"severity,omitempty"`
	Value    float64   `json:"value,omitempty"`
	At       time.Time `json:"at"`
}

type subscriber struct {
	id    int
	fn    func(AlarmEvent)
	types map[EventType]bool
}

// Bus delivers alarm events to subscribers in registration order. The
// subscriber list is copied before dispatch so a subscriber may unsubscribe
// from inside its callback.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscriber
	nextID  int
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn for every event and returns its subscription ID.
func (b *Bus) Subscribe(fn func(AlarmEvent)) int {
	return b.SubscribeTypes(fn)
}

// SubscribeTypes registers fn for the listed event types only. No types
// means all types.
func (b *Bus) SubscribeTypes(fn func(AlarmEvent), types ...EventType) int {
	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscriber{id: b.nextID, fn: fn, types: filter})
	return b.nextID
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish stamps ev if needed and delivers it to every matching subscriber.
func (b *Bus) Publish(ev AlarmEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.types != nil && !s.types[ev.Type] {
			continue
		}
		s.fn(ev)
	}
}

// SubscribeChan returns a buffered stream of events and a cancel func that
// unsubscribes and closes the channel. Events that do not fit in the buffer
// are dropped and counted rather than blocking the publisher.
func (b *Bus) SubscribeChan(buffer int) (<-chan AlarmEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan AlarmEvent, buffer)

	var (
		mu     sync.Mutex
		closed bool
	)
	id := b.Subscribe(func(ev AlarmEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.Unsubscribe(id)
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel
}

// Dropped returns the number of events dropped for slow channel subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Len returns the number of subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
