// Package history persists alarm events and their acknowledgments.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Date and time layouts of the event identity columns.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04:05.000"
)

// Event statuses.
const (
	StatusActive       = "Active"
	StatusAcknowledged = "Acknowledged"
)

// ErrNotFound is returned when no unacknowledged event matches a key.
var ErrNotFound = errors.New("alarm event not found")

// Key identifies one alarm occurrence.
type Key struct {
	AlarmNumber   int    `json:"alarm_number"`
	TriggeredDate string `json:"triggered_date"`
	TriggeredTime string `json:"triggered_time"`
}

// NewKey returns the key of alarm n triggered at at (local wall time,
// millisecond resolution).
func NewKey(n int, at time.Time) Key {
	return Key{
		AlarmNumber:   n,
		TriggeredDate: at.Format(DateLayout),
		TriggeredTime: at.Format(TimeLayout),
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%d@%s %s", k.AlarmNumber, k.TriggeredDate, k.TriggeredTime)
}

// Validate checks the date and time fields parse.
func (k Key) Validate() error {
	if k.AlarmNumber < 0 {
		return fmt.Errorf("alarm number %d is negative", k.AlarmNumber)
	}
	if _, err := time.Parse(DateLayout, k.TriggeredDate); err != nil {
		return fmt.Errorf("triggered date: %w", err)
	}
	if _, err := time.Parse(TimeLayout, k.TriggeredTime); err != nil {
		return fmt.Errorf("triggered time: %w", err)
	}
	return nil
}

// Event is one persisted alarm occurrence.
type Event struct {
	AlarmNumber      int     `json:"alarm_number"`
	TriggeredDate    string  `json:"triggered_date"`
	TriggeredTime    string  `json:"triggered_time"`
	AcknowledgedDate *string `json:"acknowledged_date,omitempty"`
	AcknowledgedTime *string `json:"acknowledged_time,omitempty"`
	AlarmType        string  `json:"alarm_type"`
	Status           string  `json:"status"`
	Name             string  `json:"name"`
}

// NewEvent builds the active event for alarm n triggered at at.
func NewEvent(n int, name, alarmType string, at time.Time) Event {
	k := NewKey(n, at)
	return Event{
		AlarmNumber:   n,
		TriggeredDate: k.TriggeredDate,
		TriggeredTime: k.TriggeredTime,
		AlarmType:     alarmType,
		Status:        StatusActive,
		Name:          name,
	}
}

// Key returns the identity of e.
func (e Event) Key() Key {
	return Key{AlarmNumber: e.AlarmNumber, TriggeredDate: e.TriggeredDate, TriggeredTime: e.TriggeredTime}
}

// Acknowledged reports whether e has been acknowledged.
func (e Event) Acknowledged() bool {
	return e.AcknowledgedDate != nil
}

func (e *Event) acknowledge(at time.Time) {
	d, t := at.Format(DateLayout), at.Format(TimeLayout)
	e.AcknowledgedDate = &d
	e.AcknowledgedTime = &t
	e.Status = StatusAcknowledged
}

// Sink stores alarm events.
type Sink interface {
	Insert(ctx context.Context, e Event) error
	Acknowledge(ctx context.Context, k Key, at time.Time) error
	List(ctx context.Context, limit int) ([]Event, error)
}
