package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType tags the variant carried by an Event.
type EventType string

const (
	// EventSession announces the session and version a generation runs under.
	EventSession EventType = "session"
	// EventStarted is the first event of every producer lifetime.
	EventStarted EventType = "started"
	// EventItem carries one extracted palette.
	EventItem EventType = "item"
	// EventCompleted terminates a producer that reached the end of its stream.
	EventCompleted EventType = "completed"
	// EventFailed terminates a producer whose backend reported an error.
	EventFailed EventType = "failed"
	// EventDone is the synthetic summary emitted once every producer terminated.
	EventDone EventType = "done"
)

// Event is the unit multiplexed from producers onto the output sink. It is a
// tagged variant: Type decides which of the remaining fields are meaningful.
//
//   - Started:   ProducerID, ProducerName
//   - Item:      ProducerID, Palette
//   - Completed: ProducerID, ItemCount, Duration
//   - Failed:    ProducerID, Err
//   - Done:      Results (producer id -> palettes, successful producers only)
//   - Session:   SessionID, Version
//
// After emission an Event must be treated as immutable.
type Event struct {
	Type         EventType            `json:"type"`
	ProducerID   string               `json:"producer_id,omitempty"`
	ProducerName string               `json:"producer_name,omitempty"`
	Palette      Palette              `json:"palette,omitempty"`
	ItemCount    int                  `json:"item_count,omitempty"`
	Duration     time.Duration        `json:"duration,omitempty"`
	Err          error                `json:"-"`
	Results      map[string][]Palette `json:"results,omitempty"`
	SessionID    string               `json:"session_id,omitempty"`
	Version      int                  `json:"version,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
}

func newEvent(t EventType, producerID string) Event {
	return Event{Type: t, ProducerID: producerID, Timestamp: time.Now().UTC()}
}

// NewStartedEvent opens a producer lifetime.
func NewStartedEvent(producerID, name string) Event {
	e := newEvent(EventStarted, producerID)
	e.ProducerName = name
	return e
}

// NewItemEvent wraps one accepted palette.
func NewItemEvent(producerID string, p Palette) Event {
	e := newEvent(EventItem, producerID)
	e.Palette = p
	return e
}

// NewCompletedEvent closes a producer lifetime successfully.
func NewCompletedEvent(producerID string, itemCount int, d time.Duration) Event {
	e := newEvent(EventCompleted, producerID)
	e.ItemCount = itemCount
	e.Duration = d
	return e
}

// NewFailedEvent closes a producer lifetime with err.
func NewFailedEvent(producerID string, err error) Event {
	e := newEvent(EventFailed, producerID)
	e.Err = err
	return e
}

// NewDoneEvent builds the synthetic summary event.
func NewDoneEvent(results map[string][]Palette) Event {
	e := newEvent(EventDone, "")
	if results == nil {
		results = map[string][]Palette{}
	}
	e.Results = results
	return e
}

// NewSessionEvent announces the session a generation is recorded under.
func NewSessionEvent(sessionID string, version int) Event {
	e := newEvent(EventSession, "")
	e.SessionID = sessionID
	e.Version = version
	return e
}

// IsTerminal reports whether the event ends a producer's sequence.
func (e Event) IsTerminal() bool { return e.Type == EventCompleted || e.Type == EventFailed }

// ErrorMessage returns the failure text of a Failed event, or "".
func (e Event) ErrorMessage() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// NewID generates a new unique identifier (UUID v4 string).
func NewID() string { return uuid.NewString() }
