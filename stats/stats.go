package stats

import (
	"sync"
)

type Stage string

const (
	StageLoad   Stage = "load"
	StageList   Stage = "list"
	StageFetch  Stage = "fetch"
	StageAppend Stage = "append"
	StageAck    Stage = "acknowledge"
)

type EventType string

const (
	EventTypeListed       EventType = "listed"
	EventTypeDuplicate    EventType = "duplicate"
	EventTypeFiltered     EventType = "filtered"
	EventTypeAccepted     EventType = "accepted"
	EventTypeAppended     EventType = "appended"
	EventTypeAcknowledged EventType = "acknowledged"
	EventTypeError        EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	// Count is the batch size of listed and appended events. Other events
	// stand for a single message.
	Count int
	Err   error
}

func (e Event) n() int {
	switch e.Type {
	case EventTypeListed, EventTypeAppended:
		return e.Count
	}
	return 1
}

// Recorder receives run events synchronously from the sync loop.
type Recorder interface {
	Record(Event)
}

// Multi fans events out to several recorders, skipping nil ones.
type Multi []Recorder

func (m Multi) Record(evt Event) {
	for _, r := range m {
		if r != nil {
			r.Record(evt)
		}
	}
}

type Summary struct {
	Listed       int
	Duplicates   int
	Filtered     int
	Accepted     int
	Appended     int
	Acknowledged int
	Errors       int
	LastError    error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"listed", s.Listed,
		"duplicates", s.Duplicates,
		"filtered", s.Filtered,
		"accepted", s.Accepted,
		"appended", s.Appended,
		"acknowledged", s.Acknowledged,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeListed:
		c.summary.Listed += evt.n()
	case EventTypeDuplicate:
		c.summary.Duplicates += evt.n()
	case EventTypeFiltered:
		c.summary.Filtered += evt.n()
	case EventTypeAccepted:
		c.summary.Accepted += evt.n()
	case EventTypeAppended:
		c.summary.Appended += evt.n()
	case EventTypeAcknowledged:
		c.summary.Acknowledged += evt.n()
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}
