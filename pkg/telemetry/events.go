package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a user lifecycle event.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // emitting handler
	UserID    string                 `json:"user_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRequestSubmitted   = "request.submitted"
	EventTypeRequestRemoved     = "request.removed"
	EventTypeUserEnqueued       = "user.enqueued"
	EventTypeUserAdmitted       = "user.admitted"
	EventTypeUserReleased       = "user.released"
	EventTypeJobAugmented       = "job.augmented"
	EventTypeAllocationResolved = "allocation.resolved"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	ErrEventBufferFull      = errors.New("event buffer full")
	ErrEventPublisherClosed = errors.New("event publisher closed")
)

// EventSubscriber receives events in publish order.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans lifecycle events out to subscribers. A nil or
// disabled *EventPublisher drops every event.
type EventPublisher struct {
	async bool

	mu     sync.RWMutex
	subs   []subscription
	closed bool

	queue chan Event
	done  chan struct{}
}

// NewEventPublisher creates a publisher. In async mode a single goroutine
// delivers events, so subscribers see them in publish order.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	ep := &EventPublisher{async: cfg.Async}
	if ep.async {
		if cfg.BufferSize <= 0 {
			return nil, errors.New("async event delivery needs a positive buffer size")
		}
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.done = make(chan struct{})
		go ep.run()
	}
	return ep, nil
}

// Publish fills in missing ID, Timestamp and Level, then delivers event.
// An async publisher returns ErrEventBufferFull instead of blocking.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if !ep.async {
		ep.deliver(event)
		return nil
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrEventPublisherClosed
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return ErrEventBufferFull
	}
}

// PublishUserEvent publishes an info event about userID.
func (ep *EventPublisher) PublishUserEvent(eventType, source, userID, message string, data map[string]interface{}) error {
	return ep.Publish(Event{
		Type:    eventType,
		Source:  source,
		UserID:  userID,
		Message: message,
		Data:    data,
	})
}

// Subscribe registers fn. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

func (ep *EventPublisher) run() {
	defer close(ep.done)
	for event := range ep.queue {
		ep.deliver(event)
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	subs := ep.subs
	ep.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until the buffered ones are
// delivered or ctx ends.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.async {
		return nil
	}

	ep.mu.Lock()
	if !ep.closed {
		ep.closed = true
		close(ep.queue)
	}
	ep.mu.Unlock()

	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterByUserID accepts events about one user.
func FilterByUserID(id string) EventFilter {
	return func(e Event) bool { return e.UserID == id }
}
