package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notification about a provisioner execution.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source identifies the emitting component.
	Source string `json:"source"`

	EntityID      string `json:"entity_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	Message string `json:"message"`

	// Level is info, warning or error.
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeTransition      = "execution.transition"
	EventTypeRollbackPlanned = "execution.rollback_planned"
	EventTypePolicyDenied    = "policy.denied"
	EventTypeLateResponse    = "dispatch.late_response"
	EventTypeError           = "error"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to in-process subscribers. Every method is
// safe on a nil or disabled publisher.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.MinLevel != "" {
		ep.AddFilter(FilterByLevel(cfg.MinLevel))
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishTransition publishes a state machine transition.
func (ep *EventPublisher) PublishTransition(entityID, correlationID, from, to, message string) error {
	level := EventLevelInfo
	switch to {
	case "FAILED", "ROLLBACK_FAILED":
		level = EventLevelError
	case "ROLLING_BACK":
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:          EventTypeTransition,
		Source:        "state_machine",
		EntityID:      entityID,
		CorrelationID: correlationID,
		Message:       fmt.Sprintf("%s -> %s: %s", from, to, message),
		Level:         level,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	})
}

// PublishRollbackPlanned publishes the rollback decision for a failed execution.
func (ep *EventPublisher) PublishRollbackPlanned(entityID, correlationID, action, reason string) error {
	return ep.Publish(Event{
		Type:          EventTypeRollbackPlanned,
		Source:        "state_machine",
		EntityID:      entityID,
		CorrelationID: correlationID,
		Message:       fmt.Sprintf("rollback %s: %s", action, reason),
		Level:         EventLevelWarning,
		Data: map[string]interface{}{
			"action": action,
			"reason": reason,
		},
	})
}

// PublishPolicyDenied publishes a dispatch refused by policy.
func (ep *EventPublisher) PublishPolicyDenied(entityID string, reasons []string) error {
	return ep.Publish(Event{
		Type:     EventTypePolicyDenied,
		Source:   "policy",
		EntityID: entityID,
		Message:  fmt.Sprintf("dispatch denied for %s", entityID),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"reasons": reasons,
		},
	})
}

// PublishLateResponse publishes a worker result that arrived after resolution.
func (ep *EventPublisher) PublishLateResponse(correlationID string) error {
	return ep.Publish(Event{
		Type:          EventTypeLateResponse,
		Source:        "dispatcher",
		CorrelationID: correlationID,
		Message:       fmt.Sprintf("discarded late response for %s", correlationID),
		Level:         EventLevelWarning,
	})
}

// Subscribe adds a subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if !ep.enabled() {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if !ep.enabled() {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent calls subscribers in registration order on the caller's
// goroutine so transitions for one execution are observed in order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := make([]subscriberEntry, len(ep.subscribers))
	copy(entries, ep.subscribers)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the async worker after draining buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel allows events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType allows events of the given types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByEntityID allows events for one entity.
func FilterByEntityID(entityID string) EventFilter {
	return func(event Event) bool {
		return event.EntityID == entityID
	}
}

