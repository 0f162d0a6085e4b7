package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the validation pipeline.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// ArchID is the associated architecture ID, if applicable.
	ArchID string `json:"arch_id,omitempty"`

	// InstanceID is the associated backend instance ID, if applicable.
	InstanceID string `json:"instance_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeRunStarted       = "run.started"
	EventTypeRunCompleted     = "run.completed"
	EventTypeRunFailed        = "run.failed"
	EventTypeItemStateChanged = "item.state_changed"
	EventTypeItemRateLimited  = "item.rate_limited"
	EventTypeItemCompleted    = "item.completed"
	EventTypeProbeGenerated   = "probe.generated"
	EventTypeBackendStarted   = "backend.started"
	EventTypeBackendStopped   = "backend.stopped"
	EventTypePolicyViolation  = "policy.violation"
	EventTypeError            = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
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
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	if cfg.FlushInterval > 0 {
		ep.wg.Add(1)
		go ep.periodicFlush()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
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

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID string, itemCount int) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "driver",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started with %d items", runID, itemCount),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"item_count": itemCount,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID string, passed, failed int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "driver",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed: %d passed, %d failed", runID, passed, failed),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"passed":   passed,
			"failed":   failed,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "driver",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishItemStateChanged publishes a work item state transition event.
func (ep *EventPublisher) PublishItemStateChanged(runID, archID, oldState, newState string) error {
	return ep.Publish(Event{
		Type:    EventTypeItemStateChanged,
		Source:  "machine",
		RunID:   runID,
		ArchID:  archID,
		Message: fmt.Sprintf("Item %s moved from %s to %s", archID, oldState, newState),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"old_state": oldState,
			"new_state": newState,
		},
	})
}

// PublishItemRateLimited publishes a rate limit event for one item.
func (ep *EventPublisher) PublishItemRateLimited(runID, archID string, retryAfter time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeItemRateLimited,
		Source:  "driver",
		RunID:   runID,
		ArchID:  archID,
		Message: fmt.Sprintf("Item %s rate limited, retrying in %s", archID, retryAfter),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"retry_after": retryAfter.Seconds(),
		},
	})
}

// PublishItemCompleted publishes a terminal-state event for one item.
func (ep *EventPublisher) PublishItemCompleted(runID, archID, state string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeItemCompleted,
		Source:  "driver",
		RunID:   runID,
		ArchID:  archID,
		Message: fmt.Sprintf("Item %s finished in state %s", archID, state),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"state":    state,
			"duration": duration.Seconds(),
		},
	})
}

// PublishProbeGenerated publishes a probe generation event.
func (ep *EventPublisher) PublishProbeGenerated(runID, archID, source string) error {
	return ep.Publish(Event{
		Type:    EventTypeProbeGenerated,
		Source:  "generator",
		RunID:   runID,
		ArchID:  archID,
		Message: fmt.Sprintf("Probe for %s produced from %s", archID, source),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"source": source,
		},
	})
}

// PublishBackendStarted publishes a backend container start event.
func (ep *EventPublisher) PublishBackendStarted(instanceID string, port int) error {
	return ep.Publish(Event{
		Type:       EventTypeBackendStarted,
		Source:     "backend",
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Backend %s started on port %d", instanceID, port),
		Level:      EventLevelInfo,
		Data: map[string]interface{}{
			"port": port,
		},
	})
}

// PublishBackendStopped publishes a backend container stop event.
func (ep *EventPublisher) PublishBackendStopped(instanceID string) error {
	return ep.Publish(Event{
		Type:       EventTypeBackendStopped,
		Source:     "backend",
		InstanceID: instanceID,
		Message:    fmt.Sprintf("Backend %s stopped", instanceID),
		Level:      EventLevelInfo,
	})
}

// PublishPolicyViolation publishes a probe policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(archID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		ArchID:  archID,
		Message: fmt.Sprintf("Policy violation on probe %s: %s - %s", archID, policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			if len(batch) > 0 {
				ep.flushBatch(batch)
			}
			return
		}
	}
}

// periodicFlush flushes events periodically.
func (ep *EventPublisher) periodicFlush() {
	defer ep.wg.Done()

	ticker := time.NewTicker(ep.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Draining is handled by the processEvents goroutine.
		case <-ep.ctx.Done():
			return
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		// Call subscriber in a goroutine to avoid blocking
		go entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
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

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
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

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByArchID creates a filter that only allows events for a specific architecture.
func FilterByArchID(archID string) EventFilter {
	return func(event Event) bool {
		return event.ArchID == archID
	}
}
