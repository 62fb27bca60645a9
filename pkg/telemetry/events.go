package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a progress notification emitted by the pipeline and the archiver.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// LabID is the associated lab, if applicable.
	LabID string `json:"lab_id,omitempty"`

	// LogID is the associated deployment log, if applicable.
	LogID string `json:"log_id,omitempty"`

	// Stage is the pipeline stage the event belongs to.
	Stage string `json:"stage,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypePipelineStarted   = "pipeline.started"
	EventTypePipelineSucceeded = "pipeline.succeeded"
	EventTypePipelineFailed    = "pipeline.failed"
	EventTypeStageCompleted    = "stage.completed"
	EventTypeStageFailed       = "stage.failed"
	EventTypeArchive           = "archive.completed"
	EventTypePolicyViolation   = "policy.violation"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. Subscribers are called
// sequentially in publish order and must not block.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers map[uint64]subscriberEntry
	nextID      uint64
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
		subscribers: make(map[uint64]subscriberEntry),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		// Start the event processing goroutine
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

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Synchronous publishing
	if !ep.config.EnableAsync {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		// Buffer full, drop event
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// PublishPipelineStarted announces a deploy or destroy run.
func (ep *EventPublisher) PublishPipelineStarted(labID, logID, operation string) error {
	return ep.Publish(Event{
		Type:    EventTypePipelineStarted,
		Source:  "pipeline",
		LabID:   labID,
		LogID:   logID,
		Message: fmt.Sprintf("%s started", operation),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"operation": operation},
	})
}

// PublishStageCompleted announces a finished pipeline stage.
func (ep *EventPublisher) PublishStageCompleted(labID, logID, stage, message string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeStageCompleted,
		Source:  "pipeline",
		LabID:   labID,
		LogID:   logID,
		Stage:   stage,
		Message: message,
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"duration": duration.Seconds()},
	})
}

// PublishStageFailed announces the stage that aborted a run.
func (ep *EventPublisher) PublishStageFailed(labID, logID, stage, message string) error {
	return ep.Publish(Event{
		Type:    EventTypeStageFailed,
		Source:  "pipeline",
		LabID:   labID,
		LogID:   logID,
		Stage:   stage,
		Message: message,
		Level:   EventLevelError,
	})
}

// PublishPipelineFinished announces the terminal outcome of a run.
func (ep *EventPublisher) PublishPipelineFinished(labID, logID, operation string, success bool, message string) error {
	eventType, level := EventTypePipelineSucceeded, EventLevelInfo
	if !success {
		eventType, level = EventTypePipelineFailed, EventLevelError
	}
	return ep.Publish(Event{
		Type:    eventType,
		Source:  "pipeline",
		LabID:   labID,
		LogID:   logID,
		Message: message,
		Level:   level,
		Data:    map[string]interface{}{"operation": operation},
	})
}

// PublishArchive announces a completed archive operation.
func (ep *EventPublisher) PublishArchive(operation, labID, message string) error {
	return ep.Publish(Event{
		Type:    EventTypeArchive,
		Source:  "archive",
		LabID:   labID,
		Message: message,
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"operation": operation},
	})
}

// PublishPolicyViolation announces a lab denied by an admission policy.
func (ep *EventPublisher) PublishPolicyViolation(labID, policyName, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		LabID:   labID,
		Message: fmt.Sprintf("%s: %s", policyName, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe registers a subscriber and returns a function that removes it.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) func() {
	if !ep.enabled() {
		return func() {}
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	id := ep.nextID
	ep.nextID++
	ep.subscribers[id] = subscriberEntry{subscriber: subscriber, filter: filter}

	return func() {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		delete(ep.subscribers, id)
	}
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			// Flush remaining events before shutting down
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

func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
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

// FilterByLogID creates a filter that only allows events for one run.
func FilterByLogID(logID string) EventFilter {
	return func(event Event) bool {
		return event.LogID == logID
	}
}

// FilterByLabID creates a filter that only allows events for one lab.
func FilterByLabID(labID string) EventFilter {
	return func(event Event) bool {
		return event.LabID == labID
	}
}
