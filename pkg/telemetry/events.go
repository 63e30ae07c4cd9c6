package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a kernel lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// KernelID identifies the kernel instance.
	KernelID string `json:"kernel_id,omitempty"`

	// Unit is the associated unit, if applicable.
	Unit string `json:"unit,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]any `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeUnitInstalled      = "unit.installed"
	EventTypeUnitFailed         = "unit.failed"
	EventTypeHookFailed         = "hook.failed"
	EventTypeKernelStateChanged = "kernel.state_changed"
	EventTypeAdmissionDenied    = "admission.denied"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers, either synchronously or
// from a buffered background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
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
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliver(event)
	return nil
}

// PublishUnitInstalled publishes a unit installed event.
func (ep *EventPublisher) PublishUnitInstalled(kernelID, unit string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:     EventTypeUnitInstalled,
		KernelID: kernelID,
		Unit:     unit,
		Message:  fmt.Sprintf("Unit %s installed", unit),
		Level:    EventLevelInfo,
		Data: map[string]any{
			"duration": duration.Seconds(),
		},
	})
}

// PublishOperationFailed publishes a failed install or hook event.
func (ep *EventPublisher) PublishOperationFailed(kernelID, operation, unit, kind string, err error) error {
	eventType := EventTypeHookFailed
	if operation == "install" {
		eventType = EventTypeUnitFailed
	}
	return ep.Publish(Event{
		Type:     eventType,
		KernelID: kernelID,
		Unit:     unit,
		Message:  fmt.Sprintf("%s of unit %s failed: %v", operation, unit, err),
		Level:    EventLevelError,
		Data: map[string]any{
			"operation": operation,
			"kind":      kind,
		},
	})
}

// PublishStateChanged publishes a kernel state transition.
func (ep *EventPublisher) PublishStateChanged(kernelID, from, to string) error {
	return ep.Publish(Event{
		Type:     EventTypeKernelStateChanged,
		KernelID: kernelID,
		Message:  fmt.Sprintf("Kernel state changed from %s to %s", from, to),
		Level:    EventLevelInfo,
		Data: map[string]any{
			"from": from,
			"to":   to,
		},
	})
}

// PublishAdmissionDenied publishes a policy denial.
func (ep *EventPublisher) PublishAdmissionDenied(unit string, violations []string) error {
	return ep.Publish(Event{
		Type:    EventTypeAdmissionDenied,
		Unit:    unit,
		Message: fmt.Sprintf("Unit %s denied by admission policy", unit),
		Level:   EventLevelWarning,
		Data: map[string]any{
			"violations": violations,
		},
	})
}

// Subscribe adds a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(event)
		case <-ep.ctx.Done():
			// Drain what is already buffered.
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver calls subscribers in subscription order on the calling goroutine.
func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops the publisher after delivering buffered events.
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
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByUnit allows events for a single unit.
func FilterByUnit(unit string) EventFilter {
	return func(event Event) bool {
		return event.Unit == unit
	}
}
