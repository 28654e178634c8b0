package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle event of the development cycle.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the component the event originated from.
	Source string `json:"source"`

	// CycleID is the orchestration cycle the event belongs to.
	CycleID string `json:"cycle_id,omitempty"`

	// Bundle is the bundle the event concerns, if any.
	Bundle string `json:"bundle,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for lifecycle event types.
const (
	EventTypeCycleStarted    = "cycle.started"
	EventTypeCycleDisposed   = "cycle.disposed"
	EventTypeConfigChanged   = "config.changed"
	EventTypeVendorFresh     = "vendor.fresh"
	EventTypeVendorRebuilt   = "vendor.rebuilt"
	EventTypeVendorFailed    = "vendor.failed"
	EventTypeBuildSucceeded  = "build.succeeded"
	EventTypeBuildFailed     = "build.failed"
	EventTypeServerListening = "server.listening"
	EventTypeProcessStarted  = "process.started"
	EventTypeProcessExited   = "process.exited"
	EventTypeBundleFailed    = "bundle.failed"
	EventTypePolicyViolation = "policy.violation"
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

// EventPublisher fans events out to subscribers. Asynchronous publishers
// deliver events in publish order from a single goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
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
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
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

	ep.deliverEvent(event)
	return nil
}

// PublishCycleStarted publishes the start of an orchestration cycle.
func (ep *EventPublisher) PublishCycleStarted(cycleID string, bundles []string) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleStarted,
		Source:  "orchestrator",
		CycleID: cycleID,
		Message: fmt.Sprintf("Cycle %s started with %d bundles", cycleID, len(bundles)),
		Data: map[string]interface{}{
			"bundles": bundles,
		},
	})
}

// PublishCycleDisposed publishes the end of an orchestration cycle.
func (ep *EventPublisher) PublishCycleDisposed(cycleID string, err error) error {
	event := Event{
		Type:    EventTypeCycleDisposed,
		Source:  "orchestrator",
		CycleID: cycleID,
		Message: fmt.Sprintf("Cycle %s disposed", cycleID),
	}
	if err != nil {
		event.Level = EventLevelWarning
		event.Data = map[string]interface{}{"error": err.Error()}
	}
	return ep.Publish(event)
}

// PublishVendorResult publishes the outcome of a vendor cache freshness check.
func (ep *EventPublisher) PublishVendorResult(cycleID, bundle, cache string, rebuilt bool, err error) error {
	event := Event{
		Source:  "vendorcache",
		CycleID: cycleID,
		Bundle:  bundle,
		Data: map[string]interface{}{
			"cache": cache,
		},
	}
	switch {
	case err != nil:
		event.Type = EventTypeVendorFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Vendor cache %s failed: %v", cache, err)
	case rebuilt:
		event.Type = EventTypeVendorRebuilt
		event.Message = fmt.Sprintf("Vendor cache %s rebuilt", cache)
	default:
		event.Type = EventTypeVendorFresh
		event.Message = fmt.Sprintf("Vendor cache %s is fresh", cache)
	}
	return ep.Publish(event)
}

// PublishBuild publishes a completed build.
func (ep *EventPublisher) PublishBuild(cycleID, bundle string, generation uint64, failed bool, duration time.Duration, report string) error {
	event := Event{
		Type:    EventTypeBuildSucceeded,
		Source:  "compiler",
		CycleID: cycleID,
		Bundle:  bundle,
		Message: fmt.Sprintf("Bundle %s built", bundle),
		Data: map[string]interface{}{
			"generation": generation,
			"duration":   duration.Seconds(),
		},
	}
	if failed {
		event.Type = EventTypeBuildFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Bundle %s failed to build", bundle)
		event.Data["report"] = report
	}
	return ep.Publish(event)
}

// PublishServerListening publishes a development server address.
func (ep *EventPublisher) PublishServerListening(cycleID, bundle, address string) error {
	return ep.Publish(Event{
		Type:    EventTypeServerListening,
		Source:  "devserver",
		CycleID: cycleID,
		Bundle:  bundle,
		Message: fmt.Sprintf("Bundle %s served at %s", bundle, address),
		Data: map[string]interface{}{
			"address": address,
		},
	})
}

// PublishProcessStarted publishes a runtime bundle process start.
func (ep *EventPublisher) PublishProcessStarted(cycleID, bundle string, pid int) error {
	return ep.Publish(Event{
		Type:    EventTypeProcessStarted,
		Source:  "devserver",
		CycleID: cycleID,
		Bundle:  bundle,
		Message: fmt.Sprintf("Bundle %s process started (pid %d)", bundle, pid),
		Data: map[string]interface{}{
			"pid": pid,
		},
	})
}

// PublishProcessExited publishes a runtime bundle process exit.
func (ep *EventPublisher) PublishProcessExited(cycleID, bundle string, pid int, expected bool, err error) error {
	event := Event{
		Type:    EventTypeProcessExited,
		Source:  "devserver",
		CycleID: cycleID,
		Bundle:  bundle,
		Message: fmt.Sprintf("Bundle %s process exited (pid %d)", bundle, pid),
		Data: map[string]interface{}{
			"pid":      pid,
			"expected": expected,
		},
	}
	if !expected {
		event.Level = EventLevelWarning
	}
	if err != nil {
		event.Data["error"] = err.Error()
	}
	return ep.Publish(event)
}

// PublishBundleFailed publishes a bundle excluded from the cycle.
func (ep *EventPublisher) PublishBundleFailed(cycleID, bundle string, err error) error {
	return ep.Publish(Event{
		Type:    EventTypeBundleFailed,
		Source:  "orchestrator",
		CycleID: cycleID,
		Bundle:  bundle,
		Level:   EventLevelError,
		Message: fmt.Sprintf("Bundle %s excluded: %v", bundle, err),
	})
}

// PublishConfigChanged publishes a configuration change.
func (ep *EventPublisher) PublishConfigChanged(cycleID string) error {
	return ep.Publish(Event{
		Type:    EventTypeConfigChanged,
		Source:  "config",
		CycleID: cycleID,
		Message: "Configuration changed, restarting",
	})
}

// PublishPolicyViolation publishes a configuration policy violation.
func (ep *EventPublisher) PublishPolicyViolation(cycleID, bundle, policyName, message, level string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		CycleID: cycleID,
		Bundle:  bundle,
		Level:   level,
		Message: fmt.Sprintf("Policy %s: %s", policyName, message),
		Data: map[string]interface{}{
			"policy": policyName,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events in batches.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
		drain:
			for len(batch) < ep.config.MaxBatchSize {
				select {
				case next := <-ep.buffer:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			ep.flushBatch(batch)
			batch = batch[:0]

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
		entry.subscriber(event)
	}
}

// Shutdown delivers queued events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
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

// FilterByBundle creates a filter that only allows events for the given
// bundles. Events without a bundle, such as cycle events, always pass.
func FilterByBundle(bundles ...string) EventFilter {
	set := make(map[string]bool, len(bundles))
	for _, b := range bundles {
		set[b] = true
	}

	return func(event Event) bool {
		return event.Bundle == "" || set[event.Bundle]
	}
}
