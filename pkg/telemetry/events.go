package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/cursiveterminal/deployctl/pkg/engine"
)

// EventSubscriber handles a published progress event. Subscribers must not
// retain the event after returning.
type EventSubscriber func(event *engine.Event)

// EventFilter determines if an event should be delivered.
type EventFilter func(event *engine.Event) bool

// EventPublisher fans progress events out to in-process subscribers.
// It implements engine.EventSink.
type EventPublisher struct {
	buffer      chan *engine.Event
	subscribers []subscriberEntry
	mu          sync.RWMutex
	wg          sync.WaitGroup
	closeOnce   sync.Once
	done        chan struct{}
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

var _ engine.EventSink = (*EventPublisher)(nil)

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{done: make(chan struct{})}
	if cfg.Async {
		if cfg.QueueSize <= 0 {
			return nil, fmt.Errorf("event queue size must be positive, got: %d", cfg.QueueSize)
		}
		ep.buffer = make(chan *engine.Event, cfg.QueueSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Subscribe registers a subscriber. A nil filter receives every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriberEntry{subscriber: subscriber, filter: filter})
}

// AppendEvent publishes event to subscribers.
func (ep *EventPublisher) AppendEvent(_ context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s for deployment %s", event.Type, event.DeploymentID)
	}
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()
	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.done:
			// Drain what is already queued.
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

func (ep *EventPublisher) deliverEvent(event *engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops async delivery after draining the buffer.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.closeOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FilterByType keeps events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event *engine.Event) bool {
		return set[event.Type]
	}
}

// FilterByDeployment keeps events of one deployment.
func FilterByDeployment(deploymentID string) EventFilter {
	return func(event *engine.Event) bool {
		return event.DeploymentID == deploymentID
	}
}

// TeeSink returns a sink that appends each event to every sink in order.
// All sinks are tried; their errors are combined.
func TeeSink(sinks ...engine.EventSink) engine.EventSink {
	var live []engine.EventSink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return teeSink(live)
}

type teeSink []engine.EventSink

func (t teeSink) AppendEvent(ctx context.Context, event *engine.Event) error {
	var result *multierror.Error
	for _, sink := range t {
		if err := sink.AppendEvent(ctx, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
