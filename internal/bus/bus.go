// Package bus provides the in-memory event broker that decouples hub
// subsystems: heartbeat intake publishes, the alert evaluator and notifier
// subscribe. Delivery is asynchronous and lossy for slow subscribers; the
// bus never blocks a publisher.
package bus

import (
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventHeartbeatProcesses EventType = "telemetry.processes"
	EventNodeOnline         EventType = "node.online"
	EventNodeOffline        EventType = "node.offline"
	EventCommandTerminal    EventType = "command.terminal"
	EventMonitorUnhealthy   EventType = "monitor.unhealthy"
	EventServiceDegraded    EventType = "service.degraded"
)

// Event represents one fleet event. Payload carries the type-specific data;
// subscribers type-assert on Type.
type Event struct {
	Type      EventType
	NodeID    string
	Hostname  string
	Timestamp time.Time
	Payload   any
}

// ProcessContext is the payload for EventHeartbeatProcesses.
type ProcessContext struct {
	TakenAt   time.Time
	Processes []ProcessUsage
}

// ProcessUsage is one process row from a heartbeat.
type ProcessUsage struct {
	PID        int32
	Name       string
	CPUPercent float64
	MemPercent float64
}

// ServiceState is the payload for EventServiceDegraded.
type ServiceState struct {
	Unit   string
	Status string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
