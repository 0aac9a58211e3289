// Package events publishes task run lifecycle events to observers and
// records finished runs in an append-only journal.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventTaskStarted is published when an invocation is handed to a worker.
	EventTaskStarted EventType = "task_started"
	// EventTaskQueued is published when a request waits behind a running run.
	EventTaskQueued EventType = "task_queued"
	// EventTaskDropped is published when a request is discarded by policy.
	EventTaskDropped EventType = "task_dropped"
	// EventTaskCompleted is published when a completion has been applied.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskDiscarded is published for stale or cancelled completions.
	EventTaskDiscarded EventType = "task_discarded"
)

// Event describes one run lifecycle transition.
type Event struct {
	Type      EventType
	Timestamp time.Time
	TaskID    string
	RunID     uint64
	Reason    string
	Error     string
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Events are delivered asynchronously via buffered channels.
// If a subscriber's channel is full, the event is dropped silently.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for the given event types and returns an
// unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	go func() {
		for event := range ch {
			func() {
				// A panicking subscriber must not take the bus down.
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.detach(ch, types) {
				close(ch)
			}
		})
	}
}

// detach removes ch from every listed type. Reports whether ch was still
// registered anywhere (Close may already have closed it).
func (b *Bus) detach(ch chan Event, types []EventType) bool {
	found := false
	for _, t := range types {
		subs := b.subscribers[t]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[t] = append(subs[:i], subs[i+1:]...)
				found = true
				break
			}
		}
	}
	return found
}

// Publish sends ev to all subscribers of its type without blocking.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, ch := range b.subscribers[ev.Type] {
		select {
		case ch <- ev:
		default:
			// Channel full, drop event silently to prevent blocking
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Event]bool)
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
		delete(b.subscribers, eventType)
	}
}
