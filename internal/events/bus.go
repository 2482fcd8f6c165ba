// Package events carries dispatch lifecycle notifications from queues to observers
// (the daemon's audit log, CLI progress output) without ever blocking a queue.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventDispatchSubmitted is published when a dispatch enters a queue's pending list.
	EventDispatchSubmitted EventType = "dispatch_submitted"
	// EventDispatchCompleted is published when a dispatch executed and signalled successfully.
	EventDispatchCompleted EventType = "dispatch_completed"
	// EventDispatchFailed is published when a command sequence returned an error.
	EventDispatchFailed EventType = "dispatch_failed"
	// EventDispatchTerminated is published when a dispatch was skipped because an
	// upstream semaphore terminated, or the queue shut down under it.
	EventDispatchTerminated EventType = "dispatch_terminated"
	// EventRunCompleted is published by the daemon when every dispatch of a manifest finished.
	EventRunCompleted EventType = "run_completed"
)

// DispatchEventTypes lists every per-dispatch event type.
var DispatchEventTypes = []EventType{
	EventDispatchSubmitted,
	EventDispatchCompleted,
	EventDispatchFailed,
	EventDispatchTerminated,
}

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Each subscriber has a buffered channel
// drained by its own goroutine; when the buffer is full the event is dropped for that
// subscriber and counted.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool

	published atomic.Int64
	dropped   atomic.Int64
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

// Subscribe registers fn for eventType and returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.SubscribeAll(fn, eventType)
}

// SubscribeAll registers fn for several event types on a single delivery goroutine,
// so fn observes them in publish order.
func (b *Bus) SubscribeAll(fn Subscriber, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}

	go func() {
		for event := range ch {
			deliver(fn, event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, et := range eventTypes {
				subs := b.subscribers[et]
				for i, subCh := range subs {
					if subCh == ch {
						b.subscribers[et] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
}

// deliver isolates the bus from a panicking subscriber.
func deliver(fn Subscriber, event Event) {
	defer func() {
		_ = recover()
	}()
	fn(event)
}

// Publish sends an event to all subscribers of the given type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	b.published.Add(1)

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were dropped because a subscriber was full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Published returns how many events were published.
func (b *Bus) Published() int64 { return b.published.Load() }

// Close closes all subscriber channels. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, eventType)
	}
}
