// Package events provides an in-memory notification bus the engine uses to
// tell the rendering layer that task state changed.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/tasklink/internal/messages"
)

var (
	ErrBusClosed = errors.New("event bus is closed")
)

// EventType represents the type of event.
type EventType string

const (
	// Message store changes
	EventMessageUpdated EventType = "message.updated"

	// Stream lifecycle
	EventStreamStarted   EventType = "stream.started"
	EventStreamCompleted EventType = "stream.completed"
	EventStreamFailed    EventType = "stream.failed"
	EventStreamCancelled EventType = "stream.cancelled"

	// Task lifecycle
	EventTaskResolved   EventType = "task.resolved"
	EventTaskSynced     EventType = "task.synced"
	EventTaskReset      EventType = "task.reset"
	EventHistoryLoaded  EventType = "history.loaded"
	EventEventDropped   EventType = "event.dropped"
	EventRecoveryStatus EventType = "recovery.status"
)

// Event represents a notification about one task.
type Event struct {
	ID        string          `json:"id"`
	TaskID    messages.TaskID `json:"task_id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   EventPayload    `json:"payload,omitempty"`
}

var eventIDCounter uint64

// NewEvent creates an event for a task with the current timestamp.
func NewEvent(taskID messages.TaskID, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		TaskID:    taskID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// subscription delivers events to one handler, in publish order, from its own
// goroutine so a slow handler never stalls the publisher or its peers.
type subscription struct {
	eventTypes []EventType
	handler    Subscriber
	queue      chan Event
	done       chan struct{}
}

func (s *subscription) run() {
	for {
		select {
		case e := <-s.queue:
			s.handler(e)
		case <-s.done:
			return
		}
	}
}

func (s *subscription) matches(event Event) bool {
	if len(s.eventTypes) == 0 {
		return true
	}
	for _, t := range s.eventTypes {
		if t == event.Type {
			return true
		}
	}
	return false
}

// Bus fans events out to subscribers and keeps a short history.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	queueSize   int
	ringBuffer  *RingBuffer
	closed      bool
}

// NewBus creates a new event bus. bufferSize bounds both the history and each
// subscriber's queue.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		subscribers: make(map[int]*subscription),
		queueSize:   bufferSize,
		ringBuffer:  NewRingBuffer(bufferSize),
	}
}

// Publish delivers an event to every matching subscriber. Events are dropped
// for subscribers whose queue is full.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.ringBuffer.Add(event)

	for _, sub := range b.subscribers {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.queue <- event:
		default:
		}
	}
}

// PublishWait delivers an event, blocking on full subscriber queues until ctx ends.
func (b *Bus) PublishWait(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	b.ringBuffer.Add(event)

	for _, sub := range b.subscribers {
		if !sub.matches(event) {
			continue
		}
		select {
		case sub.queue <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a handler for specific event types (all when none are
// given). Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	sub := &subscription{
		eventTypes: eventTypes,
		handler:    handler,
		queue:      make(chan Event, b.queueSize),
		done:       make(chan struct{}),
	}
	b.subscribers[id] = sub
	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(s.done)
			}
		})
	}
}

// SubscribeChan returns a channel that receives events.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	var mu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, eventTypes...)

	return ch, func() {
		unsubscribe()
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// History returns recent events from the ring buffer.
func (b *Bus) History(limit int) []Event {
	return b.ringBuffer.Get(limit)
}

// Close shuts down the event bus and every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.done)
		delete(b.subscribers, id)
	}
}

// RingBuffer is a circular buffer for storing recent events.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	size   int
	pos    int
	count  int
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RingBuffer) Get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]Event, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}

func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = 0
	r.count = 0
}
