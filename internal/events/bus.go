package events

import (
	"log"
	"sync"
	"sync/atomic"
)

// defaultBusCapacity bounds how many events may queue before publishers
// start dropping.
const defaultBusCapacity = 100

// Handler receives published events. Handlers run on the bus goroutine,
// so they must not block for long.
type Handler func(Event)

// Bus fans events out from publishers to subscribed handlers. Publishing
// never blocks; events beyond the queue capacity are dropped and counted.
type Bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int

	ch      chan Event
	done    chan struct{}
	dropped atomic.Int64
}

// NewBus starts a bus with the default queue capacity.
func NewBus() *Bus {
	return newBusWithCapacity(defaultBusCapacity)
}

func newBusWithCapacity(n int) *Bus {
	b := &Bus{
		handlers: make(map[int]Handler),
		ch:       make(chan Event, n),
		done:     make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.ch:
			b.dispatch(event)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Subscribe registers a handler and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish enqueues an event for delivery. When the queue is full the
// event is dropped and the drop is logged.
func (b *Bus) Publish(event Event) {
	select {
	case b.ch <- event:
	default:
		b.dropped.Add(1)
		log.Printf("event bus full, dropping event type=%s serverID=%s", event.Type(), event.ServerID())
	}
}

// Dropped reports how many events have been discarded since the bus
// started.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops the dispatch goroutine. Events published afterwards are
// never delivered.
func (b *Bus) Close() {
	close(b.done)
}
