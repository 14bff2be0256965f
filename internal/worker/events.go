package worker

import (
	"errors"
	"sync"
)

// ErrEventsClosed is returned by Emit once the consumer has detached.
var ErrEventsClosed = errors.New("service event channel closed")

// Events is the bounded service event channel. Workers emit into it and a
// single consumer reads C. Emit blocks while the buffer is full.
type Events struct {
	ch       chan ServiceEvent
	detached chan struct{}
	once     sync.Once
}

// NewEvents creates an event channel buffering up to capacity events.
func NewEvents(capacity int) *Events {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Events{
		ch:       make(chan ServiceEvent, capacity),
		detached: make(chan struct{}),
	}
}

// Emit delivers ev, waiting for buffer space if needed.
func (e *Events) Emit(ev ServiceEvent) error {
	select {
	case <-e.detached:
		return ErrEventsClosed
	default:
	}

	select {
	case e.ch <- ev:
		return nil
	case <-e.detached:
		return ErrEventsClosed
	}
}

// C returns the consumer side.
func (e *Events) C() <-chan ServiceEvent {
	return e.ch
}

// Detach tells emitters that nobody reads C anymore. Pending and future
// Emit calls fail with ErrEventsClosed.
func (e *Events) Detach() {
	e.once.Do(func() { close(e.detached) })
}
