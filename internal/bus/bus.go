// Package bus provides a fan-out message bus: one publisher side, any number of
// independently consuming subscribers.
//
// Ordering contract: a subscriber receives every message published after its
// Subscribe call returns, in publish order. Messages published earlier are not
// delivered (late subscribers miss history) unless the subscription is created
// with SubscribeSince, which replays the retained tail of the history starting
// after a given sequence number. Callers that hand a subscription to another
// goroutine must subscribe before the hand-off, never inside the new goroutine.
//
// Publish never blocks. Each subscriber owns a buffered channel; when that
// buffer is full the message is dropped for that subscriber only and its drop
// counter is incremented.
package bus

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("bus closed")

// Envelope is a published message together with its bus sequence number.
// Sequence numbers start at 1 and increase by one per Publish.
type Envelope[T any] struct {
	Seq uint64
	Msg T
}

// Bus is a fan-out message bus. The zero value is not usable; use New.
type Bus[T any] struct {
	name     string
	capacity int

	mu      sync.Mutex
	seq     uint64
	history []Envelope[T]
	subs    map[uint64]*Subscription[T]
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
}

// New creates a bus whose subscribers buffer up to capacity messages and which
// retains the last capacity messages for SubscribeSince.
func New[T any](name string, capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus[T]{
		name:     name,
		capacity: capacity,
		history:  make([]Envelope[T], 0, capacity),
		subs:     make(map[uint64]*Subscription[T]),
	}
}

// Name returns the bus name, used in logs and metric labels.
func (b *Bus[T]) Name() string {
	return b.name
}

// Publish delivers msg to every current subscriber and returns how many
// subscribers received it.
func (b *Bus[T]) Publish(msg T) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}

	b.seq++
	env := Envelope[T]{Seq: b.seq, Msg: msg}

	b.history = append(b.history, env)
	if len(b.history) > b.capacity {
		b.history = b.history[len(b.history)-b.capacity:]
	}

	delivered := 0
	for _, s := range b.subs {
		select {
		case s.ch <- env:
			delivered++
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	return delivered, nil
}

// Subscribe registers a subscriber that receives messages published from now on.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLocked(b.seq)
}

// SubscribeSince registers a subscriber and pre-loads it with every retained
// message whose sequence number is greater than seq. Messages older than the
// retained history are counted as dropped.
func (b *Bus[T]) SubscribeSince(seq uint64) *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > b.seq {
		seq = b.seq
	}
	return b.subscribeLocked(seq)
}

func (b *Bus[T]) subscribeLocked(since uint64) *Subscription[T] {
	b.nextID++
	s := &Subscription[T]{
		bus: b,
		id:  b.nextID,
		ch:  make(chan Envelope[T], b.capacity),
	}

	if len(b.history) > 0 && b.history[0].Seq > since+1 {
		missed := b.history[0].Seq - since - 1
		s.dropped.Add(missed)
		b.dropped.Add(missed)
	}
	for _, env := range b.history {
		if env.Seq > since {
			s.ch <- env
		}
	}

	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// Len returns the number of live subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the total number of messages dropped across all subscribers.
func (b *Bus[T]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel. Subsequent publishes fail
// with ErrClosed. Close is idempotent.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Subscription is one subscriber's view of a bus.
type Subscription[T any] struct {
	bus     *Bus[T]
	id      uint64
	ch      chan Envelope[T]
	dropped atomic.Uint64
}

// C returns the receive channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription[T]) C() <-chan Envelope[T] {
	return s.ch
}

// Dropped returns how many messages this subscriber lost because its buffer
// was full or because they had left the replay history.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel. Close is
// idempotent and safe to call after the bus itself was closed.
func (s *Subscription[T]) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
}
