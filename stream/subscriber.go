package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives events from the topics it is on through a buffered
// channel. Sends never block: when the buffer is full the event is dropped.
type Subscriber struct {
	id string
	ch chan *Event

	// filter, when set, must accept an event for it to be delivered.
	filter func(*Event) bool

	dropped atomic.Int64

	// mu orders sends against Close so a send never hits a closed channel.
	mu     sync.RWMutex
	closed bool
}

// NewSubscriber creates a subscriber with the given buffer size.
func NewSubscriber(id string, bufferSize int, filter func(*Event) bool) *Subscriber {
	return &Subscriber{
		id:     id,
		ch:     make(chan *Event, bufferSize),
		filter: filter,
	}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the event channel. It is closed when the subscriber is removed.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// Dropped returns how many events were lost to a full buffer.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

// send offers evt to the subscriber. Filtered events are neither sent nor
// dropped.
func (s *Subscriber) send(evt *Event) (sent, dropped bool) {
	if s.filter != nil && !s.filter(evt) {
		return false, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, false
	}

	select {
	case s.ch <- evt:
		return true, false
	default:
		s.dropped.Add(1)
		return false, true
	}
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
