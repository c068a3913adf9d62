package progress

import (
	"sync"
	"sync/atomic"
)

// Subscriber receives events from the topics it is subscribed to on a
// buffered channel. Sends are non-blocking: when the buffer is full the
// event is dropped.
type Subscriber struct {
	id string
	ch chan Event

	topics map[string]struct{}
	mu     sync.RWMutex

	// filter is an optional predicate. If set, only events
	// matching the filter are delivered.
	filter func(Event) bool

	dropped atomic.Int64
	closed  atomic.Bool
	// sendMu orders send against Close so a send never hits a closed channel.
	sendMu sync.RWMutex
}

// NewSubscriber creates a subscriber with the given buffer size.
func NewSubscriber(id string, bufferSize int) *Subscriber {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Subscriber{
		id:     id,
		ch:     make(chan Event, bufferSize),
		topics: make(map[string]struct{}),
	}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only event channel. It is closed when the
// subscriber is removed.
func (s *Subscriber) C() <-chan Event { return s.ch }

// SetFilter sets an optional event filter predicate. Call before the
// subscriber is attached to a broker.
func (s *Subscriber) SetFilter(fn func(Event) bool) {
	s.filter = fn
}

// Dropped returns the number of events discarded because the buffer
// was full.
func (s *Subscriber) Dropped() int64 { return s.dropped.Load() }

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns a copy of all subscribed topic names.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// sendResult reports what happened to one delivery attempt.
type sendResult int

const (
	sendDelivered sendResult = iota
	sendFiltered
	sendDropped
)

func (s *Subscriber) send(evt Event) sendResult {
	if s.filter != nil && !s.filter(evt) {
		return sendFiltered
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return sendFiltered
	}

	select {
	case s.ch <- evt:
		return sendDelivered
	default:
		s.dropped.Add(1)
		return sendDropped
	}
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
