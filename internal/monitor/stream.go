package monitor

import (
	"sync"

	"pcpsched/internal/pcp"
)

// Stream forwards events to a buffered channel so slow consumers (log
// files, terminals) run off the task goroutines. A full buffer blocks the
// emitting task until the consumer catches up, so no event is lost; the
// consumer must keep reading until C is closed.
type Stream struct {
	mu     sync.Mutex
	ch     chan pcp.Event
	closed bool
}

// NewStream creates a stream with the given buffer size.
func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 256
	}
	return &Stream{ch: make(chan pcp.Event, buffer)}
}

// Observe implements pcp.Sink.
func (s *Stream) Observe(ev pcp.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- ev
}

// C exposes the read-only stream.
func (s *Stream) C() <-chan pcp.Event { return s.ch }

// Close ends the stream; later events are discarded.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
