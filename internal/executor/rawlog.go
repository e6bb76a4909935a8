package executor

import "sync"

// rawStream carries the raw protocol lines of one spawn from the protocol
// callbacks to the normalization task. Appends after Close are dropped, as
// are appends once the buffer is full: normalization is best-effort
// observability, never backpressure on the protocol reader.
type rawStream struct {
	mu     sync.Mutex
	ch     chan string
	closed bool
}

func newRawStream() *rawStream {
	return &rawStream{ch: make(chan string, 1024)}
}

func (s *rawStream) Append(line string) {
	if s == nil || line == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- line:
	default:
	}
}

func (s *rawStream) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *rawStream) Lines() <-chan string {
	if s == nil {
		return nil
	}
	return s.ch
}
