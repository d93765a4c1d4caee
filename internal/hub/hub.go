// Package hub fans audit progress events out to SSE subscribers. Each
// session keeps a bounded replay buffer so late-joining dashboard clients
// see the queue transitions that already happened.
package hub

import "sync"

const defaultBufferCap = 500

// stream holds the fan-out state for one session.
type stream struct {
	buf     []string // circular buffer of serialized events
	pos     int      // next write position
	clients map[chan string]struct{}
	done    bool
}

// lines returns the buffered events oldest first.
func (s *stream) lines() []string {
	n := len(s.buf)
	if n == 0 || s.pos == 0 {
		return s.buf
	}
	out := make([]string, n)
	copy(out, s.buf[s.pos:])
	copy(out[n-s.pos:], s.buf[:s.pos])
	return out
}

func (s *stream) append(line string) {
	if len(s.buf) < cap(s.buf) {
		s.buf = append(s.buf, line)
	} else {
		s.buf[s.pos] = line
	}
	s.pos = (s.pos + 1) % cap(s.buf)
}

// Hub multiplexes per-session progress streams.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{streams: make(map[string]*stream)}
}

func (h *Hub) getOrCreate(sessionID string) *stream {
	s, ok := h.streams[sessionID]
	if !ok {
		s = &stream{
			buf:     make([]string, 0, defaultBufferCap),
			clients: make(map[chan string]struct{}),
		}
		h.streams[sessionID] = s
	}
	return s
}

// Publish buffers an event and sends it to all current subscribers.
// Sends are non-blocking so a slow consumer cannot stall the audit path.
func (h *Hub) Publish(sessionID, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.getOrCreate(sessionID)
	if s.done {
		return
	}
	s.append(line)
	for ch := range s.clients {
		select {
		case ch <- line:
		default:
		}
	}
}

// Subscribe returns a channel of future events plus an unsubscribe func.
// Buffered history is replayed first. A closed session replays and closes.
func (h *Hub) Subscribe(sessionID string) (<-chan string, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.getOrCreate(sessionID)
	ch := make(chan string, defaultBufferCap+64)
	for _, line := range s.lines() {
		ch <- line
	}
	if s.done {
		close(ch)
		return ch, func() {}
	}
	s.clients[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(s.clients, ch)
	}
}

// Close marks a session's stream finished and closes all subscribers.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[sessionID]
	if !ok {
		return
	}
	s.done = true
	for ch := range s.clients {
		close(ch)
	}
	s.clients = nil
}

// Remove deletes a session's stream entirely, freeing its buffer.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[sessionID]
	if !ok {
		return
	}
	for ch := range s.clients {
		close(ch)
	}
	delete(h.streams, sessionID)
}
