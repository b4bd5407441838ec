// Package hub fans live generation events out to every connected observer.
// Delivery is best effort: there is no replay and a subscriber that cannot
// accept a frame is dropped.
package hub

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/makeasinger/kiemusic/internal/model"
)

// Sink receives marshalled event envelopes. Send must not block.
type Sink interface {
	Send(payload []byte) error
}

// Hub is the registry of live subscribers
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Sink
}

// New creates an empty hub
func New() *Hub {
	return &Hub{subscribers: make(map[string]Sink)}
}

// Register adds a sink and returns its subscriber id
func (h *Hub) Register(sink Sink) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.subscribers[id] = sink
	h.mu.Unlock()
	log.Debug().Str("subscriber", id).Msg("subscriber registered")
	return id
}

// Unregister removes a subscriber. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.subscribers, id)
	h.mu.Unlock()
}

// Count returns the number of live subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast sends one event to every subscriber. A sink that fails is
// removed; the others still receive the event.
func (h *Hub) Broadcast(generationID int64, eventType model.EventType, patch model.Patch) {
	payload, err := json.Marshal(model.Event{Type: eventType, GenerationID: generationID, Data: patch})
	if err != nil {
		log.Error().Err(err).Int64("generation_id", generationID).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	snapshot := make(map[string]Sink, len(h.subscribers))
	for id, sink := range h.subscribers {
		snapshot[id] = sink
	}
	h.mu.RUnlock()

	for id, sink := range snapshot {
		if err := sink.Send(payload); err != nil {
			h.drop(id, sink)
			log.Debug().Err(err).Str("subscriber", id).Msg("subscriber dropped")
		}
	}
}

// drop removes id only if it still maps to sink, then closes the sink so its
// connection writer ends
func (h *Hub) drop(id string, sink Sink) {
	h.mu.Lock()
	if current, ok := h.subscribers[id]; ok && current == sink {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	if c, ok := sink.(interface{ Close() }); ok {
		c.Close()
	}
}

var (
	ErrSinkFull   = errors.New("subscriber buffer full")
	ErrSinkClosed = errors.New("subscriber closed")
)

// ChannelSink buffers payloads for a connection writer goroutine
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewChannelSink creates a sink holding up to size pending payloads
func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{ch: make(chan []byte, size)}
}

// Send enqueues payload without blocking
func (s *ChannelSink) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- payload:
		return nil
	default:
		return ErrSinkFull
	}
}

// C is drained by the connection writer. It is closed by Close.
func (s *ChannelSink) C() <-chan []byte {
	return s.ch
}

// Close stops accepting payloads. It is safe to call more than once.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// SSEFrame wraps a payload as a server-sent event data frame
func SSEFrame(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	return append(frame, '\n', '\n')
}

// SSEKeepAlive is a comment frame that keeps idle connections open
var SSEKeepAlive = []byte(": keep-alive\n\n")
