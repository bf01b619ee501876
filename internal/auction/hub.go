package auction

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jensholdgaard/draft-auction/internal/metrics"
)

// Sink receives marshalled frames for one client connection. Send must not
// block: implementations report an error when the peer is gone or its
// outbound queue is full, and the hub ejects them.
type Sink interface {
	ID() string
	Send(frame []byte) error
	Close()
}

// Hub tracks the live sinks of one auction and fans frames out to them.
// Ordering is the caller's responsibility: the auction broadcasts under its
// own mutex, so every surviving sink observes the same total order of frames.
type Hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	sinks map[string]Sink
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		sinks:  make(map[string]Sink),
	}
}

// Attach registers a sink. Attaching the same sink twice is a no-op.
func (h *Hub) Attach(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[s.ID()] = s
}

// Detach removes a sink without closing it. Unknown ids are ignored.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sinks, id)
}

// Len reports the number of attached sinks.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sinks)
}

// Broadcast marshals msg once and delivers it to every sink. Sinks that fail
// are removed, closed and returned so the caller can run its disconnect
// handling; they are never retried.
func (h *Hub) Broadcast(msg Message) []Sink {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshalling broadcast frame",
			slog.String("type", string(msg.Type)),
			slog.Any("error", err),
		)
		return nil
	}

	h.mu.Lock()
	targets := make([]Sink, 0, len(h.sinks))
	for _, s := range h.sinks {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	var failed []Sink
	for _, s := range targets {
		if sendErr := s.Send(frame); sendErr != nil {
			h.logger.Warn("ejecting slow or dead client",
				slog.String("sink_id", s.ID()),
				slog.Any("error", sendErr),
			)
			h.Detach(s.ID())
			s.Close()
			metrics.BroadcastDrops.Inc()
			failed = append(failed, s)
		}
	}
	return failed
}

// SendTo delivers msg to a single sink, bypassing fan-out. Used for the init
// frame and for client-specific errors, which must never be broadcast.
func (h *Hub) SendTo(s Sink, msg Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.Send(frame)
}

// CloseAll closes and removes every sink.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sinks := h.sinks
	h.sinks = make(map[string]Sink)
	h.mu.Unlock()

	for _, s := range sinks {
		s.Close()
	}
}
