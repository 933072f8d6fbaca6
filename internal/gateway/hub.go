package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tickstream/internal/logger"
	"tickstream/internal/metrics"
	"tickstream/internal/model"
)

// Subscriber is one connected consumer of the push channel.
type Subscriber interface {
	ID() string
	// Send queues msg without blocking. An error means the subscriber can no
	// longer be delivered to and will be evicted.
	Send(msg []byte) error
	Close()
}

// Hub is the broadcast registry. Broadcast iterates a snapshot of the
// subscriber set, so Connect/Disconnect never block behind a slow fan-out
// and failing subscribers are removed only after the iteration completes.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]Subscriber

	Latency *LatencyTracker
	metrics *metrics.Metrics
	log     *slog.Logger
}

var _ model.Broadcaster = (*Hub)(nil)

// NewHub creates an empty hub. m and log may be nil.
func NewHub(m *metrics.Metrics, log *slog.Logger) *Hub {
	return &Hub{
		subs:    make(map[string]Subscriber),
		Latency: NewLatencyTracker(10000),
		metrics: m,
		log:     logger.OrDefault(log).With("component", "hub"),
	}
}

// Connect registers sub and unicasts the connection acknowledgement.
func (h *Hub) Connect(sub Subscriber) string {
	id := sub.ID()
	h.mu.Lock()
	h.subs[id] = sub
	n := len(h.subs)
	h.mu.Unlock()
	h.metrics.SetSubscribers(n)

	ack := model.ControlMessage{
		Type:     model.TypeConnection,
		Status:   "connected",
		ClientID: id,
		ServerTS: time.Now().UnixMilli(),
	}
	if raw, err := ack.Encode(); err != nil {
		h.log.Error("connection ack dropped", "client_id", id, "error", err)
	} else if err := h.SendTo(id, raw); err != nil {
		h.log.Warn("connection ack failed", "client_id", id, "error", err)
	}
	h.log.Info("subscriber connected", "client_id", id, "total", n)
	return id
}

// Disconnect removes and closes the subscriber. Unknown ids are ignored.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.Close()
	h.metrics.SetSubscribers(n)
	h.log.Info("subscriber disconnected", "client_id", id, "total", n)
}

// Broadcast delivers msg to every subscriber and returns how many accepted
// it. Subscribers whose Send fails are evicted.
func (h *Hub) Broadcast(msg []byte) int {
	start := time.Now()

	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	var failed []string
	delivered := 0
	for _, s := range targets {
		if err := s.Send(msg); err != nil {
			failed = append(failed, s.ID())
			continue
		}
		delivered++
	}

	elapsed := time.Since(start)
	h.Latency.Observe(elapsed)
	h.metrics.ObserveBroadcast(elapsed)

	if len(failed) > 0 {
		for _, id := range failed {
			h.Disconnect(id)
		}
		h.metrics.Evicted(len(failed))
		h.log.Warn("evicted subscribers after failed write", "count", len(failed))
	}
	return delivered
}

// SendTo unicasts msg to one subscriber. A failed write evicts it.
func (h *Hub) SendTo(id string, msg []byte) error {
	h.mu.RLock()
	sub, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrSubscriberNotFound, id)
	}
	if err := sub.Send(msg); err != nil {
		h.Disconnect(id)
		h.metrics.Evicted(1)
		if !errors.Is(err, model.ErrSubscriberWrite) {
			err = fmt.Errorf("%w: %v", model.ErrSubscriberWrite, err)
		}
		return err
	}
	return nil
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CloseAll disconnects every subscriber; used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]Subscriber)
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	h.metrics.SetSubscribers(0)
}
