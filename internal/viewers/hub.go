package viewers

import (
	"encoding/json"
	"sync"

	"github.com/cartoonrewatch/crt80/internal/metrics"
	"go.uber.org/zap"
)

// Sender delivers an encoded frame to one connection without blocking. Send
// reports false when the frame was dropped.
type Sender interface {
	ID() string
	Send(payload []byte) bool
}

type HubConfig struct {
	Registry *Registry
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Hub fans messages out to registered senders. Delivery is best effort: a
// slow or closed sender loses the frame and never holds up the others.
type Hub struct {
	mu       sync.RWMutex
	senders  map[string]Sender
	registry *Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewHub(cfg HubConfig) *Hub {
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		senders:  make(map[string]Sender),
		registry: registry,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
}

func (h *Hub) Register(sender Sender) {
	h.mu.Lock()
	h.senders[sender.ID()] = sender
	h.mu.Unlock()
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.senders, id)
	h.mu.Unlock()
}

// BroadcastAll encodes message once and offers it to every sender. It returns
// the number of senders that accepted the frame.
func (h *Hub) BroadcastAll(message any) int {
	return h.BroadcastAllOr(message, nil)
}

// BroadcastAllOr behaves like BroadcastAll, but when no sender is registered
// the frame goes to origin instead.
func (h *Hub) BroadcastAllOr(message any, origin Sender) int {
	payload, ok := h.encode(message)
	if !ok {
		return 0
	}
	targets := h.snapshot(nil)
	if len(targets) == 0 && origin != nil {
		targets = []Sender{origin}
	}
	h.metrics.Broadcast(messageTypeOf(message))
	return h.deliver(targets, payload)
}

// BroadcastToChannel offers message to every connection whose current channel
// equals channel.
func (h *Hub) BroadcastToChannel(channel string, message any) int {
	ids := h.registry.ConnectionsOnChannel(channel)
	if len(ids) == 0 {
		return 0
	}
	payload, ok := h.encode(message)
	if !ok {
		return 0
	}
	h.metrics.Broadcast(messageTypeOf(message))
	return h.deliver(h.snapshot(ids), payload)
}

// SendTo delivers message to a single sender.
func (h *Hub) SendTo(sender Sender, message any) bool {
	payload, ok := h.encode(message)
	if !ok {
		return false
	}
	return h.deliver([]Sender{sender}, payload) == 1
}

func (h *Hub) encode(message any) ([]byte, bool) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("viewer hub encode failed",
			zap.String("type", messageTypeOf(message)),
			zap.Error(err))
		return nil, false
	}
	return payload, true
}

func (h *Hub) snapshot(ids []string) []Sender {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ids == nil {
		targets := make([]Sender, 0, len(h.senders))
		for _, sender := range h.senders {
			targets = append(targets, sender)
		}
		return targets
	}
	targets := make([]Sender, 0, len(ids))
	for _, id := range ids {
		if sender, ok := h.senders[id]; ok {
			targets = append(targets, sender)
		}
	}
	return targets
}

func (h *Hub) deliver(targets []Sender, payload []byte) int {
	delivered := 0
	for _, sender := range targets {
		if sender.Send(payload) {
			delivered++
			continue
		}
		h.metrics.DeliveryDropped()
		h.logger.Debug("viewer frame dropped", zap.String("connection_id", sender.ID()))
	}
	return delivered
}
