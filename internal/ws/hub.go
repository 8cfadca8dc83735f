package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"edgecam/internal/pipeline"
)

// sendBuffer is the number of messages queued per client before it is
// considered too slow and dropped
const sendBuffer = 16

type client struct {
	conn            *websocket.Conn
	send            chan []byte
	interestingOnly bool
}

// Hub broadcasts finished cycles to connected WebSocket clients
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *zap.SugaredLogger
}

// NewHub creates a hub
func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debugw("Client registered", "total", n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnCycleResult implements pipeline.CycleResultHandler
func (h *Hub) OnCycleResult(result *pipeline.CycleResult) {
	if h.ClientCount() == 0 {
		return
	}

	data, err := json.Marshal(NewCycleMessage(result))
	if err != nil {
		h.logger.Warnw("Failed to marshal cycle message", "error", err)
		return
	}
	h.broadcast(data, result.Interesting)
}

func (h *Hub) broadcast(data []byte, interesting bool) {
	var slow []*client

	h.mu.RLock()
	for c := range h.clients {
		if c.interestingOnly && !interesting {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warnw("Dropping slow client", "remote", c.conn.RemoteAddr())
		h.unregister(c)
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

var _ pipeline.CycleResultHandler = (*Hub)(nil)
