package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"smart-parking-backend/internal/logger"
)

// SnapshotFunc produces the current full parking snapshot, sent to every
// subscriber on connect and on explicit request.
type SnapshotFunc func(ctx context.Context) (interface{}, error)

// Event is the envelope every outbound frame uses.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub fans events out to dashboard subscribers. Broadcast never blocks on
// a slow subscriber: each client has a bounded queue and overflow frames
// are dropped. Discrete events are advisory; a client that only consumes
// parking_update frames stays correct.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	snapshot SnapshotFunc
}

func NewHub(snapshot SnapshotFunc) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		snapshot: snapshot,
	}
}

// Broadcast marshals once and enqueues the frame for every subscriber.
func (h *Hub) Broadcast(event string, data interface{}) {
	frame, err := json.Marshal(Event{Event: event, Data: data})
	if err != nil {
		logger.Error("Failed to marshal broadcast event",
			zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		client.enqueue(frame)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnection services one subscriber socket until it disconnects.
// The new subscriber immediately receives a full snapshot; there is no
// replay of historical events.
func (h *Hub) HandleConnection(conn *websocket.Conn) {
	client := newClient(uuid.New().String(), conn, h)

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()

	logger.Info("Dashboard client connected", zap.String("client_id", client.id))

	client.sendSnapshot()

	go client.writePump()
	client.readPump()
}

func (h *Hub) removeClient(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
	logger.Info("Dashboard client disconnected", zap.String("client_id", id))
}

func (h *Hub) currentSnapshot() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := h.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Event: "parking_update", Data: data})
}
