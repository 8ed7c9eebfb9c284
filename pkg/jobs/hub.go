package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/nicktill/exportd/pkg/logging"
	"github.com/nicktill/exportd/pkg/model"
)

const (
	hubChannelBuffer   = 10
	hubBroadcastBuffer = 256
	hubWriteDeadline   = 10 * time.Second
)

// Hub fans job status transitions out to connected websocket clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	mu  sync.RWMutex
	log *logrus.Entry
}

// NewHub creates a websocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, hubChannelBuffer),
		unregister: make(chan *websocket.Conn, hubChannelBuffer),
		broadcast:  make(chan []byte, hubBroadcastBuffer),
		log:        logging.Component("jobs-hub"),
	}
}

// Run drives the hub until ctx is cancelled, then closes all clients.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.WithField("clients", count).Debug("websocket client connected")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.WithField("clients", count).Debug("websocket client disconnected")
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(hubWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.unregister <- conn
			}
		}
	}
}

// BroadcastJob sends a job snapshot to all connected clients. The message
// is dropped when the broadcast buffer is full; updates must never block
// the scheduler.
func (h *Hub) BroadcastJob(job model.Job) {
	message, err := json.Marshal(map[string]interface{}{
		"type": "job_update",
		"job":  job,
	})
	if err != nil {
		h.log.WithError(err).Error("failed to encode job update")
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.log.Warn("broadcast buffer full, dropping job update")
	}
}

// HasClients reports whether any websocket client is connected.
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}
