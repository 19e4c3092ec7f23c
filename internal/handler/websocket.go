package handler

import (
	"io"
	"log"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/awsl-project/agproxy/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HubMessage is one frame pushed to live viewers.
type HubMessage struct {
	Type string      `json:"type"` // "request_update" or "log_message"
	Data interface{} `json:"data"`
}

// Hub fans request-log updates and log lines out to connected websockets.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan HubMessage
	mu        sync.RWMutex
}

func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan HubMessage, 100),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for msg := range h.broadcast {
		h.mu.Lock()
		for client := range h.clients {
			if err := client.WriteJSON(msg); err != nil {
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Drain client frames to keep ping/pong alive.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *Hub) BroadcastRequest(entry *domain.RequestLog) {
	select {
	case h.broadcast <- HubMessage{Type: "request_update", Data: entry}:
	default:
	}
}

func (h *Hub) BroadcastLog(line string) {
	select {
	case h.broadcast <- HubMessage{Type: "log_message", Data: line}:
	default:
	}
}

// LogWriter tees process logs to stdout and the hub; install it with
// log.SetOutput.
type LogWriter struct {
	hub    *Hub
	stdout io.Writer
}

func NewLogWriter(hub *Hub) *LogWriter {
	return &LogWriter{hub: hub, stdout: os.Stdout}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	n, err := w.stdout.Write(p)
	w.hub.BroadcastLog(string(p))
	return n, err
}
