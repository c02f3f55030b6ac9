package stream

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Slow clients are dropped rather than allowed to stall training.
	clientBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub broadcasts run events to connected WebSocket clients. It satisfies
// both Sink and http.Handler, so it can be mounted directly on a mux.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan Event
	closed  bool
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan Event)}
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	send := make(chan Event, clientBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = send
	h.mu.Unlock()

	go h.writePump(conn, send)
	h.readPump(conn)
}

func (h *Hub) readPump(conn *websocket.Conn) {
	defer h.drop(conn)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, send chan Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.drop(conn)
	}()
	for {
		select {
		case ev, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if send, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(send)
	}
	h.mu.Unlock()
	conn.Close()
}

// Publish fans the event out to every client, dropping it for clients whose
// buffer is full.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, send := range h.clients {
		select {
		case send <- ev:
		default:
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("hub already closed")
	}
	h.closed = true
	for conn, send := range h.clients {
		delete(h.clients, conn)
		close(send)
		conn.Close()
	}
	return nil
}
