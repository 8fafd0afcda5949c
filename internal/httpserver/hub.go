package httpserver

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/telecaller/internal/agent"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	subscriberBuffer = 16
	writeWait        = 5 * time.Second
)

// Hub fans call status snapshots out to WebSocket subscribers.
// StatusChanged never blocks: a slow subscriber loses its oldest snapshot.
type Hub struct {
	mu   sync.Mutex
	subs map[chan agent.Snapshot]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan agent.Snapshot]struct{})}
}

func (h *Hub) StatusChanged(s agent.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func (h *Hub) subscribe() chan agent.Snapshot {
	ch := make(chan agent.Snapshot, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan agent.Snapshot) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Subscribers reports the number of connected listeners.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// serve streams snapshots over conn, starting with the current one, until the peer goes away.
func (h *Hub) serve(conn *websocket.Conn, current func() agent.Snapshot) {
	defer conn.Close()
	ch := h.subscribe()
	defer h.unsubscribe(ch)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeSnapshot(conn, current()); err != nil {
		return
	}
	for {
		select {
		case <-gone:
			return
		case s := <-ch:
			if err := writeSnapshot(conn, s); err != nil {
				log.Printf("status stream write error: %v", err)
				return
			}
		}
	}
}

func writeSnapshot(conn *websocket.Conn, s agent.Snapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(s)
}
