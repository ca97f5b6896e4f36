package views

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vital-recorder/utils"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local operator tool; browsers on other origins may connect too.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StatusHub serves live session status over websocket at /ws. Connected
// clients receive every published status payload; a slow client is dropped
// rather than allowed to block the broadcast.
type StatusHub struct {
	server *http.Server

	clients    map[*websocket.Conn]chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte

	mu   sync.Mutex
	last []byte // replayed to newly connected clients

	done chan struct{}
}

// NewStatusHub creates the hub and its HTTP server; nothing listens until
// Start.
func NewStatusHub(addr string) *StatusHub {
	h := &StatusHub{
		clients:    make(map[*websocket.Conn]chan []byte),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	h.server = &http.Server{Addr: addr, Handler: mux}
	return h
}

// Start runs the hub loop and the HTTP listener.
func (h *StatusHub) Start() {
	go h.run()
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.L().Error("status hub listen: %v", err)
		}
	}()
	utils.L().Info("status hub listening on %s", h.server.Addr)
}

// Publish marshals and broadcasts a status payload. Never blocks; when the
// broadcast queue is full the update is dropped (the next one supersedes it).
func (h *StatusHub) Publish(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		utils.L().Error("status marshal: %v", err)
		return
	}
	h.mu.Lock()
	h.last = payload
	h.mu.Unlock()

	select {
	case h.broadcast <- payload:
	default:
	}
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.done:
			for conn, ch := range h.clients {
				close(ch)
				conn.Close()
			}
			return

		case conn := <-h.register:
			ch := make(chan []byte, 16)
			h.clients[conn] = ch
			go h.writer(conn, ch)

			h.mu.Lock()
			last := h.last
			h.mu.Unlock()
			if last != nil {
				ch <- last
			}
			utils.L().Debug("status client connected (%d total)", len(h.clients))

		case conn := <-h.unregister:
			if ch, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				close(ch)
				conn.Close()
			}

		case payload := <-h.broadcast:
			for conn, ch := range h.clients {
				select {
				case ch <- payload:
				default:
					// Client cannot keep up; cut it loose.
					delete(h.clients, conn)
					close(ch)
					conn.Close()
				}
			}
		}
	}
}

// writer drains one client's send queue onto its connection.
func (h *StatusHub) writer(conn *websocket.Conn, ch <-chan []byte) {
	for payload := range ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
			return
		}
	}
}

func (h *StatusHub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		utils.L().Warn("status upgrade: %v", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Reader loop: we never expect client messages, but reading is what
	// detects the close handshake.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.unregister <- conn:
				case <-h.done:
				}
				return
			}
		}
	}()
}

// Close shuts the listener down and disconnects every client.
func (h *StatusHub) Close() error {
	close(h.done)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.server.Shutdown(ctx)
}
