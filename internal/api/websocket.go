package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsHub fans contract lifecycle events out to connected websocket clients.
type wsHub struct {
	clients    map[*websocket.Conn]chan []byte
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *websocket.Conn
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

var hub = &wsHub{
	clients:    make(map[*websocket.Conn]chan []byte),
	broadcast:  make(chan []byte, 64),
	register:   make(chan *wsClient),
	unregister: make(chan *websocket.Conn),
}

func init() {
	go hub.run()
}

func (h *wsHub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c.conn] = c.send
		case conn := <-h.unregister:
			if send, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				close(send)
			}
		case msg := <-h.broadcast:
			for conn, send := range h.clients {
				select {
				case send <- msg:
				default:
					// drop the client if it cannot keep up
					delete(h.clients, conn)
					close(send)
				}
			}
		}
	}
}

// broadcastEvent pushes a contract lifecycle notification to all
// websocket subscribers. Safe to call from any goroutine.
func broadcastEvent(eventType, contractID string) {
	payload, err := json.Marshal(map[string]string{
		"type":        eventType,
		"contract_id": contractID,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	select {
	case hub.broadcast <- payload:
	default:
		// drop rather than block a request handler
	}
}

// handleEventWebSocket streams contract lifecycle events.
func handleEventWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 16)}
	hub.register <- client

	// Writer: drains the send channel until the hub closes it.
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// Reader: only used to detect disconnects.
	go func() {
		defer func() { hub.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleStatusWebSocket pushes the status payload on a fixed interval.
func (s *Server) handleStatusWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	send := func() error {
		payload, err := s.buildStatusPayload(r.Context())
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, payload)
	}

	if err := send(); err != nil {
		return
	}
	for {
		select {
		case <-ticker.C:
			if err := send(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
