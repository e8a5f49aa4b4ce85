package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cabwire/cabwire/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

// Message is one event on the operator feed.
type Message struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Server is the operator-facing event feed: every session lifecycle
// event, dispatch, guard alert and transfer is broadcast to all connected
// dashboard clients.
type Server struct {
	logger   *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// NewServer creates the event feed server.
func NewServer(log *logger.Logger) *Server {
	return &Server{
		logger: log.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Publish implements the session event sink.
func (s *Server) Publish(event string, data map[string]any) {
	s.Broadcast(Message{
		Type:      event,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// Broadcast sends a message to every connected client. A client that
// cannot keep up is dropped rather than allowed to stall the feed.
func (s *Server) Broadcast(msg Message) {
	s.mu.RLock()
	var slow []*client
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		s.logger.Warn("Dropping slow websocket client")
		s.removeClient(c)
	}
}

// ClientCount returns the number of connected feed clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleWebSocket upgrades an HTTP request onto the event feed.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", logger.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan Message, sendBufferSize),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.mu.Unlock()

	s.logger.Info("Websocket client connected",
		logger.String("remote_addr", r.RemoteAddr),
		logger.Int("clients", count))

	go s.writePump(c)
	go s.readPump(c)
}

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()

	if ok {
		close(c.send)
		c.conn.Close()
	}
}

// writePump serializes outbound messages and keepalive pings for one
// client.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(writeWait))
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("Failed to marshal feed message", logger.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.removeClient(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.removeClient(c)
				return
			}
		}
	}
}

// readPump consumes (and discards) inbound frames so pongs and close
// frames are processed.
func (s *Server) readPump(c *client) {
	defer s.removeClient(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
