package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"carbon-exchange/registry/registry-backend/internal/audit"
)

// Manager fans committed audit events out to WebSocket subscribers so
// the facade can push registry activity without polling. It satisfies
// audit.Sink and is wired behind the persistent sink.
type Manager struct {
	logger   *zap.Logger
	hub      *Hub
	upgrader websocket.Upgrader
}

// Connection represents a WebSocket client connection
type Connection struct {
	Conn         *websocket.Conn
	Send         chan audit.Event
	LastActivity time.Time
}

// Hub manages the broadcast of events to connections
type Hub struct {
	mu          sync.Mutex
	connections map[*Connection]bool
	broadcast   chan audit.Event
	register    chan *Connection
	unregister  chan *Connection
	stop        chan struct{}
}

// NewManager creates a new WebSocket manager and starts its hub
func NewManager(logger *zap.Logger) *Manager {
	hub := &Hub{
		connections: make(map[*Connection]bool),
		broadcast:   make(chan audit.Event, 256),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		stop:        make(chan struct{}),
	}
	go hub.run()

	return &Manager{
		logger: logger,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Append implements audit.Sink; a full broadcast buffer drops the
// event rather than blocking the emitting operation.
func (m *Manager) Append(ctx context.Context, event audit.Event) error {
	select {
	case m.hub.broadcast <- event:
	default:
		m.logger.Warn("dropping audit event, broadcast buffer full",
			zap.String("entity", event.Entity),
			zap.Int64("entity_id", event.EntityID))
	}
	return nil
}

// HandleConnection upgrades an HTTP request and serves the event feed
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &Connection{
		Conn:         conn,
		Send:         make(chan audit.Event, 64),
		LastActivity: time.Now(),
	}
	m.hub.register <- c

	go m.writePump(c)
	go m.readPump(c)
}

func (m *Manager) writePump(c *Connection) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.Send:
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(event); err != nil {
				m.hub.unregister <- c
				return
			}
		case <-ticker.C:
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.hub.unregister <- c
				return
			}
		}
	}
}

// readPump drains client frames so pings are answered and closes are seen
func (m *Manager) readPump(c *Connection) {
	defer func() {
		m.hub.unregister <- c
	}()
	c.Conn.SetReadLimit(512)
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			return
		}
		c.LastActivity = time.Now()
	}
}

// Close shuts the hub down
func (m *Manager) Close() {
	close(m.hub.stop)
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if h.connections[conn] {
				delete(h.connections, conn)
				close(conn.Send)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				select {
				case conn.Send <- event:
				default:
					// Slow consumer; drop it rather than back up the hub.
					delete(h.connections, conn)
					close(conn.Send)
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for conn := range h.connections {
				delete(h.connections, conn)
				close(conn.Send)
			}
			h.mu.Unlock()
			return
		}
	}
}
