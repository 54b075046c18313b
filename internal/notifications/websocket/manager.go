package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mapchain/valuation-portal/valuation-portal-backend/internal/httpapi"
	"mapchain/valuation-portal/valuation-portal-backend/internal/notifications"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

// Manager keeps live client connections and routes events to the
// connections of their recipients
type Manager struct {
	connections map[string]*Connection
	mu          sync.RWMutex
	upgrader    websocket.Upgrader
	logger      *zap.Logger
}

// Connection represents a WebSocket client connection
type Connection struct {
	ID          string
	UserID      string
	Conn        *websocket.Conn
	Send        chan notifications.WebSocketMessage
	ConnectedAt time.Time
	closeOnce   sync.Once
}

// NewManager creates a new WebSocket manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Origin policy is enforced by the fronting gateway
				return true
			},
		},
	}
}

// RegisterRoutes registers the event stream endpoint
func (m *Manager) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events/ws", m.serveWS)
}

// serveWS handles GET /api/v1/events/ws
func (m *Manager) serveWS(c *gin.Context) {
	userID, ok := httpapi.ActingUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing acting user"})
		return
	}
	if _, err := m.HandleConnection(c.Writer, c.Request, userID); err != nil {
		m.logger.Warn("WebSocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// HandleConnection upgrades the request and starts the connection pumps
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, userID string) (*Connection, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Conn:        conn,
		Send:        make(chan notifications.WebSocketMessage, sendBuffer),
		ConnectedAt: time.Now(),
	}

	m.mu.Lock()
	m.connections[connection.ID] = connection
	m.mu.Unlock()

	m.logger.Debug("WebSocket connection registered",
		zap.String("connection_id", connection.ID),
		zap.String("user_id", userID))

	connection.Send <- notifications.WebSocketMessage{
		Type:      notifications.WSMessageTypeStatus,
		Data:      map[string]interface{}{"status": "connected", "connection_id": connection.ID},
		Timestamp: time.Now(),
		Target:    userID,
	}

	go m.readPump(connection)
	go m.writePump(connection)

	return connection, nil
}

// readPump drains client frames; clients only send pongs and close frames
func (m *Manager) readPump(conn *Connection) {
	defer m.unregister(conn)

	conn.Conn.SetReadLimit(512)
	conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Debug("WebSocket closed unexpectedly", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}
	}
}

// writePump pumps messages to the WebSocket connection
func (m *Manager) writePump(conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.Conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// unregister removes the connection and closes its send channel. Sends
// happen under the read lock, so closing under the write lock is safe.
func (m *Manager) unregister(conn *Connection) {
	m.mu.Lock()
	delete(m.connections, conn.ID)
	conn.closeOnce.Do(func() { close(conn.Send) })
	m.mu.Unlock()

	m.logger.Debug("WebSocket connection unregistered",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", conn.UserID))
}

// Name identifies the publisher in logs and metrics
func (m *Manager) Name() string {
	return "websocket"
}

// Publish delivers event to every live connection of its recipients.
// Offline recipients are skipped.
func (m *Manager) Publish(ctx context.Context, event notifications.Event) error {
	var dropped int
	for _, userID := range event.Recipients {
		message := notifications.WebSocketMessage{
			Type:      notifications.WSMessageTypeEvent,
			Event:     &event,
			Timestamp: time.Now(),
			Target:    userID,
		}
		dropped += m.sendToUser(userID, message)
	}
	if dropped > 0 {
		return fmt.Errorf("dropped %d messages for slow connections", dropped)
	}
	return nil
}

// SendToUser sends a message to every connection of a user
func (m *Manager) SendToUser(userID string, message notifications.WebSocketMessage) error {
	if m.UserConnectionCount(userID) == 0 {
		return fmt.Errorf("user not connected")
	}
	if dropped := m.sendToUser(userID, message); dropped > 0 {
		return fmt.Errorf("user connection buffer full")
	}
	return nil
}

func (m *Manager) sendToUser(userID string, message notifications.WebSocketMessage) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var dropped int
	for _, conn := range m.connections {
		if conn.UserID != userID {
			continue
		}
		select {
		case conn.Send <- message:
		default:
			dropped++
		}
	}
	return dropped
}

// GetConnectionCount returns the number of active connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// UserConnectionCount returns the number of connections of a user
func (m *Manager) UserConnectionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, conn := range m.connections {
		if conn.UserID == userID {
			count++
		}
	}
	return count
}

// Close closes all connections
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, conn := range m.connections {
		conn.closeOnce.Do(func() { close(conn.Send) })
		delete(m.connections, id)
	}
}
