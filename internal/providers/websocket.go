package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"protocol-notifier/internal/delivery"
	"protocol-notifier/internal/logging"
)

// ErrNoConnections is returned when a user has no open WebSocket.
var ErrNoConnections = errors.New("no open websocket connections")

const (
	maxConnsPerUser = 10
	writeWait       = 10 * time.Second
)

// Message kinds pushed to clients.
const (
	MessageNotification = "notification"
	MessageBadge        = "badge"
)

// Message is the JSON frame written to clients.
type Message struct {
	Kind    string           `json:"kind"`
	Content delivery.Content `json:"content"`
	SentAt  time.Time        `json:"sent_at"`
}

// clientResponse is what clients send back when the user presses an action.
type clientResponse struct {
	NotificationID string `json:"notification_id"`
	Action         string `json:"action"`
}

// WebSocketManager manages WebSocket connections per user. It delivers
// notifications and in-app badges, and reads user responses.
type WebSocketManager struct {
	connections map[string]map[*websocket.Conn]bool // userID -> set of connections
	mutex       sync.Mutex
	logger      *logging.Logger
	respond     Responder
}

func NewWebSocketManager(logger *logging.Logger, respond Responder) *WebSocketManager {
	return &WebSocketManager{
		connections: make(map[string]map[*websocket.Conn]bool),
		logger:      logger.WithComponent("websocket"),
		respond:     respond,
	}
}

// AddConnection registers conn for userID. It reports false when the user
// already has the maximum number of connections.
func (m *WebSocketManager) AddConnection(userID string, conn *websocket.Conn) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, exists := m.connections[userID]; !exists {
		m.connections[userID] = make(map[*websocket.Conn]bool)
	}
	if len(m.connections[userID]) >= maxConnsPerUser {
		m.logger.Warnf("Max connections reached for user %s", userID)
		return false
	}
	m.connections[userID][conn] = true
	m.logger.Infof("Added WebSocket connection for user %s (total: %d)", userID, len(m.connections[userID]))
	return true
}

func (m *WebSocketManager) RemoveConnection(userID string, conn *websocket.Conn) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if conns, exists := m.connections[userID]; exists {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(m.connections, userID)
		}
		m.logger.Infof("Removed WebSocket connection for user %s (remaining: %d)", userID, len(conns))
	}
}

// Connections returns how many connections userID has open.
func (m *WebSocketManager) Connections(userID string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.connections[userID])
}

// Serve registers conn and reads responses until the client disconnects.
func (m *WebSocketManager) Serve(userID string, conn *websocket.Conn) {
	if !m.AddConnection(userID, conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer func() {
		m.RemoveConnection(userID, conn)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warnf("WebSocket read failed for user %s: %v", userID, err)
			}
			return
		}
		m.handleClientMessage(userID, data)
	}
}

func (m *WebSocketManager) handleClientMessage(userID string, data []byte) {
	var r clientResponse
	if err := json.Unmarshal(data, &r); err != nil || r.NotificationID == "" || r.Action == "" {
		m.logger.Warnf("Ignoring malformed client message from user %s", userID)
		return
	}
	if m.respond != nil {
		m.respond(r.NotificationID, r.Action)
	}
}

// Send implements delivery.Sender.
func (m *WebSocketManager) Send(_ context.Context, content delivery.Content) error {
	return m.push(content.UserID, Message{Kind: MessageNotification, Content: content, SentAt: time.Now()})
}

// Badge shows an in-app badge when system notifications are unavailable.
func (m *WebSocketManager) Badge(_ context.Context, userID string, content delivery.Content) error {
	return m.push(userID, Message{Kind: MessageBadge, Content: content, SentAt: time.Now()})
}

// push writes msg to every connection of userID, dropping broken ones.
func (m *WebSocketManager) push(userID string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode websocket message: %w", err)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	conns, exists := m.connections[userID]
	if !exists {
		return fmt.Errorf("user %s: %w", userID, ErrNoConnections)
	}
	sent := 0
	for conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			m.logger.Errorf("Failed to send WebSocket message to user %s: %v", userID, err)
			delete(conns, conn)
			conn.Close()
			continue
		}
		sent++
	}
	if len(conns) == 0 {
		delete(m.connections, userID)
	}
	if sent == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNoConnections)
	}
	return nil
}
