package ws

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/pingline/pingline-backend/internal/service"
	"github.com/sirupsen/logrus"
)

// Conn is the subset of the websocket connection the hub drives.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadDeadline(t time.Time) error
}

// ClientConnection wraps a WebSocket connection with metadata
type ClientConnection struct {
	Conn         Conn
	UserID       uint
	ConnectionID string
	LastPong     time.Time
	SupportsGzip bool
	PingTicker   *time.Ticker
	CloseChan    chan struct{}

	writeMu sync.Mutex
}

func (c *ClientConnection) write(frameType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(frameType, data)
}

// Hub manages all active WebSocket sessions. One user may hold several
// sessions at once (multiple tabs/devices); every send fans out to all of
// them.
type Hub struct {
	clients    map[uint]map[string]*ClientConnection
	clientsMux sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration

	// OnPong is invoked on every pong so presence and recovery liveness
	// stay fresh.
	OnPong func(userID uint, connectionID string)

	log *logrus.Entry
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	hub := &Hub{
		clients:      make(map[uint]map[string]*ClientConnection),
		pingInterval: 30 * time.Second,
		pongTimeout:  90 * time.Second,
		log:          logrus.WithField("component", "hub"),
	}

	go hub.connectionHealthChecker()

	return hub
}

// Register adds a session with health monitoring.
func (h *Hub) Register(userID uint, connectionID string, conn Conn, supportsGzip bool) {
	clientConn := &ClientConnection{
		Conn:         conn,
		UserID:       userID,
		ConnectionID: connectionID,
		LastPong:     time.Now(),
		SupportsGzip: supportsGzip,
		PingTicker:   time.NewTicker(h.pingInterval),
		CloseChan:    make(chan struct{}),
	}

	conn.SetPongHandler(func(appData string) error {
		// Read deadlines are absolute; every pong pushes the cutoff out so a
		// responsive session is never timed out of its read loop.
		_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))
		h.clientsMux.Lock()
		if client, exists := h.clients[userID][connectionID]; exists {
			client.LastPong = time.Now()
		}
		h.clientsMux.Unlock()
		if h.OnPong != nil {
			h.OnPong(userID, connectionID)
		}
		return nil
	})

	_ = conn.SetReadDeadline(time.Now().Add(h.pongTimeout))

	h.clientsMux.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[string]*ClientConnection)
	}
	h.clients[userID][connectionID] = clientConn
	sessions := len(h.clients[userID])
	h.clientsMux.Unlock()

	go h.pingRoutine(clientConn)

	h.log.WithFields(logrus.Fields{
		"user_id":       userID,
		"connection_id": connectionID,
		"sessions":      sessions,
		"gzip":          supportsGzip,
	}).Info("session registered")
}

// Unregister removes one session.
func (h *Hub) Unregister(userID uint, connectionID string) {
	h.clientsMux.Lock()
	if client, exists := h.clients[userID][connectionID]; exists {
		if client.PingTicker != nil {
			client.PingTicker.Stop()
		}
		close(client.CloseChan)
		delete(h.clients[userID], connectionID)
		if len(h.clients[userID]) == 0 {
			delete(h.clients, userID)
		}
	}
	h.clientsMux.Unlock()

	h.log.WithFields(logrus.Fields{
		"user_id":       userID,
		"connection_id": connectionID,
	}).Info("session unregistered")
}

// IsOnline checks if a user has at least one session.
func (h *Hub) IsOnline(userID uint) bool {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients[userID]) > 0
}

// SessionCount returns the number of sessions one user holds.
func (h *Hub) SessionCount(userID uint) int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients[userID])
}

// Deliver sends a payload to every session of the user. It implements the
// live transport: an error means no session accepted the payload.
func (h *Hub) Deliver(ctx context.Context, userID uint, payload interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.Broadcast(userID, payload)
}

// Broadcast fans a payload out to all sessions of one user.
func (h *Hub) Broadcast(userID uint, payload interface{}) error {
	h.clientsMux.RLock()
	sessions := make([]*ClientConnection, 0, len(h.clients[userID]))
	for _, client := range h.clients[userID] {
		sessions = append(sessions, client)
	}
	h.clientsMux.RUnlock()

	if len(sessions) == 0 {
		return fmt.Errorf("deliver to user %d: %w", userID, service.ErrNoActiveSessions)
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("deliver to user %d: %w", userID, err)
	}

	deliveredTo := 0
	for _, client := range sessions {
		if err := h.writeToSession(client, jsonData); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{
				"user_id":       userID,
				"connection_id": client.ConnectionID,
			}).Warn("session write failed")
			h.Unregister(userID, client.ConnectionID)
			continue
		}
		deliveredTo++
	}

	if deliveredTo == 0 {
		return fmt.Errorf("deliver to user %d: %w", userID, service.ErrNoActiveSessions)
	}
	return nil
}

func (h *Hub) writeToSession(client *ClientConnection, jsonData []byte) error {
	finalData := jsonData
	frameType := websocket.TextMessage
	// Compress if supported and beneficial (> 512 bytes)
	if client.SupportsGzip && len(jsonData) > 512 {
		if compressed, err := CompressMessage(jsonData); err == nil && len(compressed) < len(jsonData) {
			finalData = compressed
			frameType = websocket.BinaryMessage
		}
	}
	return client.write(frameType, finalData)
}

// BroadcastAll sends a payload to every connected session.
func (h *Hub) BroadcastAll(payload interface{}) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		h.log.WithError(err).Warn("broadcast marshal failed")
		return
	}

	h.clientsMux.RLock()
	sessions := make([]*ClientConnection, 0)
	for _, userSessions := range h.clients {
		for _, client := range userSessions {
			sessions = append(sessions, client)
		}
	}
	h.clientsMux.RUnlock()

	for _, client := range sessions {
		if err := h.writeToSession(client, jsonData); err != nil {
			h.Unregister(client.UserID, client.ConnectionID)
		}
	}
}

// OnlineUsers returns the ids of users with at least one session.
func (h *Hub) OnlineUsers() []uint {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()

	users := make([]uint, 0, len(h.clients))
	for userID := range h.clients {
		users = append(users, userID)
	}
	return users
}

// Count returns the total number of sessions.
func (h *Hub) Count() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	total := 0
	for _, userSessions := range h.clients {
		total += len(userSessions)
	}
	return total
}

// pingRoutine sends periodic pings to keep one session alive.
func (h *Hub) pingRoutine(client *ClientConnection) {
	defer func() {
		if r := recover(); r != nil {
			h.log.WithFields(logrus.Fields{
				"user_id": client.UserID,
				"panic":   r,
			}).Error("ping routine recovered")
		}
	}()

	for {
		select {
		case <-client.CloseChan:
			return
		case <-client.PingTicker.C:
			client.writeMu.Lock()
			err := client.Conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			client.writeMu.Unlock()
			if err != nil {
				h.log.WithError(err).WithField("user_id", client.UserID).Debug("ping failed")
				h.Unregister(client.UserID, client.ConnectionID)
				return
			}
		}
	}
}

// connectionHealthChecker drops sessions that stopped answering pings.
func (h *Hub) connectionHealthChecker() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		type deadConn struct {
			userID uint
			connID string
		}
		var dead []deadConn

		h.clientsMux.RLock()
		for userID, userSessions := range h.clients {
			for connID, client := range userSessions {
				if now.Sub(client.LastPong) > h.pongTimeout {
					dead = append(dead, deadConn{userID, connID})
				}
			}
		}
		h.clientsMux.RUnlock()

		for _, d := range dead {
			h.log.WithFields(logrus.Fields{
				"user_id":       d.userID,
				"connection_id": d.connID,
			}).Info("removing dead session (no pong)")
			h.Unregister(d.userID, d.connID)
		}
	}
}

// CompressMessage compresses a frame with gzip.
func CompressMessage(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)

	if _, err := gzipWriter.Write(data); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressMessage decompresses a gzip frame.
func DecompressMessage(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}
