package ws

import (
	"encoding/json"

	"github.com/gofiber/websocket/v2"
	"github.com/pingline/pingline-backend/internal/service"
)

// MessageContext provides all dependencies needed for frame processing
type MessageContext struct {
	UserID       uint
	ConnectionID string
	Conn         *websocket.Conn
	Hub          *Hub

	Delivery *service.DeliveryService
	Messages *service.MessageService
	Receipts *service.ReadReceiptService
	Sync     *service.SyncService
	Presence *service.PresenceService
	Recovery *service.RecoveryService
}

// Message interface for all WebSocket frame types
type Message interface {
	GetType() string
	Process(ctx *MessageContext) error
}

// SerializedMessage is the wire format wrapper
type SerializedMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorResponse is sent when frame processing fails
type ErrorResponse struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// SendError sends an error response to the client
func SendError(conn *websocket.Conn, code, message, details string) error {
	errResp := ErrorResponse{
		Type:    "error",
		Error:   message,
		Code:    code,
		Details: details,
	}
	return conn.WriteJSON(errResp)
}
