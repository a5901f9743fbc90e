package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"github.com/pingline/pingline-backend/internal/handlers/ws"
	"github.com/pingline/pingline-backend/internal/service"
	"github.com/sirupsen/logrus"
)

type WebSocketHandler struct {
	hub      *ws.Hub
	delivery *service.DeliveryService
	messages *service.MessageService
	receipts *service.ReadReceiptService
	sync     *service.SyncService
	presence *service.PresenceService
	recovery *service.RecoveryService
	offline  *service.OfflineQueueService
	log      *logrus.Entry
}

func NewWebSocketHandler(
	hub *ws.Hub,
	delivery *service.DeliveryService,
	messages *service.MessageService,
	receipts *service.ReadReceiptService,
	syncSvc *service.SyncService,
	presence *service.PresenceService,
	recovery *service.RecoveryService,
	offline *service.OfflineQueueService,
) *WebSocketHandler {
	h := &WebSocketHandler{
		hub:      hub,
		delivery: delivery,
		messages: messages,
		receipts: receipts,
		sync:     syncSvc,
		presence: presence,
		recovery: recovery,
		offline:  offline,
		log:      logrus.WithField("component", "ws_handler"),
	}
	hub.OnPong = func(userID uint, connectionID string) {
		presence.Heartbeat(userID)
		recovery.Heartbeat(connectionID)
	}
	return h
}

// GetHub returns the hub instance (useful for sending messages from other handlers)
func (h *WebSocketHandler) GetHub() *ws.Hub {
	return h.hub
}

func (h *WebSocketHandler) HandleWebSocket(c *websocket.Conn) {
	userID := c.Locals("userID").(uint)

	// Check if client supports gzip compression (via query param or header)
	supportsGzip := c.Query("gzip") == "1" || c.Headers("X-Supports-Gzip") == "1"

	connectionID, err := h.presence.Connect(userID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", userID).Warn("presence connect failed")
	}

	h.hub.Register(userID, connectionID, c, supportsGzip)
	h.recovery.Track(userID, connectionID)

	// Drain queued deliveries now that the user has a live session
	go func() {
		if delivered, err := h.offline.DrainForUser(context.Background(), userID); err != nil {
			h.log.WithError(err).WithField("user_id", userID).Warn("offline drain failed")
		} else if delivered > 0 {
			h.log.WithFields(logrus.Fields{
				"user_id":   userID,
				"delivered": delivered,
			}).Info("offline queue drained on connect")
		}
	}()

	defer func() {
		h.hub.Unregister(userID, connectionID)
		if err := h.presence.Disconnect(userID, connectionID); err != nil {
			h.log.WithError(err).WithField("user_id", userID).Debug("presence disconnect failed")
		}
		// Connection loss starts the reconnection cycle
		if err := h.recovery.MarkDisconnected(connectionID); err != nil {
			h.log.WithError(err).WithField("connection_id", connectionID).Debug("recovery tracking missed disconnect")
		}
	}()

	ctx := &ws.MessageContext{
		UserID:       userID,
		ConnectionID: connectionID,
		Conn:         c,
		Hub:          h.hub,
		Delivery:     h.delivery,
		Messages:     h.messages,
		Receipts:     h.receipts,
		Sync:         h.sync,
		Presence:     h.presence,
		Recovery:     h.recovery,
	}

	for {
		messageType, messageBytes, err := c.ReadMessage()
		if err != nil {
			h.log.WithError(err).WithField("user_id", userID).Debug("read loop ended")
			break
		}

		// Decompress if binary message (gzip compressed)
		if messageType == websocket.BinaryMessage {
			decompressed, err := ws.DecompressMessage(messageBytes)
			if err != nil {
				h.log.WithError(err).WithField("user_id", userID).Warn("frame decompression failed")
				ws.SendError(c, "decompression_failed", "Failed to decompress message", err.Error())
				continue
			}
			messageBytes = decompressed
		}

		msg, err := ws.Deserialize(messageBytes)
		if err != nil {
			ws.SendError(c, "invalid_message", "Invalid message format", err.Error())
			continue
		}

		if err := msg.Process(ctx); err != nil {
			h.log.WithError(err).WithFields(logrus.Fields{
				"user_id": userID,
				"type":    msg.GetType(),
			}).Warn("frame processing failed")
			ws.SendError(c, "processing_failed", "Failed to process message", err.Error())
		}
	}
}
