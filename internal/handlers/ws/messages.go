package ws

import (
	"context"
	"errors"
	"time"

	"github.com/pingline/pingline-backend/internal/models"
	"github.com/pingline/pingline-backend/internal/service"
)

// MessageChat is an inbound send over the live socket.
type MessageChat struct {
	ClientID    string `json:"client_id"`
	RecipientID uint   `json:"recipient_id"`
	Content     string `json:"content"`
}

func (msg *MessageChat) GetType() string { return "chat" }

func (msg *MessageChat) Process(ctx *MessageContext) error {
	if msg.RecipientID == 0 {
		return SendError(ctx.Conn, "missing_recipient", "recipient_id is required", "")
	}
	if msg.ClientID == "" {
		return SendError(ctx.Conn, "missing_client_id", "client_id is required", "")
	}

	message, err := ctx.Delivery.Send(context.Background(), ctx.UserID, msg.RecipientID, msg.Content, msg.ClientID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmptyContent):
			return SendError(ctx.Conn, "missing_content", "Content is required", "")
		case errors.Is(err, service.ErrContentTooLong):
			return SendError(ctx.Conn, "content_too_long", "Content exceeds the maximum message length", "")
		case errors.Is(err, service.ErrDuplicateDivergent):
			return SendError(ctx.Conn, "client_id_conflict", "client_id was already used with different content", "")
		default:
			return err
		}
	}

	// Ack the sending tab with the stored record
	return ctx.Conn.WriteJSON(map[string]interface{}{
		"type":    "ack",
		"message": message.ToResponse(),
	})
}

// MessageRead acknowledges one message as read.
type MessageRead struct {
	MessageID uint `json:"message_id"`
}

func (msg *MessageRead) GetType() string { return "read" }

func (msg *MessageRead) Process(ctx *MessageContext) error {
	err := ctx.Receipts.MarkRead(context.Background(), msg.MessageID, ctx.UserID, time.Now())
	if errors.Is(err, service.ErrNotRecipient) {
		return SendError(ctx.Conn, "not_recipient", "Only the recipient can mark a message read", "")
	}
	return err
}

// MessageReadBulk acknowledges a batch of messages as read.
type MessageReadBulk struct {
	MessageIDs []uint `json:"message_ids"`
}

func (msg *MessageReadBulk) GetType() string { return "read_bulk" }

func (msg *MessageReadBulk) Process(ctx *MessageContext) error {
	_, err := ctx.Receipts.MarkManyRead(context.Background(), msg.MessageIDs, ctx.UserID, time.Now())
	return err
}

// MessageTyping relays a typing indicator. Ephemeral, never queued.
type MessageTyping struct {
	PartnerID uint `json:"partner_id"`
	IsTyping  bool `json:"is_typing"`
}

func (msg *MessageTyping) GetType() string { return "typing" }

func (msg *MessageTyping) Process(ctx *MessageContext) error {
	ctx.Delivery.Typing(ctx.UserID, msg.PartnerID, msg.IsTyping)
	return nil
}

// MessageSync asks for messages the client missed while offline.
type MessageSync struct {
	Since time.Time `json:"since"`
}

func (msg *MessageSync) GetType() string { return "sync" }

func (msg *MessageSync) Process(ctx *MessageContext) error {
	since := msg.Since
	if since.IsZero() {
		since = time.Now().Add(-models.QueueTTL)
	}

	missed, err := ctx.Messages.MessagesForRecipientSince(ctx.UserID, since, 0)
	if err != nil {
		return err
	}

	token := ctx.Sync.GenerateToken(ctx.UserID, "resync")

	responses := make([]models.MessageResponse, len(missed))
	for i := range missed {
		responses[i] = missed[i].ToResponse()
	}

	return ctx.Conn.WriteJSON(map[string]interface{}{
		"type":       "batch",
		"sync_token": token,
		"messages":   responses,
		"count":      len(responses),
	})
}

// MessageSyncComplete confirms a finished sync operation.
type MessageSyncComplete struct {
	Token string `json:"token"`
}

func (msg *MessageSyncComplete) GetType() string { return "sync_complete" }

func (msg *MessageSyncComplete) Process(ctx *MessageContext) error {
	if !ctx.Sync.MarkCompleted(msg.Token) {
		return SendError(ctx.Conn, "unknown_sync_token", "Unknown or expired sync token", "")
	}
	return nil
}
