package models

import "time"

// Outbound event payloads handed to the transport layer. Each carries a
// "type" discriminator matching the wire protocol.

type MessageEvent struct {
	Type    string          `json:"type"`
	Message MessageResponse `json:"message"`
}

func NewMessageEvent(m *Message) MessageEvent {
	return MessageEvent{Type: "message", Message: m.ToResponse()}
}

type StatusUpdateEvent struct {
	Type      string        `json:"type"`
	MessageID uint          `json:"message_id"`
	ClientID  string        `json:"client_id,omitempty"`
	OldStatus MessageStatus `json:"old_status"`
	NewStatus MessageStatus `json:"new_status"`
	Icon      string        `json:"icon"`
	Timestamp time.Time     `json:"timestamp"`
}

func NewStatusUpdateEvent(m *Message, old MessageStatus) StatusUpdateEvent {
	return StatusUpdateEvent{
		Type:      "status_update",
		MessageID: m.ID,
		ClientID:  m.ClientID,
		OldStatus: old,
		NewStatus: m.Status,
		Icon:      StatusIcon(m.Status),
		Timestamp: time.Now(),
	}
}

type ReadReceiptEvent struct {
	Type      string    `json:"type"`
	MessageID uint      `json:"message_id"`
	ReaderID  uint      `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

func NewReadReceiptEvent(messageID, readerID uint, readAt time.Time) ReadReceiptEvent {
	return ReadReceiptEvent{Type: "read_receipt", MessageID: messageID, ReaderID: readerID, ReadAt: readAt}
}

type BulkReadReceiptsEvent struct {
	Type       string    `json:"type"`
	MessageIDs []uint    `json:"message_ids"`
	ReaderID   uint      `json:"reader_id"`
	ReadAt     time.Time `json:"read_at"`
}

func NewBulkReadReceiptsEvent(ids []uint, readerID uint, readAt time.Time) BulkReadReceiptsEvent {
	return BulkReadReceiptsEvent{Type: "bulk_read_receipts", MessageIDs: ids, ReaderID: readerID, ReadAt: readAt}
}

type TypingIndicatorEvent struct {
	Type     string `json:"type"`
	UserID   uint   `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}

func NewTypingIndicatorEvent(userID uint, typing bool) TypingIndicatorEvent {
	return TypingIndicatorEvent{Type: "typing_indicator", UserID: userID, IsTyping: typing}
}
