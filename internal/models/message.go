package models

import (
	"time"

	"gorm.io/gorm"
)

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// StatusIcon maps a status to the indicator hint shipped with status_update
// events so clients can render the tick state without their own mapping.
func StatusIcon(s MessageStatus) string {
	switch s {
	case StatusPending:
		return "🕐"
	case StatusSent:
		return "✓"
	case StatusDelivered:
		return "✓✓"
	case StatusRead:
		return "✓✓ (blue)"
	case StatusFailed:
		return "❌"
	}
	return ""
}

type Message struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `gorm:"index:idx_recipient_created,priority:2;index:idx_sender_created,priority:2" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Client-side idempotency key, unique per sender
	ClientID string `gorm:"type:varchar(36);uniqueIndex:idx_client_sender;not null" json:"client_id"`

	SenderID    uint `gorm:"not null;uniqueIndex:idx_client_sender;index:idx_sender_created,priority:1" json:"sender_id"`
	RecipientID uint `gorm:"not null;index:idx_recipient_created,priority:1;index:idx_recipient_read,priority:1" json:"recipient_id"`

	Content       string `gorm:"type:text;not null" json:"content"`
	AttachmentRef string `gorm:"type:varchar(255)" json:"attachment_ref,omitempty"`

	// Status tracking
	Status      MessageStatus `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	IsRead      bool          `gorm:"default:false;index:idx_recipient_read,priority:2" json:"is_read"`
	SentAt      *time.Time    `json:"sent_at"`
	DeliveredAt *time.Time    `json:"delivered_at"`
	ReadAt      *time.Time    `json:"read_at"`

	// Retry bookkeeping
	RetryCount int    `gorm:"default:0" json:"retry_count"`
	LastError  string `gorm:"type:text" json:"last_error,omitempty"`
}

type MessageResponse struct {
	ID          uint          `json:"id"`
	ClientID    string        `json:"client_id"`
	SenderID    uint          `json:"sender_id"`
	RecipientID uint          `json:"recipient_id"`
	Content     string        `json:"content"`
	Status      MessageStatus `json:"status"`
	IsRead      bool          `json:"is_read"`
	CreatedAt   time.Time     `json:"created_at"`
	SentAt      *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
	RetryCount  int           `json:"retry_count,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

func (m *Message) ToResponse() MessageResponse {
	return MessageResponse{
		ID:          m.ID,
		ClientID:    m.ClientID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Content:     m.Content,
		Status:      m.Status,
		IsRead:      m.IsRead,
		CreatedAt:   m.CreatedAt,
		SentAt:      m.SentAt,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
		RetryCount:  m.RetryCount,
		LastError:   m.LastError,
	}
}
