package models

import (
	"time"

	"gorm.io/gorm"
)

type QueueType string

const (
	// QueueIncoming holds deliveries waiting for an offline recipient.
	QueueIncoming QueueType = "incoming"
	// QueueOutgoing holds sends accepted while the sender was offline.
	QueueOutgoing QueueType = "outgoing"
	// QueueRetry holds deliveries waiting for their next retry attempt.
	QueueRetry QueueType = "retry"
)

// QueueTTL is the hard cutoff after which a queued entry is purged
// regardless of processing state.
const QueueTTL = 7 * 24 * time.Hour

// QueuedMessage is a pending delivery obligation, distinct from the Message
// row it references.
type QueuedMessage struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	QueueType QueueType `gorm:"type:varchar(16);not null;index;uniqueIndex:idx_queue_client_sender" json:"queue_type"`

	SenderID    uint `gorm:"not null;index;uniqueIndex:idx_queue_client_sender" json:"sender_id"`
	RecipientID uint `gorm:"not null;index" json:"recipient_id"`

	// Reference to the durable message, zero when only the raw payload exists
	MessageID uint `gorm:"index" json:"message_id"`

	// Idempotency key carried from the originating send. The unique index is
	// scoped by queue type so one send can hold both an incoming delivery and
	// the sender's outgoing echo.
	ClientID string `gorm:"type:varchar(36);not null;uniqueIndex:idx_queue_client_sender" json:"client_id"`

	// Cached wire payload to avoid joins on delivery
	Payload string `gorm:"type:text" json:"payload"`

	// Lower value means more urgent
	Priority int `gorm:"default:0" json:"priority"`

	Attempts    int        `gorm:"default:0" json:"attempts"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	RetryAt     *time.Time `gorm:"index:idx_queue_due,priority:2" json:"retry_at"`
	ExpiresAt   time.Time  `gorm:"not null;index" json:"expires_at"`
	IsProcessed bool       `gorm:"default:false;index:idx_queue_due,priority:1" json:"is_processed"`
}

// Expired reports whether the entry is past its hard TTL at the given time.
func (q *QueuedMessage) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}
