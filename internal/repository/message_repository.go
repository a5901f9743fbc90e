package repository

import (
	"time"

	"github.com/pingline/pingline-backend/internal/models"
	"gorm.io/gorm"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(message *models.Message) error {
	return r.db.Create(message).Error
}

func (r *MessageRepository) FindByID(id uint) (*models.Message, error) {
	var message models.Message
	err := r.db.First(&message, id).Error
	return &message, err
}

func (r *MessageRepository) FindByClientID(clientID string, senderID uint) (*models.Message, error) {
	var message models.Message
	err := r.db.Where("client_id = ? AND sender_id = ?", clientID, senderID).
		First(&message).Error
	return &message, err
}

// FindConversation returns up to limit messages between the two users in
// ascending created_at order. Pass a non-zero before to exclude everything
// created at or after that instant (cursor pagination).
func (r *MessageRepository) FindConversation(userID1, userID2 uint, limit int, before time.Time) ([]models.Message, error) {
	var messages []models.Message
	q := r.db.Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
		userID1, userID2, userID2, userID1)
	if !before.IsZero() {
		q = q.Where("created_at < ?", before)
	}
	err := q.Order("created_at DESC").
		Limit(limit).
		Find(&messages).Error

	// Reverse to get chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, err
}

// FindConversationPage returns one page counted from the newest message
// (page 1 = most recent), with messages in ascending order within the page.
func (r *MessageRepository) FindConversationPage(userID1, userID2 uint, page, pageSize int) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
		userID1, userID2, userID2, userID1).
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&messages).Error

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, err
}

func (r *MessageRepository) CountConversation(userID1, userID2 uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.Message{}).
		Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
			userID1, userID2, userID2, userID1).
		Count(&count).Error
	return count, err
}

// LatestCreatedAt returns the newest created_at in the conversation, zero
// time when the conversation is empty.
func (r *MessageRepository) LatestCreatedAt(userID1, userID2 uint) (time.Time, error) {
	var message models.Message
	err := r.db.Where("(sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
		userID1, userID2, userID2, userID1).
		Order("created_at DESC").
		First(&message).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	return message.CreatedAt, err
}

// UpdateStatus persists the status fields of a message after a transition.
func (r *MessageRepository) UpdateStatus(m *models.Message) error {
	return r.db.Model(&models.Message{}).Where("id = ?", m.ID).
		Updates(map[string]interface{}{
			"status":       m.Status,
			"is_read":      m.IsRead,
			"sent_at":      m.SentAt,
			"delivered_at": m.DeliveredAt,
			"read_at":      m.ReadAt,
			"retry_count":  m.RetryCount,
			"last_error":   m.LastError,
		}).Error
}

// RecordRetryFailure bumps the retry counter and stores the failure reason.
func (r *MessageRepository) RecordRetryFailure(id uint, retryCount int, lastError string) error {
	return r.db.Model(&models.Message{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": retryCount,
			"last_error":  lastError,
		}).Error
}

// FindForRecipientSince returns messages addressed to a user created after
// the given time, oldest first. Used for missed-message resynchronization.
func (r *MessageRepository) FindForRecipientSince(recipientID uint, since time.Time, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.Where("recipient_id = ? AND created_at > ?", recipientID, since).
		Order("created_at ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// FindUnreadFromSender returns unread messages a peer sent to the user,
// oldest first. Used by conversation-level read marking.
func (r *MessageRepository) FindUnreadFromSender(recipientID, senderID uint) ([]models.Message, error) {
	var messages []models.Message
	err := r.db.Where("recipient_id = ? AND sender_id = ? AND is_read = ?", recipientID, senderID, false).
		Order("created_at ASC").
		Find(&messages).Error
	return messages, err
}

// PurgeFailedOlderThan hard-deletes failed messages past the retention
// window. This is the only path that ever removes message rows.
func (r *MessageRepository) PurgeFailedOlderThan(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := r.db.Unscoped().
		Where("status = ? AND updated_at < ?", models.StatusFailed, cutoff).
		Delete(&models.Message{})
	return res.RowsAffected, res.Error
}
