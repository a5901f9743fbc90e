package repository

import (
	"time"

	"github.com/pingline/pingline-backend/internal/models"
	"gorm.io/gorm"
)

type QueueRepository struct {
	db *gorm.DB
}

func NewQueueRepository(db *gorm.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

func (r *QueueRepository) Enqueue(entry *models.QueuedMessage) error {
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = time.Now().Add(models.QueueTTL)
	}
	return r.db.Create(entry).Error
}

// FindByClientID looks up an existing queue entry for dedup on re-enqueue.
// Scoped by queue type: the same send may legitimately sit in both the
// incoming and the outgoing queue.
func (r *QueueRepository) FindByClientID(queueType models.QueueType, senderID uint, clientID string) (*models.QueuedMessage, error) {
	var entry models.QueuedMessage
	err := r.db.Where("queue_type = ? AND sender_id = ? AND client_id = ?", queueType, senderID, clientID).
		First(&entry).Error
	return &entry, err
}

// PendingForUser returns unprocessed, unexpired entries waiting on the user:
// incoming deliveries addressed to them plus outgoing sends they queued while
// offline. Ordered by priority (lower first) then creation time.
func (r *QueueRepository) PendingForUser(userID uint, now time.Time, limit int) ([]models.QueuedMessage, error) {
	var entries []models.QueuedMessage
	err := r.db.Where("is_processed = ? AND expires_at > ?", false, now).
		Where("retry_at IS NULL OR retry_at <= ?", now).
		Where("(recipient_id = ? AND queue_type = ?) OR (sender_id = ? AND queue_type = ?)",
			userID, models.QueueIncoming, userID, models.QueueOutgoing).
		Order("priority ASC, created_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// DueRetries returns retry-queued entries whose retry_at has passed.
func (r *QueueRepository) DueRetries(now time.Time, limit int) ([]models.QueuedMessage, error) {
	var entries []models.QueuedMessage
	err := r.db.Where("queue_type = ? AND is_processed = ? AND expires_at > ?", models.QueueRetry, false, now).
		Where("retry_at IS NOT NULL AND retry_at <= ?", now).
		Order("priority ASC, retry_at ASC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *QueueRepository) MarkProcessed(id uint) error {
	return r.db.Model(&models.QueuedMessage{}).Where("id = ?", id).
		Update("is_processed", true).Error
}

// MarkAttempt records a failed delivery attempt and its next retry time.
func (r *QueueRepository) MarkAttempt(id uint, attempts int, lastError string, nextRetry *time.Time) error {
	return r.db.Model(&models.QueuedMessage{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   attempts,
			"last_error": lastError,
			"retry_at":   nextRetry,
		}).Error
}

// Reactivate puts an existing entry back into the retry cycle, clearing the
// processed flag and rescheduling it.
func (r *QueueRepository) Reactivate(id uint, lastError string, retryAt time.Time) error {
	return r.db.Model(&models.QueuedMessage{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"is_processed": false,
			"last_error":   lastError,
			"retry_at":     retryAt,
		}).Error
}

// DeleteExpired purges entries past their hard TTL regardless of state.
func (r *QueueRepository) DeleteExpired(now time.Time) (int64, error) {
	res := r.db.Unscoped().Where("expires_at <= ?", now).Delete(&models.QueuedMessage{})
	return res.RowsAffected, res.Error
}

func (r *QueueRepository) CountPendingForUser(userID uint) (int64, error) {
	var count int64
	err := r.db.Model(&models.QueuedMessage{}).
		Where("is_processed = ? AND (recipient_id = ? OR sender_id = ?)", false, userID, userID).
		Count(&count).Error
	return count, err
}
