package repository

import (
	"time"

	"github.com/pingline/pingline-backend/internal/models"
)

// MessageRepositoryInterface abstracts message persistence for services and
// tests.
type MessageRepositoryInterface interface {
	Create(message *models.Message) error
	FindByID(id uint) (*models.Message, error)
	FindByClientID(clientID string, senderID uint) (*models.Message, error)
	FindConversation(userID1, userID2 uint, limit int, before time.Time) ([]models.Message, error)
	FindConversationPage(userID1, userID2 uint, page, pageSize int) ([]models.Message, error)
	CountConversation(userID1, userID2 uint) (int64, error)
	LatestCreatedAt(userID1, userID2 uint) (time.Time, error)
	UpdateStatus(m *models.Message) error
	RecordRetryFailure(id uint, retryCount int, lastError string) error
	FindForRecipientSince(recipientID uint, since time.Time, limit int) ([]models.Message, error)
	FindUnreadFromSender(recipientID, senderID uint) ([]models.Message, error)
	PurgeFailedOlderThan(olderThan time.Duration) (int64, error)
}

// QueueRepositoryInterface abstracts the offline/retry queue store.
type QueueRepositoryInterface interface {
	Enqueue(entry *models.QueuedMessage) error
	FindByClientID(queueType models.QueueType, senderID uint, clientID string) (*models.QueuedMessage, error)
	PendingForUser(userID uint, now time.Time, limit int) ([]models.QueuedMessage, error)
	DueRetries(now time.Time, limit int) ([]models.QueuedMessage, error)
	MarkProcessed(id uint) error
	MarkAttempt(id uint, attempts int, lastError string, nextRetry *time.Time) error
	Reactivate(id uint, lastError string, retryAt time.Time) error
	DeleteExpired(now time.Time) (int64, error)
	CountPendingForUser(userID uint) (int64, error)
}

// PresenceRepositoryInterface abstracts durable presence rows.
type PresenceRepositoryInterface interface {
	Get(userID uint) (*models.UserPresence, error)
	Upsert(p *models.UserPresence) error
	TouchLastSeen(userID uint, at time.Time) error
}
