package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pingline/pingline-backend/internal/locking"
	"github.com/pingline/pingline-backend/internal/models"
	"github.com/pingline/pingline-backend/internal/repository"
	"github.com/pingline/pingline-backend/internal/status"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// FailedRetention is how long failed messages are kept before the cleanup
// job removes them.
const FailedRetention = 30 * 24 * time.Hour

// MessageService is the persistence manager: idempotent message creation
// under the conversation lock, bulk status updates, and conversation
// history.
type MessageService struct {
	messageRepo repository.MessageRepositoryInterface
	locks       *locking.LockManager
	statusMgr   *status.Manager
	log         *logrus.Entry
}

func NewMessageService(messageRepo repository.MessageRepositoryInterface, locks *locking.LockManager, statusMgr *status.Manager) *MessageService {
	return &MessageService{
		messageRepo: messageRepo,
		locks:       locks,
		statusMgr:   statusMgr,
		log:         logrus.WithField("component", "message_service"),
	}
}

// CreateMessage creates a message in pending state, deduplicating by
// (sender, client_id). The conversation lock makes the existence check and
// insert one atomic unit, so concurrent resubmissions observe the first
// caller's row unchanged. Resubmission with identical content returns the
// original; divergent content is rejected.
func (s *MessageService) CreateMessage(ctx context.Context, senderID, recipientID uint, content, clientID string) (*models.Message, error) {
	release, err := s.locks.AcquireConversation(ctx, senderID, recipientID, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	defer release()

	if existing, err := s.messageRepo.FindByClientID(clientID, senderID); err == nil {
		if existing.Content != content {
			return nil, fmt.Errorf("create message: %w", ErrDuplicateDivergent)
		}
		return existing, nil
	} else if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("create message: dedup check: %w", err)
	}

	createdAt := time.Now()
	// The lock serializes creation per conversation; bump equal-clock
	// collisions so created_at stays unique and monotonic within it.
	if latest, err := s.messageRepo.LatestCreatedAt(senderID, recipientID); err == nil && !latest.Before(createdAt) {
		createdAt = latest.Add(time.Nanosecond)
	}

	message := &models.Message{
		ClientID:    clientID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Status:      models.StatusPending,
		CreatedAt:   createdAt,
	}
	if err := s.messageRepo.Create(message); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"message_id": message.ID,
		"sender_id":  senderID,
		"client_id":  clientID,
	}).Debug("message created")

	return message, nil
}

// BulkUpdateStatusResult reports per-item outcomes of a bulk transition.
type BulkUpdateStatusResult struct {
	UpdatedCount int `json:"updated_count"`
	FailedCount  int `json:"failed_count"`
}

// BulkUpdateStatus applies a transition to each message, counting invalid
// transitions instead of failing the batch.
func (s *MessageService) BulkUpdateStatus(ctx context.Context, messageIDs []uint, newStatus models.MessageStatus) BulkUpdateStatusResult {
	var result BulkUpdateStatusResult
	for _, id := range messageIDs {
		if _, err := s.statusMgr.Apply(ctx, id, newStatus); err != nil {
			result.FailedCount++
			continue
		}
		result.UpdatedCount++
	}
	return result
}

// ConversationPage is one cursor-paginated window of a conversation.
type ConversationPage struct {
	Messages []models.Message
	HasMore  bool
	Total    int64
}

// GetConversation returns messages between two users in ascending created_at
// order. beforeID, when non-zero, excludes that message and everything
// created at or after it.
func (s *MessageService) GetConversation(userA, userB uint, limit int, beforeID uint) (*ConversationPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var before time.Time
	if beforeID != 0 {
		cursor, err := s.messageRepo.FindByID(beforeID)
		if err != nil {
			return nil, fmt.Errorf("get conversation: cursor %d: %w", beforeID, err)
		}
		before = cursor.CreatedAt
	}

	// Fetch one extra row to learn whether more remain past the window.
	messages, err := s.messageRepo.FindConversation(userA, userB, limit+1, before)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	hasMore := false
	if len(messages) > limit {
		hasMore = true
		messages = messages[len(messages)-limit:]
	}

	total, err := s.messageRepo.CountConversation(userA, userB)
	if err != nil {
		return nil, fmt.Errorf("get conversation: count: %w", err)
	}

	return &ConversationPage{Messages: messages, HasMore: hasMore, Total: total}, nil
}

// Pagination describes page-numbered history metadata.
type Pagination struct {
	CurrentPage   int   `json:"current_page"`
	TotalPages    int   `json:"total_pages"`
	TotalMessages int64 `json:"total_messages"`
}

// GetConversationPaged returns page-numbered history, page 1 being the most
// recent window, messages oldest-first within the page.
func (s *MessageService) GetConversationPaged(userA, userB uint, page, pageSize int) ([]models.Message, Pagination, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 50
	}

	total, err := s.messageRepo.CountConversation(userA, userB)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("get conversation page: count: %w", err)
	}

	messages, err := s.messageRepo.FindConversationPage(userA, userB, page, pageSize)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("get conversation page: %w", err)
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return messages, Pagination{
		CurrentPage:   page,
		TotalPages:    totalPages,
		TotalMessages: total,
	}, nil
}

// GetByID loads one message.
func (s *MessageService) GetByID(id uint) (*models.Message, error) {
	return s.messageRepo.FindByID(id)
}

// GetByClientID finds a message by idempotency key and sender.
func (s *MessageService) GetByClientID(clientID string, senderID uint) (*models.Message, error) {
	return s.messageRepo.FindByClientID(clientID, senderID)
}

// MessagesForRecipientSince returns missed messages for resynchronization,
// oldest first.
func (s *MessageService) MessagesForRecipientSince(recipientID uint, since time.Time, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	return s.messageRepo.FindForRecipientSince(recipientID, since, limit)
}

// PurgeOldFailed is the retention-cleanup job for permanently failed
// messages.
func (s *MessageService) PurgeOldFailed() (int64, error) {
	purged, err := s.messageRepo.PurgeFailedOlderThan(FailedRetention)
	if err != nil {
		return 0, fmt.Errorf("purge failed messages: %w", err)
	}
	if purged > 0 {
		s.log.WithField("purged", purged).Info("removed failed messages past retention")
	}
	return purged, nil
}
