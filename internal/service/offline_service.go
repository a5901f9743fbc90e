package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pingline/pingline-backend/internal/models"
	"github.com/pingline/pingline-backend/internal/repository"
	"github.com/pingline/pingline-backend/internal/status"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DrainBatchSize bounds one drain pass; the drain loops until the queue is
// empty.
const DrainBatchSize = 50

// OfflineQueueService holds deliveries that cannot proceed immediately:
// messages for offline recipients, sends from offline senders, and it purges
// everything past the hard 7-day TTL.
type OfflineQueueService struct {
	queueRepo repository.QueueRepositoryInterface
	statusMgr *status.Manager
	live      Transport
	log       *logrus.Entry
}

func NewOfflineQueueService(queueRepo repository.QueueRepositoryInterface, statusMgr *status.Manager, live Transport) *OfflineQueueService {
	return &OfflineQueueService{
		queueRepo: queueRepo,
		statusMgr: statusMgr,
		live:      live,
		log:       logrus.WithField("component", "offline_queue"),
	}
}

// EnqueueInput describes one delivery obligation.
type EnqueueInput struct {
	QueueType   models.QueueType
	SenderID    uint
	RecipientID uint
	MessageID   uint
	ClientID    string
	Priority    int
}

// Enqueue stores a delivery obligation, deduplicating by (queue type,
// sender, client_id). The entry expires exactly 7 days after creation.
func (s *OfflineQueueService) Enqueue(msg *models.Message, input EnqueueInput) (*models.QueuedMessage, error) {
	if existing, err := s.queueRepo.FindByClientID(input.QueueType, input.SenderID, input.ClientID); err == nil {
		return existing, nil
	} else if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("offline enqueue: dedup check: %w", err)
	}

	payload := ""
	if msg != nil {
		if data, err := json.Marshal(models.NewMessageEvent(msg)); err == nil {
			payload = string(data)
		}
	}

	entry := &models.QueuedMessage{
		QueueType:   input.QueueType,
		SenderID:    input.SenderID,
		RecipientID: input.RecipientID,
		MessageID:   input.MessageID,
		ClientID:    input.ClientID,
		Payload:     payload,
		Priority:    input.Priority,
		ExpiresAt:   time.Now().Add(models.QueueTTL),
	}
	if err := s.queueRepo.Enqueue(entry); err != nil {
		return nil, fmt.Errorf("offline enqueue: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"queue_id":     entry.ID,
		"queue_type":   entry.QueueType,
		"recipient_id": entry.RecipientID,
	}).Debug("delivery queued")
	return entry, nil
}

// DrainForUser delivers everything queued for a user who just came online,
// ordered by priority then creation time. Entries that fail stay queued for
// the next retry cycle; delivered ones are marked processed. Returns the
// delivered count.
func (s *OfflineQueueService) DrainForUser(ctx context.Context, userID uint) (int, error) {
	delivered := 0
	for {
		now := time.Now()
		pending, err := s.queueRepo.PendingForUser(userID, now, DrainBatchSize)
		if err != nil {
			return delivered, fmt.Errorf("drain for user %d: %w", userID, err)
		}
		if len(pending) == 0 {
			return delivered, nil
		}

		progressed := false
		for i := range pending {
			entry := &pending[i]
			if entry.Expired(now) {
				continue
			}
			if s.deliverEntry(ctx, entry) {
				delivered++
				progressed = true
			}
		}
		if !progressed {
			// Everything left failed delivery; leave it for the retry
			// worker rather than spinning here.
			return delivered, nil
		}
		if len(pending) < DrainBatchSize {
			return delivered, nil
		}
	}
}

func (s *OfflineQueueService) deliverEntry(ctx context.Context, entry *models.QueuedMessage) bool {
	var payload interface{}
	if entry.Payload != "" {
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			s.log.WithError(err).WithField("queue_id", entry.ID).Warn("dropping undecodable queue payload")
			_ = s.queueRepo.MarkProcessed(entry.ID)
			return false
		}
	}

	// Outgoing entries are the sender's own echo; everything else goes to
	// the recipient.
	target := entry.RecipientID
	if entry.QueueType == models.QueueOutgoing {
		target = entry.SenderID
	}

	attemptCtx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	err := s.live.Deliver(attemptCtx, target, payload)
	cancel()
	if err != nil {
		next := time.Now().Add(Delay(entry.Attempts))
		_ = s.queueRepo.MarkAttempt(entry.ID, entry.Attempts+1, err.Error(), &next)
		return false
	}

	if entry.MessageID != 0 && entry.QueueType != models.QueueOutgoing {
		if _, err := s.statusMgr.Apply(ctx, entry.MessageID, models.StatusDelivered); err != nil {
			s.log.WithError(err).WithField("message_id", entry.MessageID).Debug("drained delivery could not advance status")
		}
	}
	_ = s.queueRepo.MarkProcessed(entry.ID)
	return true
}

// SweepExpired purges entries past the 7-day cutoff regardless of
// processing state. Expiry is a silent permanent drop, logged once per
// sweep for observability.
func (s *OfflineQueueService) SweepExpired(now time.Time) (int64, error) {
	purged, err := s.queueRepo.DeleteExpired(now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired queue entries: %w", err)
	}
	if purged > 0 {
		s.log.WithField("purged", purged).Info("expired queue entries removed")
	}
	return purged, nil
}

// StartSweeper purges expired entries on a ticker until the context ends.
func (s *OfflineQueueService) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := s.SweepExpired(now); err != nil {
					s.log.WithError(err).Warn("expiry sweep failed")
				}
			}
		}
	}()
}

// PendingCount reports how many obligations wait on a user.
func (s *OfflineQueueService) PendingCount(userID uint) (int64, error) {
	return s.queueRepo.CountPendingForUser(userID)
}
