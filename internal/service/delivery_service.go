package service

import (
	"context"
	"fmt"

	"github.com/pingline/pingline-backend/internal/cache"
	"github.com/pingline/pingline-backend/internal/models"
	"github.com/pingline/pingline-backend/internal/status"
	"github.com/pingline/pingline-backend/internal/validation"
	"github.com/sirupsen/logrus"
)

// DeliveryService runs the send pipeline: persist under the conversation
// lock, advance the status machine, then deliver live or queue for the
// offline recipient. Transport failures are translated into retry
// scheduling, never surfaced raw to the caller.
type DeliveryService struct {
	messages     *MessageService
	statusMgr    *status.Manager
	presence     *PresenceService
	retry        *RetryManager
	offline      *OfflineQueueService
	messageCache *cache.MessageCache
	broadcaster  Broadcaster
	log          *logrus.Entry
}

func NewDeliveryService(
	messages *MessageService,
	statusMgr *status.Manager,
	presence *PresenceService,
	retry *RetryManager,
	offline *OfflineQueueService,
	messageCache *cache.MessageCache,
	broadcaster Broadcaster,
) *DeliveryService {
	return &DeliveryService{
		messages:     messages,
		statusMgr:    statusMgr,
		presence:     presence,
		retry:        retry,
		offline:      offline,
		messageCache: messageCache,
		broadcaster:  broadcaster,
		log:          logrus.WithField("component", "delivery"),
	}
}

// Send accepts one message for delivery. Resubmission with a known
// client_id returns the stored message without re-running the pipeline.
func (s *DeliveryService) Send(ctx context.Context, senderID, recipientID uint, content, clientID string) (*models.Message, error) {
	content, err := validation.CheckMessage(content, validation.MaxMessageLength())
	if err != nil {
		return nil, ErrContentTooLong
	}
	if content == "" {
		return nil, ErrEmptyContent
	}

	msg, err := s.messages.CreateMessage(ctx, senderID, recipientID, content, clientID)
	if err != nil {
		return nil, err
	}
	if msg.Status != models.StatusPending {
		// Resubmission of an already-progressed message
		return msg, nil
	}

	_ = s.messageCache.InvalidateConversation(senderID, recipientID)

	msg, err = s.statusMgr.Apply(ctx, msg.ID, models.StatusSent)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	// Echo to the sender's other tabs
	if s.broadcaster != nil {
		if err := s.broadcaster.Broadcast(senderID, models.NewMessageEvent(msg)); err != nil {
			s.log.WithError(err).WithField("user_id", senderID).Debug("sender echo skipped")
		}
	}

	if s.presence.IsOnline(recipientID) {
		if err := s.retry.DeliverMessage(ctx, msg); err != nil && err != ErrMaxRetriesExceeded {
			s.log.WithError(err).WithField("message_id", msg.ID).Warn("live delivery pipeline error")
		}
	} else {
		_, err = s.offline.Enqueue(msg, EnqueueInput{
			QueueType:   models.QueueIncoming,
			SenderID:    senderID,
			RecipientID: recipientID,
			MessageID:   msg.ID,
			ClientID:    clientID,
		})
		if err != nil {
			s.log.WithError(err).WithField("message_id", msg.ID).Warn("offline enqueue failed")
		}
	}

	// A sender with no live session gets the echo queued for reconnect
	if !s.presence.IsOnline(senderID) {
		_, err = s.offline.Enqueue(msg, EnqueueInput{
			QueueType:   models.QueueOutgoing,
			SenderID:    senderID,
			RecipientID: recipientID,
			MessageID:   msg.ID,
			ClientID:    clientID,
		})
		if err != nil {
			s.log.WithError(err).WithField("message_id", msg.ID).Debug("sender echo enqueue failed")
		}
	}

	return s.messages.GetByID(msg.ID)
}

// Typing relays a typing indicator to the partner's sessions. Ephemeral,
// never queued.
func (s *DeliveryService) Typing(userID, partnerID uint, isTyping bool) {
	if s.broadcaster == nil {
		return
	}
	if err := s.broadcaster.Broadcast(partnerID, models.NewTypingIndicatorEvent(userID, isTyping)); err != nil {
		s.log.WithError(err).WithField("user_id", partnerID).Debug("typing indicator skipped")
	}
}
