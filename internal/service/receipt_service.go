package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pingline/pingline-backend/internal/cache"
	"github.com/pingline/pingline-backend/internal/models"
	"github.com/pingline/pingline-backend/internal/repository"
	"github.com/pingline/pingline-backend/internal/status"
	"github.com/sirupsen/logrus"
)

// ReadReceiptService processes read acknowledgements: it validates the
// reader, advances the status machine, deduplicates repeated signals inside
// a 5-minute window, and broadcasts receipts back to senders grouped by
// sender.
type ReadReceiptService struct {
	messageRepo  repository.MessageRepositoryInterface
	statusMgr    *status.Manager
	receiptCache *cache.ReceiptCache
	broadcaster  Broadcaster
	log          *logrus.Entry
}

func NewReadReceiptService(messageRepo repository.MessageRepositoryInterface, statusMgr *status.Manager, receiptCache *cache.ReceiptCache, broadcaster Broadcaster) *ReadReceiptService {
	return &ReadReceiptService{
		messageRepo:  messageRepo,
		statusMgr:    statusMgr,
		receiptCache: receiptCache,
		broadcaster:  broadcaster,
		log:          logrus.WithField("component", "read_receipts"),
	}
}

// MarkRead marks one message read by its recipient. Duplicate signals
// within the dedup window produce no second broadcast.
func (s *ReadReceiptService) MarkRead(ctx context.Context, messageID, readerID uint, at time.Time) error {
	msg, fresh, err := s.markOne(ctx, messageID, readerID)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	if msg.ReadAt != nil {
		at = *msg.ReadAt
	}
	if s.broadcaster != nil {
		if err := s.broadcaster.Broadcast(msg.SenderID, models.NewReadReceiptEvent(messageID, readerID, at)); err != nil {
			s.log.WithError(err).WithField("user_id", msg.SenderID).Debug("read receipt broadcast skipped")
		}
	}
	return nil
}

// MarkManyRead marks a batch of messages read, then broadcasts one receipt
// event per original sender: a single-message receipt for one id, a bulk
// event otherwise. Invalid entries are skipped, not fatal.
func (s *ReadReceiptService) MarkManyRead(ctx context.Context, messageIDs []uint, readerID uint, at time.Time) (int, error) {
	if at.IsZero() {
		at = time.Now()
	}

	bySender := make(map[uint][]uint)
	marked := 0
	for _, id := range messageIDs {
		msg, fresh, err := s.markOne(ctx, id, readerID)
		if err != nil {
			s.log.WithError(err).WithField("message_id", id).Debug("bulk read mark skipped")
			continue
		}
		marked++
		if fresh {
			bySender[msg.SenderID] = append(bySender[msg.SenderID], id)
		}
	}

	if s.broadcaster != nil {
		for senderID, ids := range bySender {
			var event interface{}
			if len(ids) == 1 {
				event = models.NewReadReceiptEvent(ids[0], readerID, at)
			} else {
				event = models.NewBulkReadReceiptsEvent(ids, readerID, at)
			}
			if err := s.broadcaster.Broadcast(senderID, event); err != nil {
				s.log.WithError(err).WithField("user_id", senderID).Debug("bulk receipt broadcast skipped")
			}
		}
	}
	return marked, nil
}

// MarkConversationRead marks everything a peer sent to the reader as read.
func (s *ReadReceiptService) MarkConversationRead(ctx context.Context, readerID, peerID uint) (int, error) {
	unread, err := s.messageRepo.FindUnreadFromSender(readerID, peerID)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read: %w", err)
	}
	ids := make([]uint, len(unread))
	for i := range unread {
		ids[i] = unread[i].ID
	}
	return s.MarkManyRead(ctx, ids, readerID, time.Now())
}

// markOne validates and applies the read transition. fresh is false when the
// signal was a duplicate inside the dedup window.
func (s *ReadReceiptService) markOne(ctx context.Context, messageID, readerID uint) (*models.Message, bool, error) {
	msg, err := s.messageRepo.FindByID(messageID)
	if err != nil {
		return nil, false, fmt.Errorf("mark read %d: %w", messageID, err)
	}
	if msg.RecipientID != readerID {
		return nil, false, fmt.Errorf("mark read %d by %d: %w", messageID, readerID, ErrNotRecipient)
	}

	// A read implies delivery; bridge sent -> delivered first when the
	// delivery ack never arrived.
	if msg.Status == models.StatusSent {
		if msg, err = s.statusMgr.Apply(ctx, messageID, models.StatusDelivered); err != nil {
			return nil, false, err
		}
	}

	msg, err = s.statusMgr.Apply(ctx, messageID, models.StatusRead)
	if err != nil && !errors.Is(err, status.ErrInvalidTransition) {
		return nil, false, err
	}
	if err != nil {
		// Not readable yet (or failed); report the current row, no broadcast.
		// The dedup window stays untouched so a later valid read still
		// produces its receipt.
		return msg, false, nil
	}

	fresh := s.receiptCache.FirstSeen(messageID, readerID)
	return msg, fresh, nil
}
