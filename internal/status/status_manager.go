package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pingline/pingline-backend/internal/locking"
	"github.com/pingline/pingline-backend/internal/models"
	"github.com/pingline/pingline-backend/internal/repository"
	"github.com/sirupsen/logrus"
)

// ErrInvalidTransition is returned when a requested status change is not in
// the transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// Broadcaster fans a payload out to every active session of one user.
type Broadcaster interface {
	Broadcast(userID uint, payload interface{}) error
}

// transitions is the allowed status state machine. Anything absent is
// rejected; failed may only re-enter pending/sent through explicit retry.
var transitions = map[models.MessageStatus][]models.MessageStatus{
	models.StatusPending:   {models.StatusSent, models.StatusFailed},
	models.StatusSent:      {models.StatusDelivered, models.StatusFailed},
	models.StatusDelivered: {models.StatusRead, models.StatusFailed},
	models.StatusRead:      {},
	models.StatusFailed:    {models.StatusPending, models.StatusSent},
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to models.MessageStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Manager enforces the message status state machine: it serializes
// transitions per message, stamps each lifecycle timestamp exactly once, and
// emits a status_update to both parties on every accepted change.
type Manager struct {
	messageRepo repository.MessageRepositoryInterface
	locks       *locking.LockManager
	broadcaster Broadcaster
	log         *logrus.Entry
}

func NewManager(messageRepo repository.MessageRepositoryInterface, locks *locking.LockManager, broadcaster Broadcaster) *Manager {
	return &Manager{
		messageRepo: messageRepo,
		locks:       locks,
		broadcaster: broadcaster,
		log:         logrus.WithField("component", "status_manager"),
	}
}

// Apply transitions a message to the target status. Re-applying the current
// status is a no-op, not an error. Invalid transitions return
// ErrInvalidTransition and leave the message untouched.
func (m *Manager) Apply(ctx context.Context, messageID uint, target models.MessageStatus) (*models.Message, error) {
	return m.apply(ctx, messageID, target, "")
}

// MarkFailed transitions a message to failed and records the reason.
func (m *Manager) MarkFailed(ctx context.Context, messageID uint, reason string) (*models.Message, error) {
	return m.apply(ctx, messageID, models.StatusFailed, reason)
}

func (m *Manager) apply(ctx context.Context, messageID uint, target models.MessageStatus, reason string) (*models.Message, error) {
	release, err := m.locks.AcquireMessage(ctx, messageID, "status", uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("status apply: %w", err)
	}
	defer release()

	msg, err := m.messageRepo.FindByID(messageID)
	if err != nil {
		return nil, fmt.Errorf("status apply: load message %d: %w", messageID, err)
	}

	if msg.Status == target {
		// Idempotent re-application
		return msg, nil
	}

	if !CanTransition(msg.Status, target) {
		m.log.WithFields(logrus.Fields{
			"message_id": messageID,
			"from":       msg.Status,
			"to":         target,
		}).Warn("rejected status transition")
		return msg, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.Status, target)
	}

	old := msg.Status
	msg.Status = target
	m.stampTimestamps(msg, target)
	if reason != "" {
		msg.LastError = reason
	}

	if err := m.messageRepo.UpdateStatus(msg); err != nil {
		msg.Status = old
		return nil, fmt.Errorf("status apply: persist %d: %w", messageID, err)
	}

	m.log.WithFields(logrus.Fields{
		"message_id": messageID,
		"from":       old,
		"to":         target,
	}).Debug("status transition applied")

	event := models.NewStatusUpdateEvent(msg, old)
	if m.broadcaster != nil {
		if err := m.broadcaster.Broadcast(msg.SenderID, event); err != nil {
			m.log.WithError(err).WithField("user_id", msg.SenderID).Debug("status broadcast to sender skipped")
		}
		if err := m.broadcaster.Broadcast(msg.RecipientID, event); err != nil {
			m.log.WithError(err).WithField("user_id", msg.RecipientID).Debug("status broadcast to recipient skipped")
		}
	}

	return msg, nil
}

// stampTimestamps sets the lifecycle timestamp for the target status iff it
// is unset, keeping created_at <= sent_at <= delivered_at <= read_at.
func (m *Manager) stampTimestamps(msg *models.Message, target models.MessageStatus) {
	now := time.Now()
	if now.Before(msg.CreatedAt) {
		now = msg.CreatedAt
	}
	switch target {
	case models.StatusSent:
		if msg.SentAt == nil {
			t := now
			msg.SentAt = &t
		}
	case models.StatusDelivered:
		if msg.SentAt == nil {
			t := now
			msg.SentAt = &t
		}
		if msg.DeliveredAt == nil {
			t := later(now, msg.SentAt)
			msg.DeliveredAt = &t
		}
	case models.StatusRead:
		if msg.ReadAt == nil {
			t := later(now, msg.DeliveredAt)
			msg.ReadAt = &t
		}
		msg.IsRead = true
	}
}

func later(now time.Time, prev *time.Time) time.Time {
	if prev != nil && prev.After(now) {
		return *prev
	}
	return now
}
