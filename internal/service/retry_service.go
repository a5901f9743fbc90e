package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pingline/pingline-backend/internal/breaker"
	"github.com/pingline/pingline-backend/internal/models"
	"github.com/pingline/pingline-backend/internal/repository"
	"github.com/pingline/pingline-backend/internal/status"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// InitialRetryDelay is the backoff base.
	InitialRetryDelay = 2 * time.Second
	// RetryMultiplier doubles the delay per attempt.
	RetryMultiplier = 2
	// MaxRetryDelay caps the backoff.
	MaxRetryDelay = 300 * time.Second
	// MaxWebsocketRetries attempts go through the live transport before
	// falling back.
	MaxWebsocketRetries = 3
	// MaxTotalRetries bounds all automatic attempts; past it the message
	// fails permanently.
	MaxTotalRetries = 5
	// DeliveryTimeout bounds one transport attempt.
	DeliveryTimeout = 10 * time.Second
)

// Delay returns the backoff before the given 0-based retry attempt:
// min(2s * 2^attempt, 300s).
func Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := InitialRetryDelay
	for i := 0; i < attempt; i++ {
		d *= RetryMultiplier
		if d >= MaxRetryDelay {
			return MaxRetryDelay
		}
	}
	if d > MaxRetryDelay {
		return MaxRetryDelay
	}
	return d
}

// RetryManager escalates failed deliveries: bounded live-transport retries,
// then HTTP-style fallback, consulting a per-endpoint circuit breaker. All
// waiting happens through the durable retry queue, never inline.
type RetryManager struct {
	messageRepo repository.MessageRepositoryInterface
	queueRepo   repository.QueueRepositoryInterface
	statusMgr   *status.Manager
	breaker     *breaker.CircuitBreaker
	live        Transport
	fallback    Transport
	log         *logrus.Entry
}

func NewRetryManager(
	messageRepo repository.MessageRepositoryInterface,
	queueRepo repository.QueueRepositoryInterface,
	statusMgr *status.Manager,
	cb *breaker.CircuitBreaker,
	live, fallback Transport,
) *RetryManager {
	return &RetryManager{
		messageRepo: messageRepo,
		queueRepo:   queueRepo,
		statusMgr:   statusMgr,
		breaker:     cb,
		live:        live,
		fallback:    fallback,
		log:         logrus.WithField("component", "retry_manager"),
	}
}

// DeliverMessage attempts live delivery of a sent message. On failure the
// message enters the retry queue; with an open circuit it is queued without
// touching the transport. The caller never sees a raw transport error.
func (rm *RetryManager) DeliverMessage(ctx context.Context, msg *models.Message) error {
	endpoint := breaker.EndpointKey(msg.SenderID, msg.RecipientID)
	if rm.breaker.IsOpen(endpoint) {
		rm.log.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"endpoint":   endpoint,
		}).Info("circuit open, queueing delivery")
		return rm.enqueueRetry(msg, time.Now().Add(breaker.OpenTimeout))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	defer cancel()
	if err := rm.live.Deliver(attemptCtx, msg.RecipientID, models.NewMessageEvent(msg)); err != nil {
		return rm.HandleFailure(ctx, msg, err)
	}

	rm.breaker.RecordSuccess(endpoint)
	if _, err := rm.statusMgr.Apply(ctx, msg.ID, models.StatusDelivered); err != nil {
		return fmt.Errorf("deliver message %d: %w", msg.ID, err)
	}
	return nil
}

// HandleFailure records a failed attempt: bumps retry bookkeeping, feeds the
// breaker, and either schedules the next attempt or fails the message
// permanently.
func (rm *RetryManager) HandleFailure(ctx context.Context, msg *models.Message, cause error) error {
	endpoint := breaker.EndpointKey(msg.SenderID, msg.RecipientID)
	rm.breaker.RecordFailure(endpoint)

	msg.RetryCount++
	msg.LastError = cause.Error()
	if err := rm.messageRepo.RecordRetryFailure(msg.ID, msg.RetryCount, msg.LastError); err != nil {
		rm.log.WithError(err).WithField("message_id", msg.ID).Warn("failed to record retry failure")
	}

	if msg.RetryCount >= MaxTotalRetries {
		rm.log.WithFields(logrus.Fields{
			"message_id":  msg.ID,
			"retry_count": msg.RetryCount,
		}).Warn("delivery retries exhausted, failing message")
		if _, err := rm.statusMgr.MarkFailed(ctx, msg.ID, msg.LastError); err != nil {
			return fmt.Errorf("fail message %d: %w", msg.ID, err)
		}
		return ErrMaxRetriesExceeded
	}

	next := time.Now().Add(Delay(msg.RetryCount - 1))
	rm.log.WithFields(logrus.Fields{
		"message_id":  msg.ID,
		"retry_count": msg.RetryCount,
		"next_retry":  next,
	}).Info("delivery failed, scheduling retry")
	return rm.enqueueRetry(msg, next)
}

func (rm *RetryManager) enqueueRetry(msg *models.Message, retryAt time.Time) error {
	if existing, err := rm.queueRepo.FindByClientID(models.QueueRetry, msg.SenderID, msg.ClientID); err == nil {
		return rm.queueRepo.Reactivate(existing.ID, msg.LastError, retryAt)
	} else if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("enqueue retry for message %d: %w", msg.ID, err)
	}

	entry := &models.QueuedMessage{
		QueueType:   models.QueueRetry,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		MessageID:   msg.ID,
		ClientID:    msg.ClientID,
		Priority:    0,
		RetryAt:     &retryAt,
		ExpiresAt:   time.Now().Add(models.QueueTTL),
	}
	if err := rm.queueRepo.Enqueue(entry); err != nil {
		return fmt.Errorf("enqueue retry for message %d: %w", msg.ID, err)
	}
	return nil
}

// ProcessRetryQueue attempts redelivery of due retry entries, bounded to
// batchSize per invocation. Returns the number of successful deliveries.
func (rm *RetryManager) ProcessRetryQueue(ctx context.Context, batchSize int) (int, error) {
	now := time.Now()
	due, err := rm.queueRepo.DueRetries(now, batchSize)
	if err != nil {
		return 0, fmt.Errorf("process retry queue: %w", err)
	}

	delivered := 0
	for i := range due {
		entry := &due[i]
		if rm.processRetryEntry(ctx, entry) {
			delivered++
		}
	}
	return delivered, nil
}

func (rm *RetryManager) processRetryEntry(ctx context.Context, entry *models.QueuedMessage) bool {
	msg, err := rm.messageRepo.FindByID(entry.MessageID)
	if err != nil {
		rm.log.WithError(err).WithField("queue_id", entry.ID).Warn("retry entry references missing message")
		_ = rm.queueRepo.MarkProcessed(entry.ID)
		return false
	}

	endpoint := breaker.EndpointKey(msg.SenderID, msg.RecipientID)
	if rm.breaker.IsOpen(endpoint) {
		next := time.Now().Add(breaker.OpenTimeout)
		_ = rm.queueRepo.MarkAttempt(entry.ID, entry.Attempts, "circuit open", &next)
		return false
	}

	transport := rm.live
	channel := "websocket"
	if msg.RetryCount >= MaxWebsocketRetries {
		transport = rm.fallback
		channel = "fallback"
	}

	attemptCtx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	err = transport.Deliver(attemptCtx, msg.RecipientID, models.NewMessageEvent(msg))
	cancel()

	if err == nil {
		rm.breaker.RecordSuccess(endpoint)
		if _, err := rm.statusMgr.Apply(ctx, msg.ID, models.StatusDelivered); err != nil {
			rm.log.WithError(err).WithField("message_id", msg.ID).Warn("retried delivery could not advance status")
		}
		_ = rm.queueRepo.MarkProcessed(entry.ID)
		rm.log.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"channel":    channel,
			"attempts":   entry.Attempts + 1,
		}).Info("retried delivery succeeded")
		return true
	}

	rm.breaker.RecordFailure(endpoint)
	msg.RetryCount++
	msg.LastError = err.Error()
	if rerr := rm.messageRepo.RecordRetryFailure(msg.ID, msg.RetryCount, msg.LastError); rerr != nil {
		rm.log.WithError(rerr).WithField("message_id", msg.ID).Warn("failed to record retry failure")
	}

	if msg.RetryCount >= MaxTotalRetries {
		if _, ferr := rm.statusMgr.MarkFailed(ctx, msg.ID, msg.LastError); ferr != nil {
			rm.log.WithError(ferr).WithField("message_id", msg.ID).Warn("could not mark message failed")
		}
		_ = rm.queueRepo.MarkProcessed(entry.ID)
		return false
	}

	next := time.Now().Add(Delay(msg.RetryCount - 1))
	_ = rm.queueRepo.MarkAttempt(entry.ID, entry.Attempts+1, msg.LastError, &next)
	return false
}

// Requeue is the explicit user/operator re-queue of a permanently failed
// message. It resets retry bookkeeping and schedules an immediate attempt.
func (rm *RetryManager) Requeue(ctx context.Context, messageID uint) error {
	msg, err := rm.messageRepo.FindByID(messageID)
	if err != nil {
		return fmt.Errorf("requeue message %d: %w", messageID, err)
	}
	if msg.Status != models.StatusFailed {
		return fmt.Errorf("requeue message %d: %w", messageID, ErrNotFailed)
	}

	if err := rm.messageRepo.RecordRetryFailure(messageID, 0, ""); err != nil {
		return fmt.Errorf("requeue message %d: %w", messageID, err)
	}
	msg.RetryCount = 0
	msg.LastError = ""

	// failed -> sent is the explicit retry re-entry path
	if _, err := rm.statusMgr.Apply(ctx, messageID, models.StatusSent); err != nil {
		return fmt.Errorf("requeue message %d: %w", messageID, err)
	}

	now := time.Now()
	return rm.enqueueRetry(msg, now)
}

// StartWorker drains the retry queue on a ticker until the context ends.
func (rm *RetryManager) StartWorker(ctx context.Context, interval time.Duration, batchSize int) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := rm.ProcessRetryQueue(ctx, batchSize); err != nil {
					rm.log.WithError(err).Warn("retry queue pass failed")
				}
			}
		}
	}()
}
