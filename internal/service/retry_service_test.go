package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pingline/pingline-backend/internal/breaker"
	"github.com/pingline/pingline-backend/internal/locking"
	"github.com/pingline/pingline-backend/internal/models"
	"github.com/pingline/pingline-backend/internal/status"
)

func TestDelaySchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 32 * time.Second},
		{5, 64 * time.Second},
		{6, 128 * time.Second},
		{7, 256 * time.Second},
		{8, 300 * time.Second},
		{20, 300 * time.Second},
		{-1, 2 * time.Second},
	}
	for _, tt := range tests {
		if got := Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelayIsMonotonic(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt <= 10; attempt++ {
		d := Delay(attempt)
		if d < prev {
			t.Fatalf("Delay(%d) = %v shrank from %v", attempt, d, prev)
		}
		if d > MaxRetryDelay {
			t.Fatalf("Delay(%d) = %v exceeds cap", attempt, d)
		}
		prev = d
	}
}

type retryFixture struct {
	repo      *MockMessageRepository
	queue     *MockQueueRepository
	statusMgr *status.Manager
	breaker   *breaker.CircuitBreaker
	live      *mockTransport
	fallback  *mockTransport
	manager   *RetryManager
}

func newRetryFixture() *retryFixture {
	repo := NewMockMessageRepository()
	queue := NewMockQueueRepository()
	locks := locking.NewLockManager()
	statusMgr := status.NewManager(repo, locks, nil)
	cb := breaker.New()
	live := newMockTransport()
	fallback := newMockTransport()
	return &retryFixture{
		repo:      repo,
		queue:     queue,
		statusMgr: statusMgr,
		breaker:   cb,
		live:      live,
		fallback:  fallback,
		manager:   NewRetryManager(repo, queue, statusMgr, cb, live, fallback),
	}
}

func (f *retryFixture) seedSentMessage(t *testing.T, clientID string) *models.Message {
	t.Helper()
	msg := &models.Message{
		ClientID:    clientID,
		SenderID:    1,
		RecipientID: 2,
		Content:     "hello",
		Status:      models.StatusSent,
		CreatedAt:   time.Now(),
	}
	if err := f.repo.Create(msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestDeliverMessageSuccess(t *testing.T) {
	f := newRetryFixture()
	msg := f.seedSentMessage(t, "client-1")

	if err := f.manager.DeliverMessage(context.Background(), msg); err != nil {
		t.Fatalf("DeliverMessage failed: %v", err)
	}
	if f.live.deliveredTo(2) != 1 {
		t.Errorf("recipient deliveries = %d, want 1", f.live.deliveredTo(2))
	}
	stored, _ := f.repo.FindByID(msg.ID)
	if stored.Status != models.StatusDelivered {
		t.Errorf("status = %s, want delivered", stored.Status)
	}
}

func TestDeliverMessageFailureSchedulesRetry(t *testing.T) {
	f := newRetryFixture()
	msg := f.seedSentMessage(t, "client-1")
	f.live.failNext(-1, errors.New("socket closed"))

	if err := f.manager.DeliverMessage(context.Background(), msg); err != nil {
		t.Fatalf("a retryable failure should not surface: %v", err)
	}

	entry, err := f.queue.FindByClientID(models.QueueRetry, 1, "client-1")
	if err != nil {
		t.Fatalf("expected a retry queue entry: %v", err)
	}
	if entry.QueueType != models.QueueRetry {
		t.Errorf("queue_type = %s, want retry", entry.QueueType)
	}
	if entry.RetryAt == nil {
		t.Fatal("retry_at should be set")
	}
	// First failure waits the base delay.
	wait := time.Until(*entry.RetryAt)
	if wait < time.Second || wait > 3*time.Second {
		t.Errorf("retry wait = %v, want about %v", wait, InitialRetryDelay)
	}
	stored, _ := f.repo.FindByID(msg.ID)
	if stored.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", stored.RetryCount)
	}
}

func TestDeliverMessageOpenCircuitSkipsTransport(t *testing.T) {
	f := newRetryFixture()
	msg := f.seedSentMessage(t, "client-1")

	endpoint := breaker.EndpointKey(1, 2)
	for i := 0; i < breaker.Threshold; i++ {
		f.breaker.RecordFailure(endpoint)
	}

	if err := f.manager.DeliverMessage(context.Background(), msg); err != nil {
		t.Fatalf("queueing behind an open circuit should not error: %v", err)
	}
	if f.live.deliveredTo(2) != 0 {
		t.Error("open circuit must not touch the transport")
	}
	entry, err := f.queue.FindByClientID(models.QueueRetry, 1, "client-1")
	if err != nil {
		t.Fatalf("expected a queued entry: %v", err)
	}
	wait := time.Until(*entry.RetryAt)
	if wait < breaker.OpenTimeout-5*time.Second {
		t.Errorf("retry should wait out the open circuit, got %v", wait)
	}
}

func TestRetriesExhaustAfterFiveAttempts(t *testing.T) {
	f := newRetryFixture()
	msg := f.seedSentMessage(t, "client-1")
	msg.RetryCount = MaxTotalRetries - 1
	f.live.failNext(-1, errors.New("still down"))

	err := f.manager.DeliverMessage(context.Background(), msg)
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
	stored, _ := f.repo.FindByID(msg.ID)
	if stored.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", stored.Status)
	}
	if stored.LastError == "" {
		t.Error("last_error should carry the failure cause")
	}
}

func TestProcessRetryQueueDeliversDueEntries(t *testing.T) {
	f := newRetryFixture()
	msg := f.seedSentMessage(t, "client-1")
	f.live.failNext(1, errors.New("transient"))

	if err := f.manager.DeliverMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}

	// Force the entry due now.
	entry, _ := f.queue.FindByClientID(models.QueueRetry, 1, "client-1")
	past := time.Now().Add(-time.Second)
	_ = f.queue.MarkAttempt(entry.ID, entry.Attempts, entry.LastError, &past)

	delivered, err := f.manager.ProcessRetryQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessRetryQueue failed: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	stored, _ := f.repo.FindByID(msg.ID)
	if stored.Status != models.StatusDelivered {
		t.Errorf("status = %s, want delivered", stored.Status)
	}
	if processed := f.queue.get(entry.ID); processed == nil || !processed.IsProcessed {
		t.Error("queue entry should be marked processed after delivery")
	}
}

func TestRetrySwitchesToFallbackAfterWebsocketAttempts(t *testing.T) {
	f := newRetryFixture()
	msg := f.seedSentMessage(t, "client-1")
	msg.RetryCount = MaxWebsocketRetries
	_ = f.repo.RecordRetryFailure(msg.ID, msg.RetryCount, "ws exhausted")

	past := time.Now().Add(-time.Second)
	entry := &models.QueuedMessage{
		QueueType:   models.QueueRetry,
		SenderID:    1,
		RecipientID: 2,
		MessageID:   msg.ID,
		ClientID:    "client-1",
		RetryAt:     &past,
	}
	if err := f.queue.Enqueue(entry); err != nil {
		t.Fatal(err)
	}

	delivered, err := f.manager.ProcessRetryQueue(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	if f.live.deliveredTo(2) != 0 {
		t.Error("live transport should be bypassed past the websocket retry bound")
	}
	if f.fallback.deliveredTo(2) != 1 {
		t.Error("fallback transport should carry the delivery")
	}
}

func TestProcessRetryQueueDropsEntriesForMissingMessages(t *testing.T) {
	f := newRetryFixture()
	past := time.Now().Add(-time.Second)
	entry := &models.QueuedMessage{
		QueueType:   models.QueueRetry,
		SenderID:    1,
		RecipientID: 2,
		MessageID:   999,
		ClientID:    "orphan",
		RetryAt:     &past,
	}
	if err := f.queue.Enqueue(entry); err != nil {
		t.Fatal(err)
	}

	delivered, err := f.manager.ProcessRetryQueue(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if delivered != 0 {
		t.Errorf("delivered = %d, want 0", delivered)
	}
	if stored := f.queue.get(entry.ID); stored == nil || !stored.IsProcessed {
		t.Error("orphaned entry should be marked processed")
	}
}

func TestRequeueResetsFailedMessage(t *testing.T) {
	f := newRetryFixture()
	msg := f.seedSentMessage(t, "client-1")
	if _, err := f.statusMgr.MarkFailed(context.Background(), msg.ID, "gave up"); err != nil {
		t.Fatal(err)
	}
	_ = f.repo.RecordRetryFailure(msg.ID, MaxTotalRetries, "gave up")

	if err := f.manager.Requeue(context.Background(), msg.ID); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}

	stored, _ := f.repo.FindByID(msg.ID)
	if stored.Status != models.StatusSent {
		t.Errorf("status = %s, want sent after requeue", stored.Status)
	}
	if stored.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0 after requeue", stored.RetryCount)
	}
	entry, err := f.queue.FindByClientID(models.QueueRetry, 1, "client-1")
	if err != nil {
		t.Fatalf("expected a queued attempt: %v", err)
	}
	if entry.RetryAt == nil || entry.RetryAt.After(time.Now().Add(time.Second)) {
		t.Error("requeued attempt should be due immediately")
	}
}

func TestRequeueRejectsNonFailedMessage(t *testing.T) {
	f := newRetryFixture()
	msg := f.seedSentMessage(t, "client-1")

	if err := f.manager.Requeue(context.Background(), msg.ID); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed, got %v", err)
	}
}
