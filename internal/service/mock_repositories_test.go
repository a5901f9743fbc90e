package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pingline/pingline-backend/internal/models"
	"gorm.io/gorm"
)

// MockMessageRepository is an in-memory MessageRepositoryInterface for
// service tests.
type MockMessageRepository struct {
	mu       sync.Mutex
	messages map[uint]*models.Message
	nextID   uint
}

func NewMockMessageRepository() *MockMessageRepository {
	return &MockMessageRepository{
		messages: make(map[uint]*models.Message),
		nextID:   1,
	}
}

func (m *MockMessageRepository) Create(message *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.messages {
		if existing.SenderID == message.SenderID && existing.ClientID == message.ClientID {
			return errors.New("duplicate key idx_client_sender")
		}
	}
	if message.ID == 0 {
		message.ID = m.nextID
		m.nextID++
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	cp := *message
	m.messages[message.ID] = &cp
	return nil
}

func (m *MockMessageRepository) FindByID(id uint) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.messages[id]; ok {
		cp := *msg
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *MockMessageRepository) FindByClientID(clientID string, senderID uint) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ClientID == clientID && msg.SenderID == senderID {
			cp := *msg
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *MockMessageRepository) conversation(userID1, userID2 uint) []models.Message {
	var result []models.Message
	for _, msg := range m.messages {
		if (msg.SenderID == userID1 && msg.RecipientID == userID2) ||
			(msg.SenderID == userID2 && msg.RecipientID == userID1) {
			result = append(result, *msg)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (m *MockMessageRepository) FindConversation(userID1, userID2 uint, limit int, before time.Time) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.conversation(userID1, userID2)
	if !before.IsZero() {
		var filtered []models.Message
		for _, msg := range all {
			if msg.CreatedAt.Before(before) {
				filtered = append(filtered, msg)
			}
		}
		all = filtered
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (m *MockMessageRepository) FindConversationPage(userID1, userID2 uint, page, pageSize int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.conversation(userID1, userID2)
	// Page 1 is the newest window; slice from the tail.
	end := len(all) - (page-1)*pageSize
	if end <= 0 {
		return nil, nil
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	return all[start:end], nil
}

func (m *MockMessageRepository) CountConversation(userID1, userID2 uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.conversation(userID1, userID2))), nil
}

func (m *MockMessageRepository) LatestCreatedAt(userID1, userID2 uint) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.conversation(userID1, userID2)
	if len(all) == 0 {
		return time.Time{}, gorm.ErrRecordNotFound
	}
	return all[len(all)-1].CreatedAt, nil
}

func (m *MockMessageRepository) UpdateStatus(msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.messages[msg.ID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	*stored = *msg
	return nil
}

func (m *MockMessageRepository) RecordRetryFailure(id uint, retryCount int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.messages[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	stored.RetryCount = retryCount
	stored.LastError = lastError
	return nil
}

func (m *MockMessageRepository) FindForRecipientSince(recipientID uint, since time.Time, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.Message
	for _, msg := range m.messages {
		if msg.RecipientID == recipientID && msg.CreatedAt.After(since) {
			result = append(result, *msg)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockMessageRepository) FindUnreadFromSender(recipientID, senderID uint) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.Message
	for _, msg := range m.messages {
		if msg.RecipientID == recipientID && msg.SenderID == senderID && !msg.IsRead {
			result = append(result, *msg)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MockMessageRepository) PurgeFailedOlderThan(olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var purged int64
	for id, msg := range m.messages {
		if msg.Status == models.StatusFailed && msg.CreatedAt.Before(cutoff) {
			delete(m.messages, id)
			purged++
		}
	}
	return purged, nil
}

// MockQueueRepository is an in-memory QueueRepositoryInterface.
type MockQueueRepository struct {
	mu      sync.Mutex
	entries map[uint]*models.QueuedMessage
	nextID  uint
}

func NewMockQueueRepository() *MockQueueRepository {
	return &MockQueueRepository{
		entries: make(map[uint]*models.QueuedMessage),
		nextID:  1,
	}
}

func (m *MockQueueRepository) Enqueue(entry *models.QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.entries {
		if existing.QueueType == entry.QueueType && existing.SenderID == entry.SenderID && existing.ClientID == entry.ClientID {
			return errors.New("duplicate key idx_queue_client_sender")
		}
	}
	if entry.ID == 0 {
		entry.ID = m.nextID
		m.nextID++
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = time.Now().Add(models.QueueTTL)
	}
	cp := *entry
	m.entries[entry.ID] = &cp
	return nil
}

func (m *MockQueueRepository) FindByClientID(queueType models.QueueType, senderID uint, clientID string) (*models.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.QueueType == queueType && entry.SenderID == senderID && entry.ClientID == clientID {
			cp := *entry
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *MockQueueRepository) PendingForUser(userID uint, now time.Time, limit int) ([]models.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.QueuedMessage
	for _, entry := range m.entries {
		if entry.IsProcessed || !entry.ExpiresAt.After(now) {
			continue
		}
		if entry.RetryAt != nil && entry.RetryAt.After(now) {
			continue
		}
		incoming := entry.RecipientID == userID && entry.QueueType == models.QueueIncoming
		outgoing := entry.SenderID == userID && entry.QueueType == models.QueueOutgoing
		if incoming || outgoing {
			result = append(result, *entry)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockQueueRepository) DueRetries(now time.Time, limit int) ([]models.QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []models.QueuedMessage
	for _, entry := range m.entries {
		if entry.QueueType != models.QueueRetry || entry.IsProcessed || !entry.ExpiresAt.After(now) {
			continue
		}
		if entry.RetryAt == nil || entry.RetryAt.After(now) {
			continue
		}
		result = append(result, *entry)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Priority != result[j].Priority {
			return result[i].Priority < result[j].Priority
		}
		return result[i].RetryAt.Before(*result[j].RetryAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockQueueRepository) MarkProcessed(id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	entry.IsProcessed = true
	return nil
}

func (m *MockQueueRepository) MarkAttempt(id uint, attempts int, lastError string, nextRetry *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	entry.Attempts = attempts
	entry.LastError = lastError
	entry.RetryAt = nextRetry
	return nil
}

func (m *MockQueueRepository) Reactivate(id uint, lastError string, retryAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	entry.IsProcessed = false
	entry.LastError = lastError
	entry.RetryAt = &retryAt
	return nil
}

func (m *MockQueueRepository) DeleteExpired(now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, entry := range m.entries {
		if !entry.ExpiresAt.After(now) {
			delete(m.entries, id)
			purged++
		}
	}
	return purged, nil
}

func (m *MockQueueRepository) CountPendingForUser(userID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, entry := range m.entries {
		if !entry.IsProcessed && (entry.RecipientID == userID || entry.SenderID == userID) {
			count++
		}
	}
	return count, nil
}

func (m *MockQueueRepository) get(id uint) *models.QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[id]; ok {
		cp := *entry
		return &cp
	}
	return nil
}

// MockPresenceRepository is an in-memory PresenceRepositoryInterface.
type MockPresenceRepository struct {
	mu   sync.Mutex
	rows map[uint]*models.UserPresence
}

func NewMockPresenceRepository() *MockPresenceRepository {
	return &MockPresenceRepository{rows: make(map[uint]*models.UserPresence)}
}

func (m *MockPresenceRepository) Get(userID uint) (*models.UserPresence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[userID]; ok {
		cp := *row
		return &cp, nil
	}
	return &models.UserPresence{UserID: userID}, nil
}

func (m *MockPresenceRepository) Upsert(p *models.UserPresence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.rows[p.UserID] = &cp
	return nil
}

func (m *MockPresenceRepository) TouchLastSeen(userID uint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row, ok := m.rows[userID]; ok {
		row.LastSeen = at
	}
	return nil
}

// mockTransport records deliveries and can be scripted to fail.
type mockTransport struct {
	mu        sync.Mutex
	delivered map[uint][]interface{}
	failures  int
	err       error
}

func newMockTransport() *mockTransport {
	return &mockTransport{delivered: make(map[uint][]interface{})}
}

// failNext makes the next n Deliver calls return err.
func (t *mockTransport) failNext(n int, err error) {
	t.mu.Lock()
	t.failures = n
	t.err = err
	t.mu.Unlock()
}

func (t *mockTransport) Deliver(ctx context.Context, userID uint, payload interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failures != 0 {
		if t.failures > 0 {
			t.failures--
		}
		return t.err
	}
	t.delivered[userID] = append(t.delivered[userID], payload)
	return nil
}

func (t *mockTransport) deliveredTo(userID uint) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.delivered[userID])
}

func (t *mockTransport) Broadcast(userID uint, payload interface{}) error {
	return t.Deliver(context.Background(), userID, payload)
}

// mockGlobalBroadcaster records BroadcastAll payloads.
type mockGlobalBroadcaster struct {
	mu     sync.Mutex
	events []interface{}
}

func (b *mockGlobalBroadcaster) BroadcastAll(payload interface{}) {
	b.mu.Lock()
	b.events = append(b.events, payload)
	b.mu.Unlock()
}

func (b *mockGlobalBroadcaster) all() []interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]interface{}(nil), b.events...)
}
