package testutil

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pingline/pingline-backend/internal/models"
	"gorm.io/gorm"
)

// TestHelper provides utility functions for tests
type TestHelper struct {
	t *testing.T
}

func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

// CreateTestMessage creates a test message with default values
func (h *TestHelper) CreateTestMessage(id uint, senderID, recipientID uint, content string) *models.Message {
	if id == 0 {
		id = 1
	}
	if senderID == 0 {
		senderID = 1
	}
	if recipientID == 0 {
		recipientID = 2
	}
	if content == "" {
		content = "Test message"
	}

	return &models.Message{
		ID:          id,
		ClientID:    fmt.Sprintf("client-%d", id),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		Status:      models.StatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

// CreateTestQueueEntry creates a queued message with default values
func (h *TestHelper) CreateTestQueueEntry(id uint, messageID uint, queueType models.QueueType) *models.QueuedMessage {
	if id == 0 {
		id = 1
	}
	now := time.Now()
	return &models.QueuedMessage{
		ID:          id,
		MessageID:   messageID,
		ClientID:    fmt.Sprintf("client-%d", messageID),
		SenderID:    1,
		RecipientID: 2,
		QueueType:   queueType,
		Payload:     `{"type":"message"}`,
		CreatedAt:   now,
		ExpiresAt:   now.Add(models.QueueTTL),
	}
}

// SetupTestEnv sets up required environment variables for testing
func (h *TestHelper) SetupTestEnv() {
	os.Setenv("JWT_SECRET", "test-secret-key-for-testing-only")
	os.Setenv("DATABASE_URL", "")
}

// TeardownTestEnv cleans up environment variables after testing
func (h *TestHelper) TeardownTestEnv() {
	os.Unsetenv("JWT_SECRET")
	os.Unsetenv("DATABASE_URL")
}

// AssertError checks if an error occurred when it should (or shouldn't)
func (h *TestHelper) AssertError(err error, shouldErr bool, testName string) {
	if (err != nil) != shouldErr {
		if shouldErr {
			h.t.Errorf("%s: expected error but got nil", testName)
		} else {
			h.t.Errorf("%s: unexpected error: %v", testName, err)
		}
	}
}

// AssertEqual checks if two values are equal
func (h *TestHelper) AssertEqual(got, want interface{}, testName string) {
	if got != want {
		h.t.Errorf("%s: got %v, want %v", testName, got, want)
	}
}

// AssertNotNil checks if a value is not nil
func (h *TestHelper) AssertNotNil(value interface{}, testName string) {
	if value == nil {
		h.t.Errorf("%s: expected non-nil value", testName)
	}
}

// GetRecordNotFoundError returns an error that mimics gorm.ErrRecordNotFound
func GetRecordNotFoundError() error {
	return gorm.ErrRecordNotFound
}
