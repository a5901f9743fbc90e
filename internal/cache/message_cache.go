package cache

import (
	"fmt"
	"time"

	"github.com/pingline/pingline-backend/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

// ConversationTTL bounds staleness of the cached history window.
const ConversationTTL = 5 * time.Minute

// MessageCache caches the most recent window of a conversation, serialized
// with msgpack.
type MessageCache struct {
	redis *RedisCache
}

func NewMessageCache(redis *RedisCache) *MessageCache {
	return &MessageCache{redis: redis}
}

// conversationKey generates a cache key for a conversation.
func conversationKey(userID1, userID2 uint) string {
	// Always use smaller ID first for consistency
	if userID1 > userID2 {
		userID1, userID2 = userID2, userID1
	}
	return fmt.Sprintf("conv:%d:%d", userID1, userID2)
}

// GetConversation retrieves cached conversation messages
func (mc *MessageCache) GetConversation(userID1, userID2 uint) ([]models.Message, bool) {
	if mc == nil || mc.redis == nil {
		return nil, false
	}
	data, err := mc.redis.Get(conversationKey(userID1, userID2))
	if err != nil || data == nil {
		return nil, false
	}

	var messages []models.Message
	if err := msgpack.Unmarshal(data, &messages); err != nil {
		return nil, false
	}

	return messages, true
}

// SetConversation caches conversation messages
func (mc *MessageCache) SetConversation(userID1, userID2 uint, messages []models.Message) error {
	if mc == nil || mc.redis == nil {
		return nil
	}
	data, err := msgpack.Marshal(messages)
	if err != nil {
		return err
	}
	return mc.redis.Set(conversationKey(userID1, userID2), data, ConversationTTL)
}

// InvalidateConversation drops the cached window after a write.
func (mc *MessageCache) InvalidateConversation(userID1, userID2 uint) error {
	if mc == nil || mc.redis == nil {
		return nil
	}
	return mc.redis.Delete(conversationKey(userID1, userID2))
}
