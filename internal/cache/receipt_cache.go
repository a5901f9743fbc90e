package cache

import (
	"fmt"
	"time"
)

// ReceiptDedupWindow is how long a (message, reader) read signal suppresses
// duplicates, e.g. the same receipt arriving from several tabs.
const ReceiptDedupWindow = 5 * time.Minute

// ReceiptCache deduplicates read receipts with short-lived redis keys so the
// window is shared across instances.
type ReceiptCache struct {
	redis *RedisCache
}

func NewReceiptCache(redis *RedisCache) *ReceiptCache {
	return &ReceiptCache{redis: redis}
}

func receiptKey(messageID, readerID uint) string {
	return fmt.Sprintf("receipt:%d:%d", messageID, readerID)
}

// FirstSeen records the pair and reports whether this is the first read
// signal inside the dedup window. When redis is unavailable every signal
// counts as first seen; duplicate broadcasts are preferred over lost ones.
func (rc *ReceiptCache) FirstSeen(messageID, readerID uint) bool {
	if rc == nil || rc.redis == nil {
		return true
	}
	set, err := rc.redis.SetNX(receiptKey(messageID, readerID), []byte("1"), ReceiptDedupWindow)
	if err != nil {
		return true
	}
	return set
}
