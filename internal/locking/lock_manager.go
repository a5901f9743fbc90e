package locking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lock cannot be acquired within the
// configured wait. Callers treat it as retryable.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// DefaultAcquireTimeout bounds how long a caller may block on a contended
// key before the attempt is surfaced as retryable.
const DefaultAcquireTimeout = 5 * time.Second

type lockEntry struct {
	sem   chan struct{}
	owner string
	depth int
	refs  int
}

// LockManager provides advisory keyed locks: per-message locks keyed by
// message id plus operation class, and per-conversation locks keyed by the
// participant pair in canonical order so two operations touching the same
// pair from opposite directions contend on one key instead of deadlocking.
//
// Acquisition is re-entrant per owner token: the same owner re-acquiring a
// held key succeeds immediately instead of self-deadlocking.
type LockManager struct {
	mu             sync.Mutex
	locks          map[string]*lockEntry
	acquireTimeout time.Duration
}

func NewLockManager() *LockManager {
	return &LockManager{
		locks:          make(map[string]*lockEntry),
		acquireTimeout: DefaultAcquireTimeout,
	}
}

// NewLockManagerWithTimeout is used by tests to shorten contention waits.
func NewLockManagerWithTimeout(timeout time.Duration) *LockManager {
	lm := NewLockManager()
	lm.acquireTimeout = timeout
	return lm
}

// MessageKey builds the key for a message-scoped lock.
func MessageKey(messageID uint, operation string) string {
	return fmt.Sprintf("msg:%d:%s", messageID, operation)
}

// ConversationKey builds the canonical key for a participant pair. Always
// smaller id first, matching the conversation cache keying.
func ConversationKey(userID1, userID2 uint) string {
	if userID1 > userID2 {
		userID1, userID2 = userID2, userID1
	}
	return fmt.Sprintf("conv:%d:%d", userID1, userID2)
}

// AcquireMessage locks one message for the given operation class.
func (lm *LockManager) AcquireMessage(ctx context.Context, messageID uint, operation, owner string) (func(), error) {
	return lm.Acquire(ctx, MessageKey(messageID, operation), owner)
}

// AcquireConversation locks a conversation pair.
func (lm *LockManager) AcquireConversation(ctx context.Context, userID1, userID2 uint, owner string) (func(), error) {
	return lm.Acquire(ctx, ConversationKey(userID1, userID2), owner)
}

// Acquire blocks until the key is held, the context is cancelled, or the
// acquire timeout elapses. The returned release function is idempotent and
// must be deferred so the lock is dropped on every exit path.
func (lm *LockManager) Acquire(ctx context.Context, key, owner string) (func(), error) {
	lm.mu.Lock()
	entry, ok := lm.locks[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		lm.locks[key] = entry
	}
	if entry.depth > 0 && entry.owner == owner && owner != "" {
		// Re-entrant acquisition by the current holder
		entry.depth++
		lm.mu.Unlock()
		return lm.releaseFunc(key, owner), nil
	}
	entry.refs++
	lm.mu.Unlock()

	timer := time.NewTimer(lm.acquireTimeout)
	defer timer.Stop()

	select {
	case entry.sem <- struct{}{}:
		lm.mu.Lock()
		entry.owner = owner
		entry.depth = 1
		lm.mu.Unlock()
		return lm.releaseFunc(key, owner), nil
	case <-ctx.Done():
		lm.abandon(key, entry)
		return nil, fmt.Errorf("lock %s: %w", key, ErrLockTimeout)
	case <-timer.C:
		lm.abandon(key, entry)
		return nil, fmt.Errorf("lock %s: %w", key, ErrLockTimeout)
	}
}

func (lm *LockManager) abandon(key string, entry *lockEntry) {
	lm.mu.Lock()
	entry.refs--
	if entry.refs == 0 && entry.depth == 0 {
		delete(lm.locks, key)
	}
	lm.mu.Unlock()
}

func (lm *LockManager) releaseFunc(key, owner string) func() {
	released := false
	var once sync.Mutex
	return func() {
		once.Lock()
		defer once.Unlock()
		if released {
			return
		}
		released = true
		lm.release(key, owner)
	}
}

func (lm *LockManager) release(key, owner string) {
	lm.mu.Lock()
	entry, ok := lm.locks[key]
	if !ok || entry.depth == 0 || entry.owner != owner {
		lm.mu.Unlock()
		return
	}
	entry.depth--
	if entry.depth > 0 {
		lm.mu.Unlock()
		return
	}
	entry.owner = ""
	entry.refs--
	if entry.refs == 0 {
		delete(lm.locks, key)
	}
	lm.mu.Unlock()
	<-entry.sem
}

// Held reports whether the key is currently locked. Test helper.
func (lm *LockManager) Held(key string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	entry, ok := lm.locks[key]
	return ok && entry.depth > 0
}
