package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TokenRetention is how long a sync token is kept. Past it the token is
// garbage-collected whether or not the client confirmed completion.
const TokenRetention = 10 * time.Minute

// SyncToken tracks one in-flight synchronization operation so a client can
// confirm it completed.
type SyncToken struct {
	Token       string    `json:"token"`
	UserID      uint      `json:"user_id"`
	Operation   string    `json:"operation"`
	CreatedAt   time.Time `json:"created_at"`
	Completed   bool      `json:"completed"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// SyncService fans state changes out to all of a user's sessions and keeps
// the sync-token bookkeeping for multi-tab clients.
type SyncService struct {
	mu     sync.Mutex
	tokens map[string]*SyncToken

	broadcaster Broadcaster
	retention   time.Duration
	log         *logrus.Entry
}

func NewSyncService(broadcaster Broadcaster) *SyncService {
	return &SyncService{
		tokens:      make(map[string]*SyncToken),
		broadcaster: broadcaster,
		retention:   TokenRetention,
		log:         logrus.WithField("component", "sync"),
	}
}

// Broadcast pushes a payload to every active session of one user.
func (s *SyncService) Broadcast(userID uint, payload interface{}) error {
	return s.broadcaster.Broadcast(userID, payload)
}

// GenerateToken registers a new in-flight sync operation.
func (s *SyncService) GenerateToken(userID uint, operation string) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = &SyncToken{
		Token:     token,
		UserID:    userID,
		Operation: operation,
		CreatedAt: time.Now(),
	}
	s.mu.Unlock()
	return token
}

// MarkCompleted confirms a sync operation. Returns false for unknown or
// already-collected tokens.
func (s *SyncService) MarkCompleted(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.tokens[token]
	if !ok {
		return false
	}
	if !st.Completed {
		st.Completed = true
		st.CompletedAt = time.Now()
	}
	return true
}

// Pending returns the user's unconfirmed sync operations.
func (s *SyncService) Pending(userID uint) []SyncToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []SyncToken
	for _, st := range s.tokens {
		if st.UserID == userID && !st.Completed {
			pending = append(pending, *st)
		}
	}
	return pending
}

// GC drops tokens older than the retention window regardless of completion.
func (s *SyncService) GC(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, st := range s.tokens {
		if now.Sub(st.CreatedAt) > s.retention {
			delete(s.tokens, token)
			removed++
		}
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Debug("sync tokens collected")
	}
	return removed
}

// StartGC collects stale tokens on a ticker until the context ends.
func (s *SyncService) StartGC(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.GC(now)
			}
		}
	}()
}
