package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingline/pingline-backend/internal/cache"
	"github.com/pingline/pingline-backend/internal/models"
	"github.com/pingline/pingline-backend/internal/repository"
	"github.com/sirupsen/logrus"
)

// StaleConnectionTimeout is how long a connection may go without a
// heartbeat before the sweeper treats it as disconnected.
const StaleConnectionTimeout = 90 * time.Second

// PresenceService tracks online state as a per-user connection count. The
// in-process registry is authoritative for this instance; the redis cache
// mirrors it for cross-instance presence reads.
type PresenceService struct {
	mu    sync.Mutex
	conns map[uint]map[string]time.Time // userID -> connectionID -> last heartbeat

	presenceCache *cache.PresenceCache
	presenceRepo  repository.PresenceRepositoryInterface
	broadcaster   GlobalBroadcaster
	staleTimeout  time.Duration
	log           *logrus.Entry
}

func NewPresenceService(presenceCache *cache.PresenceCache, presenceRepo repository.PresenceRepositoryInterface, broadcaster GlobalBroadcaster) *PresenceService {
	return &PresenceService{
		conns:         make(map[uint]map[string]time.Time),
		presenceCache: presenceCache,
		presenceRepo:  presenceRepo,
		broadcaster:   broadcaster,
		staleTimeout:  StaleConnectionTimeout,
		log:           logrus.WithField("component", "presence_service"),
	}
}

// Connect registers a new connection and returns its id. The 0 -> 1
// connection edge broadcasts a went-online event.
func (s *PresenceService) Connect(userID uint) (string, error) {
	connectionID := uuid.NewString()
	now := time.Now()

	s.mu.Lock()
	if s.conns[userID] == nil {
		s.conns[userID] = make(map[string]time.Time)
	}
	s.conns[userID][connectionID] = now
	count := len(s.conns[userID])
	s.mu.Unlock()

	if _, err := s.presenceCache.IncrConnections(userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("presence cache increment failed")
	}

	if err := s.persist(userID, count, now); err != nil {
		return connectionID, err
	}

	if count == 1 {
		s.log.WithField("user_id", userID).Info("user went online")
		if s.broadcaster != nil {
			s.broadcaster.BroadcastAll(models.NewPresenceUpdate(userID, true, now))
		}
	}
	return connectionID, nil
}

// Disconnect drops one connection. The 1 -> 0 edge broadcasts went-offline.
func (s *PresenceService) Disconnect(userID uint, connectionID string) error {
	now := time.Now()

	s.mu.Lock()
	userConns, ok := s.conns[userID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("disconnect user %d: %w", userID, ErrConnectionUnknown)
	}
	if _, ok := userConns[connectionID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("disconnect user %d: %w", userID, ErrConnectionUnknown)
	}
	delete(userConns, connectionID)
	count := len(userConns)
	if count == 0 {
		delete(s.conns, userID)
	}
	s.mu.Unlock()

	if _, err := s.presenceCache.DecrConnections(userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Warn("presence cache decrement failed")
	}

	if err := s.persist(userID, count, now); err != nil {
		return err
	}

	if count == 0 {
		s.log.WithField("user_id", userID).Info("user went offline")
		if s.broadcaster != nil {
			s.broadcaster.BroadcastAll(models.NewPresenceUpdate(userID, false, now))
		}
	}
	return nil
}

// Heartbeat refreshes liveness for all of a user's connections.
func (s *PresenceService) Heartbeat(userID uint) {
	now := time.Now()

	s.mu.Lock()
	for id := range s.conns[userID] {
		s.conns[userID][id] = now
	}
	s.mu.Unlock()

	if err := s.presenceCache.RefreshOnline(userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Debug("presence cache refresh failed")
	}
	if err := s.presenceRepo.TouchLastSeen(userID, now); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Debug("presence last_seen update failed")
	}
}

// IsOnline reports whether the user has at least one active connection,
// consulting the shared cache for connections on other instances.
func (s *PresenceService) IsOnline(userID uint) bool {
	s.mu.Lock()
	local := len(s.conns[userID]) > 0
	s.mu.Unlock()
	if local {
		return true
	}
	return s.presenceCache.IsOnline(userID)
}

// ActiveConnections returns this instance's connection count for the user.
func (s *PresenceService) ActiveConnections(userID uint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[userID])
}

// Get returns the durable presence row.
func (s *PresenceService) Get(userID uint) (*models.UserPresence, error) {
	return s.presenceRepo.Get(userID)
}

// SweepStale disconnects connections with no heartbeat inside the stale
// window and returns how many were dropped.
func (s *PresenceService) SweepStale(now time.Time) int {
	type staleConn struct {
		userID uint
		connID string
	}
	var stale []staleConn

	s.mu.Lock()
	for userID, userConns := range s.conns {
		for connID, beat := range userConns {
			if now.Sub(beat) > s.staleTimeout {
				stale = append(stale, staleConn{userID, connID})
			}
		}
	}
	s.mu.Unlock()

	for _, sc := range stale {
		s.log.WithFields(logrus.Fields{
			"user_id":       sc.userID,
			"connection_id": sc.connID,
		}).Info("sweeping stale connection")
		_ = s.Disconnect(sc.userID, sc.connID)
	}
	return len(stale)
}

// StartSweeper runs the stale-connection sweep until the context ends.
func (s *PresenceService) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.SweepStale(now)
			}
		}
	}()
}

func (s *PresenceService) persist(userID uint, count int, now time.Time) error {
	err := s.presenceRepo.Upsert(&models.UserPresence{
		UserID:            userID,
		IsOnline:          count > 0,
		ActiveConnections: count,
		LastSeen:          now,
		UpdatedAt:         now,
	})
	if err != nil {
		return fmt.Errorf("persist presence for user %d: %w", userID, err)
	}
	return nil
}
