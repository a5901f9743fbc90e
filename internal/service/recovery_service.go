package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pingline/pingline-backend/internal/models"
	"github.com/sirupsen/logrus"
)

// ReconnectSchedule is the backoff between reconnection attempts, indexed by
// retry count and clamped to the last value.
var ReconnectSchedule = []time.Duration{
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
}

// ReconnectDelay returns the wait before the given attempt.
func ReconnectDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(ReconnectSchedule) {
		retryCount = len(ReconnectSchedule) - 1
	}
	return ReconnectSchedule[retryCount]
}

// ReconnectProbe attempts to re-establish one connection. It returns nil
// when the connection is live again.
type ReconnectProbe func(ctx context.Context, userID uint, connectionID string) error

// RecoverySink is notified after a successful recovery so missed messages
// can be resynchronized and the offline queue drained.
type RecoverySink interface {
	OnRecovered(ctx context.Context, userID uint, since time.Time)
}

type trackedConn struct {
	state  models.ConnectionState
	cancel context.CancelFunc
}

// RecoveryService runs the per-connection reconnection state machine:
// scheduled, cancellable backoff attempts, bounded at five, with missed
// message resynchronization on success.
type RecoveryService struct {
	mu    sync.Mutex
	conns map[string]*trackedConn

	probe ReconnectProbe
	sink  RecoverySink
	log   *logrus.Entry
}

func NewRecoveryService(probe ReconnectProbe, sink RecoverySink) *RecoveryService {
	return &RecoveryService{
		conns: make(map[string]*trackedConn),
		probe: probe,
		sink:  sink,
		log:   logrus.WithField("component", "recovery"),
	}
}

// Track starts following a connection that just established.
func (s *RecoveryService) Track(userID uint, connectionID string) {
	now := time.Now()
	s.mu.Lock()
	s.conns[connectionID] = &trackedConn{
		state: models.ConnectionState{
			ConnectionID:  connectionID,
			UserID:        userID,
			State:         models.ConnConnected,
			ConnectedAt:   now,
			LastHeartbeat: now,
		},
	}
	s.mu.Unlock()
}

// State returns a copy of the connection's recovery state.
func (s *RecoveryService) State(connectionID string) (models.ConnectionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.conns[connectionID]
	if !ok {
		return models.ConnectionState{}, fmt.Errorf("recovery state: %w", ErrConnectionUnknown)
	}
	return tc.state, nil
}

// Heartbeat refreshes connection liveness.
func (s *RecoveryService) Heartbeat(connectionID string) {
	s.mu.Lock()
	if tc, ok := s.conns[connectionID]; ok {
		tc.state.LastHeartbeat = time.Now()
	}
	s.mu.Unlock()
}

// MarkDisconnected moves the connection into the reconnection cycle,
// cancelling any attempt already in flight.
func (s *RecoveryService) MarkDisconnected(connectionID string) error {
	s.mu.Lock()
	tc, ok := s.conns[connectionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("mark disconnected: %w", ErrConnectionUnknown)
	}
	s.cancelLocked(tc)
	tc.state.State = models.ConnReconnecting
	s.mu.Unlock()

	s.scheduleAttempt(connectionID)
	return nil
}

// ManualReconnect restarts the cycle from attempt zero. It is the only way
// out of the failed/offline states.
func (s *RecoveryService) ManualReconnect(connectionID string) error {
	s.mu.Lock()
	tc, ok := s.conns[connectionID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("manual reconnect: %w", ErrConnectionUnknown)
	}
	s.cancelLocked(tc)
	tc.state.RetryCount = 0
	tc.state.State = models.ConnConnecting
	s.mu.Unlock()

	s.attempt(connectionID)
	return nil
}

// Unregister stops tracking a connection and cancels any scheduled attempt.
func (s *RecoveryService) Unregister(connectionID string) {
	s.mu.Lock()
	if tc, ok := s.conns[connectionID]; ok {
		s.cancelLocked(tc)
		delete(s.conns, connectionID)
	}
	s.mu.Unlock()
}

func (s *RecoveryService) cancelLocked(tc *trackedConn) {
	if tc.cancel != nil {
		tc.cancel()
		tc.cancel = nil
	}
}

// scheduleAttempt arms a cancellable timer for the next reconnection
// attempt according to the backoff schedule.
func (s *RecoveryService) scheduleAttempt(connectionID string) {
	s.mu.Lock()
	tc, ok := s.conns[connectionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if tc.state.RetryCount >= models.MaxReconnectAttempts {
		tc.state.State = models.ConnFailed
		s.log.WithFields(logrus.Fields{
			"connection_id": connectionID,
			"user_id":       tc.state.UserID,
		}).Warn("reconnection attempts exhausted")
		tc.state.State = models.ConnOffline
		s.mu.Unlock()
		return
	}

	delay := ReconnectDelay(tc.state.RetryCount)
	tc.state.NextRetryAt = time.Now().Add(delay)
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelLocked(tc)
	tc.cancel = cancel
	userID := tc.state.UserID
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"user_id":       userID,
		"delay":         delay,
	}).Debug("reconnection attempt scheduled")

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.attempt(connectionID)
		}
	}()
}

func (s *RecoveryService) attempt(connectionID string) {
	s.mu.Lock()
	tc, ok := s.conns[connectionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	tc.state.State = models.ConnConnecting
	since := tc.state.LastAttempt
	if since.IsZero() {
		since = tc.state.ConnectedAt
	}
	tc.state.LastAttempt = time.Now()
	userID := tc.state.UserID
	s.mu.Unlock()

	err := s.probe(context.Background(), userID, connectionID)

	s.mu.Lock()
	tc, ok = s.conns[connectionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if err != nil {
		tc.state.RetryCount++
		tc.state.State = models.ConnReconnecting
		retries := tc.state.RetryCount
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{
			"connection_id": connectionID,
			"user_id":       userID,
			"retry_count":   retries,
		}).Info("reconnection attempt failed")
		s.scheduleAttempt(connectionID)
		return
	}

	tc.state.State = models.ConnConnected
	tc.state.RetryCount = 0
	tc.state.ConnectedAt = time.Now()
	tc.state.LastHeartbeat = tc.state.ConnectedAt
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"connection_id": connectionID,
		"user_id":       userID,
	}).Info("connection recovered")

	if s.sink != nil {
		s.sink.OnRecovered(context.Background(), userID, since)
	}
}
